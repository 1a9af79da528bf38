// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"kaifyworker/src/logging"
	"kaifyworker/src/model"
)

type SSHConfig struct {
	// KnownHostsPath enables host key verification. Empty accepts any key.
	KnownHostsPath string
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

type sshConn struct {
	client   *ssh.Client
	lastUsed time.Time
	inUse    int
}

// SSHRunner keeps one multiplexed SSH connection per server. Every command
// opens its own session channel on that connection.
type SSHRunner struct {
	cfg SSHConfig

	mu    sync.Mutex
	conns map[string]*sshConn
	dial  func(ctx context.Context, server model.Server) (*ssh.Client, error)
}

func NewSSHRunner(cfg SSHConfig) *SSHRunner {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	r := &SSHRunner{cfg: cfg, conns: make(map[string]*sshConn)}
	r.dial = r.dialServer
	return r
}

func (r *SSHRunner) clientConfig(server model.Server) (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(server.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	hostKey := ssh.InsecureIgnoreHostKey()
	if r.cfg.KnownHostsPath != "" {
		hostKey, err = knownhosts.New(r.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
	}
	user := server.User
	if user == "" {
		user = "root"
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         r.cfg.ConnectTimeout,
	}, nil
}

func (r *SSHRunner) dialServer(ctx context.Context, server model.Server) (*ssh.Client, error) {
	cfg, err := r.clientConfig(server)
	if err != nil {
		return nil, err
	}
	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, err := ssh.Dial("tcp", server.Address(), cfg)
		done <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if res := <-done; res.client != nil {
				res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-done:
		return res.client, res.err
	}
}

// acquire returns a live connection for the server, dialing when the pooled
// one is missing or fails a keepalive probe.
func (r *SSHRunner) acquire(ctx context.Context, server model.Server) (*sshConn, error) {
	key := server.UUID
	r.mu.Lock()
	conn := r.conns[key]
	if conn != nil {
		conn.inUse++
	}
	r.mu.Unlock()

	if conn != nil {
		if _, _, err := conn.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return conn, nil
		}
		logging.Log(fmt.Sprintf("SSH connection to %s is stale, reconnecting", server), slog.LevelWarn)
		r.drop(key, conn)
	}

	client, err := r.dial(ctx, server)
	if err != nil {
		return nil, &ConnectionError{Server: server.String(), Err: err}
	}
	conn = &sshConn{client: client, lastUsed: time.Now(), inUse: 1}

	r.mu.Lock()
	if existing := r.conns[key]; existing != nil {
		// lost a dial race; keep the pooled connection
		existing.inUse++
		r.mu.Unlock()
		client.Close()
		return existing, nil
	}
	r.conns[key] = conn
	r.mu.Unlock()
	logging.Log(fmt.Sprintf("SSH connection to %s established", server), slog.LevelInfo)
	return conn, nil
}

func (r *SSHRunner) release(conn *sshConn) {
	r.mu.Lock()
	conn.inUse--
	conn.lastUsed = time.Now()
	r.mu.Unlock()
}

func (r *SSHRunner) drop(key string, conn *sshConn) {
	r.mu.Lock()
	if r.conns[key] == conn {
		delete(r.conns, key)
	}
	r.mu.Unlock()
	conn.client.Close()
}

func (r *SSHRunner) Run(ctx context.Context, server model.Server, command string, stdout, stderr io.Writer) (int, error) {
	conn, err := r.acquire(ctx, server)
	if err != nil {
		return -1, err
	}
	defer r.release(conn)

	session, err := conn.client.NewSession()
	if err != nil {
		r.drop(server.UUID, conn)
		return -1, &ConnectionError{Server: server.String(), Err: err}
	}
	defer session.Close()
	session.Stdout = stdout
	session.Stderr = stderr

	if err := session.Start(command); err != nil {
		return -1, &ConnectionError{Server: server.String(), Err: err}
	}
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return -1, &ConnectionError{Server: server.String(), Err: ctx.Err()}
	case err = <-done:
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	// ExitMissingError and I/O errors mean the channel died under us
	r.drop(server.UUID, conn)
	return -1, &ConnectionError{Server: server.String(), Err: err}
}

// RunReaper closes connections that have been idle longer than the
// configured timeout. It blocks until ctx is done.
func (r *SSHRunner) RunReaper(ctx context.Context) {
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapIdle(time.Now())
		}
	}
}

func (r *SSHRunner) reapIdle(now time.Time) int {
	r.mu.Lock()
	var idle []*ssh.Client
	for key, conn := range r.conns {
		if conn.inUse == 0 && now.Sub(conn.lastUsed) > r.cfg.IdleTimeout {
			idle = append(idle, conn.client)
			delete(r.conns, key)
			logging.Log(fmt.Sprintf("Idle timeout reached for SSH connection %s. Closing...", key), slog.LevelInfo)
		}
	}
	r.mu.Unlock()
	for _, c := range idle {
		c.Close()
	}
	return len(idle)
}

func (r *SSHRunner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, conn := range r.conns {
		conn.client.Close()
		delete(r.conns, key)
	}
}
