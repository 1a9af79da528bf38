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
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"kaifyworker/src/logging"
	"kaifyworker/src/model"
)

const helperLabel = "kaify.helper"

type DockerConfig struct {
	HelperImage string
	IdleTimeout time.Duration
}

type helperContainer struct {
	cli      *client.Client
	id       string
	lastUsed time.Time
	inUse    int
}

// DockerRunner runs commands with docker exec inside one long-lived helper
// container per Docker Engine endpoint.
type DockerRunner struct {
	cfg DockerConfig

	mu      sync.Mutex
	helpers map[string]*helperContainer
}

func NewDockerRunner(cfg DockerConfig) *DockerRunner {
	if cfg.HelperImage == "" {
		cfg.HelperImage = "alpine:3.20"
	}
	return &DockerRunner{cfg: cfg, helpers: make(map[string]*helperContainer)}
}

func newDockerClient(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	return client.NewClientWithOpts(opts...)
}

// helper returns the running helper container for the server's endpoint,
// creating it when missing or dead. Callers hold r.mu.
func (r *DockerRunner) helper(ctx context.Context, server model.Server) (*helperContainer, error) {
	if h := r.helpers[server.DockerHost]; h != nil {
		inspect, err := h.cli.ContainerInspect(ctx, h.id)
		if err == nil && inspect.State.Running {
			h.lastUsed = time.Now()
			h.inUse++
			return h, nil
		}
		delete(r.helpers, server.DockerHost)
		h.cli.Close()
	}

	cli, err := newDockerClient(server.DockerHost)
	if err != nil {
		return nil, err
	}
	id, err := r.createHelper(ctx, cli)
	if err != nil {
		cli.Close()
		return nil, err
	}
	h := &helperContainer{cli: cli, id: id, lastUsed: time.Now(), inUse: 1}
	r.helpers[server.DockerHost] = h
	logging.Log(fmt.Sprintf("New helper container created on %s: %s", server, id[:12]), slog.LevelInfo)
	return h, nil
}

func (r *DockerRunner) createHelper(ctx context.Context, cli *client.Client) (string, error) {
	cfg := &container.Config{
		Image:  r.cfg.HelperImage,
		Cmd:    []string{"sleep", "infinity"},
		Labels: map[string]string{helperLabel: "true"},
	}
	resp, err := cli.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, "")
	if client.IsErrNotFound(err) {
		logging.Log(fmt.Sprintf("Pulling helper image %s", r.cfg.HelperImage), slog.LevelInfo)
		pull, perr := cli.ImagePull(ctx, r.cfg.HelperImage, image.PullOptions{})
		if perr != nil {
			return "", fmt.Errorf("pulling helper image: %w", perr)
		}
		_, _ = io.Copy(io.Discard, pull)
		pull.Close()
		resp, err = cli.ContainerCreate(ctx, cfg, &container.HostConfig{}, nil, nil, "")
	}
	if err != nil {
		return "", fmt.Errorf("creating helper container: %w", err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("starting helper container: %w", err)
	}
	return resp.ID, nil
}

func (r *DockerRunner) Run(ctx context.Context, server model.Server, command string, stdout, stderr io.Writer) (int, error) {
	r.mu.Lock()
	h, err := r.helper(ctx, server)
	r.mu.Unlock()
	if err != nil {
		return -1, &ConnectionError{Server: server.String(), Err: err}
	}
	defer r.release(h)

	exec, err := h.cli.ContainerExecCreate(ctx, h.id, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"sh", "-c", command},
	})
	if err != nil {
		return -1, &ConnectionError{Server: server.String(), Err: fmt.Errorf("creating exec: %w", err)}
	}
	resp, err := h.cli.ContainerExecAttach(ctx, exec.ID, container.ExecStartOptions{})
	if err != nil {
		return -1, &ConnectionError{Server: server.String(), Err: fmt.Errorf("attaching to exec: %w", err)}
	}
	defer resp.Close()

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, resp.Reader)
		done <- err
	}()

	select {
	case <-ctx.Done():
		return -1, &ConnectionError{Server: server.String(), Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			return -1, &ConnectionError{Server: server.String(), Err: fmt.Errorf("reading exec output: %w", err)}
		}
	}

	inspect, err := h.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return -1, &ConnectionError{Server: server.String(), Err: fmt.Errorf("inspecting exec: %w", err)}
	}
	return inspect.ExitCode, nil
}

func (r *DockerRunner) release(h *helperContainer) {
	r.mu.Lock()
	h.inUse--
	h.lastUsed = time.Now()
	r.mu.Unlock()
}

// RunReaper removes helper containers idle longer than the configured
// timeout. It blocks until ctx is done.
func (r *DockerRunner) RunReaper(ctx context.Context) {
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
			for _, h := range r.reapIdle(time.Now()) {
				logging.Log(fmt.Sprintf("Idle timeout reached for helper container %s. Removing...", h.id[:12]), slog.LevelInfo)
				r.remove(h)
			}
		}
	}
}

// reapIdle detaches helpers that have no exec running and have been idle
// past the timeout. The caller removes the returned containers.
func (r *DockerRunner) reapIdle(now time.Time) []*helperContainer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var idle []*helperContainer
	for host, h := range r.helpers {
		if h.inUse == 0 && now.Sub(h.lastUsed) > r.cfg.IdleTimeout {
			idle = append(idle, h)
			delete(r.helpers, host)
		}
	}
	return idle
}

func (r *DockerRunner) remove(h *helperContainer) {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.cli.ContainerRemove(cleanupCtx, h.id, container.RemoveOptions{Force: true}); err != nil {
		logging.Log(fmt.Sprintf("failed to remove helper container %s: %v", h.id[:12], err), slog.LevelWarn)
	}
	h.cli.Close()
}

// Close removes every helper container.
func (r *DockerRunner) Close() {
	r.mu.Lock()
	helpers := r.helpers
	r.helpers = make(map[string]*helperContainer)
	r.mu.Unlock()
	for _, h := range helpers {
		logging.Log(fmt.Sprintf("Cleaning up helper container %s...", h.id[:12]), slog.LevelInfo)
		r.remove(h)
	}
}
