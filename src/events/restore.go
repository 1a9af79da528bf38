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

package events

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"kaifyworker/src/logging"
	"kaifyworker/src/model"
	"kaifyworker/src/remote"
)

type ServerLookup interface {
	ServerByID(id int64) (model.Server, bool)
}

// RestoreCleanup removes the temporary files a database import left on the
// server and inside the database container.
func RestoreCleanup(runner remote.Runner, servers ServerLookup) Handler {
	return func(ctx context.Context, payload map[string]any) error {
		container := String(payload, "container")
		var commands []string
		if p := String(payload, "tmpPath"); p != "" {
			commands = append(commands, "rm -f "+remote.ShellQuote(p)+" 2>/dev/null || true")
		}
		if p := String(payload, "scriptPath"); p != "" {
			commands = append(commands, "rm -f "+remote.ShellQuote(p)+" 2>/dev/null || true")
		}
		if container != "" {
			if paths := quoteAll(String(payload, "tmpPath"), String(payload, "scriptPath")); paths != "" {
				commands = append(commands, "docker exec "+remote.ShellQuote(container)+" rm -f "+paths+" 2>/dev/null || true")
			}
		}
		return runCleanup(ctx, runner, servers, payload, commands)
	}
}

// S3RestoreCleanup removes the downloader helper container and the temporary
// files of an S3 restore.
func S3RestoreCleanup(runner remote.Runner, servers ServerLookup) Handler {
	return func(ctx context.Context, payload map[string]any) error {
		var commands []string
		if name := String(payload, "containerName"); name != "" {
			commands = append(commands, "docker rm -f "+remote.ShellQuote(name)+" 2>/dev/null || true")
		}
		if p := String(payload, "serverTmpPath"); p != "" {
			commands = append(commands, "rm -f "+remote.ShellQuote(p)+" 2>/dev/null || true")
		}
		if container := String(payload, "container"); container != "" {
			if paths := quoteAll(String(payload, "containerTmpPath"), String(payload, "scriptPath")); paths != "" {
				commands = append(commands, "docker exec "+remote.ShellQuote(container)+" rm -f "+paths+" 2>/dev/null || true")
			}
		}
		return runCleanup(ctx, runner, servers, payload, commands)
	}
}

func runCleanup(ctx context.Context, runner remote.Runner, servers ServerLookup, payload map[string]any, commands []string) error {
	if len(commands) == 0 {
		return nil
	}
	id, ok := Int(payload, "serverId")
	if !ok {
		return errors.New("cleanup payload has no serverId")
	}
	server, ok := servers.ServerByID(id)
	if !ok {
		return fmt.Errorf("server %d not found", id)
	}

	var errs []error
	for _, command := range commands {
		var out bytes.Buffer
		code, err := runner.Run(ctx, server, command, &out, &out)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if code != 0 {
			logging.Log(fmt.Sprintf("Cleanup command on %s exited with %d: %s", server, code, strings.TrimSpace(out.String())), slog.LevelWarn)
		}
	}
	if len(errs) == 0 {
		logging.Log(fmt.Sprintf("Restore cleanup finished on %s (status %s)", server, String(payload, "status")), slog.LevelInfo)
	}
	return errors.Join(errs...)
}

func quoteAll(paths ...string) string {
	var quoted []string
	for _, p := range paths {
		if p != "" {
			quoted = append(quoted, remote.ShellQuote(p))
		}
	}
	return strings.Join(quoted, " ")
}
