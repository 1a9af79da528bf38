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

package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"kaifyworker/src/logging"
	"kaifyworker/src/model"
)

type file struct {
	Servers      []model.Server      `yaml:"servers"`
	Applications []model.Application `yaml:"applications"`
}

// Catalog is the set of servers and applications the worker may act on,
// read from a YAML file.
type Catalog struct {
	path string

	mu      sync.RWMutex
	servers map[int64]model.Server
	byUUID  map[string]model.Server
	apps    map[int64]model.Application
}

// Load reads the catalog at path. A missing file yields an empty catalog.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse builds a catalog from YAML without a backing file.
func Parse(data []byte) (*Catalog, error) {
	c := &Catalog{}
	if err := c.apply(data); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		logging.Log(fmt.Sprintf("Catalog %s not found, starting empty", c.path), slog.LevelWarn)
		data = nil
	} else if err != nil {
		return fmt.Errorf("reading catalog: %w", err)
	}
	return c.apply(data)
}

func (c *Catalog) apply(data []byte) error {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing catalog: %w", err)
	}
	servers := make(map[int64]model.Server, len(f.Servers))
	byUUID := make(map[string]model.Server, len(f.Servers))
	for _, s := range f.Servers {
		if s.UUID == "" {
			return fmt.Errorf("server %d has no uuid", s.ID)
		}
		if _, dup := servers[s.ID]; dup {
			return fmt.Errorf("duplicate server id %d", s.ID)
		}
		if s.Transport == "" {
			s.Transport = model.TransportSSH
		}
		servers[s.ID] = s
		byUUID[s.UUID] = s
	}
	apps := make(map[int64]model.Application, len(f.Applications))
	for _, a := range f.Applications {
		if _, ok := servers[a.ServerID]; !ok {
			return fmt.Errorf("application %d references unknown server %d", a.ID, a.ServerID)
		}
		apps[a.ID] = a
	}

	c.mu.Lock()
	c.servers, c.byUUID, c.apps = servers, byUUID, apps
	c.mu.Unlock()
	return nil
}

func (c *Catalog) ServerByID(id int64) (model.Server, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.servers[id]
	return s, ok
}

func (c *Catalog) ServerByUUID(uuid string) (model.Server, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byUUID[uuid]
	return s, ok
}

func (c *Catalog) ApplicationByID(id int64) (model.Application, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.apps[id]
	return a, ok
}

func (c *Catalog) Servers() []model.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Server, 0, len(c.servers))
	for _, s := range c.servers {
		out = append(out, s)
	}
	return out
}

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up. A broken edit is logged and the previous catalog
// stays in effect.
func (c *Catalog) Watch(ctx context.Context, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("watching %s: %w", c.path, err)
	}
	target := filepath.Clean(c.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := c.Reload(); err != nil {
				logging.Log(fmt.Sprintf("Catalog reload failed, keeping previous version: %v", err), slog.LevelError)
				continue
			}
			logging.Log("Catalog reloaded", slog.LevelInfo)
			if onReload != nil {
				onReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Log(fmt.Sprintf("fsnotify error=%v", err), slog.LevelError)
		}
	}
}
