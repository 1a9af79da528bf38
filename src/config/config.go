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

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBDriver string
	DBDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	APIPort           string
	WorkerConcurrency int
	TaskQueue         string
	TaskTimeout       time.Duration

	SSHKnownHosts     string
	SSHConnectTimeout time.Duration
	SSHIdleTimeout    time.Duration

	HelperImage          string
	ContainerIdleTimeout time.Duration

	CatalogPath        string
	DeployPollInterval time.Duration
	QueueRetryAfter    time.Duration

	// Admission caps on queued plus in-progress deployments, and the default
	// number of builds a server runs at once.
	AppQueueLimit    int
	ServerQueueLimit int
	ConcurrentBuilds int

	BaseURL     string
	GitHubToken string
}

// Load reads .env (when present) and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading env file: %w", err)
	}
	return FromEnv()
}

func FromEnv() (*Config, error) {
	cfg := &Config{
		DBDriver:      getenv("DB_DRIVER", "postgres"),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		APIPort:       getenv("API_PORT", "8080"),
		TaskQueue:     getenv("TASK_QUEUE", "default"),
		SSHKnownHosts: os.Getenv("SSH_KNOWN_HOSTS"),
		HelperImage:   getenv("HELPER_IMAGE", "ghcr.io/kaify/helper:latest"),
		CatalogPath:   getenv("CATALOG_PATH", "catalog.yaml"),
		BaseURL:       os.Getenv("KAIFY_BASE_URL"),
		GitHubToken:   os.Getenv("GITHUB_TOKEN"),
	}

	var err error
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency, err = intEnv("WORKER_CONCURRENCY", 10); err != nil {
		return nil, err
	}
	if cfg.TaskTimeout, err = durationEnv("TASK_TIMEOUT", 600*time.Second); err != nil {
		return nil, err
	}
	if cfg.SSHConnectTimeout, err = durationEnv("SSH_CONNECT_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SSHIdleTimeout, err = durationEnv("SSH_IDLE_TIMEOUT", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ContainerIdleTimeout, err = durationEnv("CONTAINER_IDLE_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.DeployPollInterval, err = durationEnv("DEPLOY_POLL_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.QueueRetryAfter, err = durationEnv("QUEUE_RETRY_AFTER", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.AppQueueLimit, err = intEnv("DEPLOY_APP_QUEUE_LIMIT", 5); err != nil {
		return nil, err
	}
	if cfg.ServerQueueLimit, err = intEnv("DEPLOY_SERVER_QUEUE_LIMIT", 50); err != nil {
		return nil, err
	}
	if cfg.ConcurrentBuilds, err = intEnv("DEPLOY_CONCURRENT_BUILDS", 2); err != nil {
		return nil, err
	}

	cfg.DBDSN = os.Getenv("DB_DSN")
	if cfg.DBDSN == "" {
		switch cfg.DBDriver {
		case "postgres":
			cfg.DBDSN = fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
				os.Getenv("DB_USER"), os.Getenv("DB_PASSWORD"), os.Getenv("DB_NAME"),
				getenv("DB_HOST", "localhost"), getenv("DB_PORT", "5432"), getenv("DB_SSLMODE", "require"))
		case "sqlite":
			cfg.DBDSN = "file:kaify.db?_pragma=busy_timeout(5000)"
		default:
			return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
		}
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return d, nil
}
