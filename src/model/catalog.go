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

package model

import (
	"fmt"
	"net"
	"strconv"
)

type Transport string

const (
	TransportSSH    Transport = "ssh"
	TransportDocker Transport = "docker"
)

// Server is a deployment target reachable over SSH or a Docker Engine endpoint.
type Server struct {
	ID               int64     `yaml:"id" json:"id"`
	UUID             string    `yaml:"uuid" json:"uuid"`
	Name             string    `yaml:"name" json:"name"`
	IP               string    `yaml:"ip" json:"ip"`
	Port             int       `yaml:"port" json:"port"`
	User             string    `yaml:"user" json:"user"`
	PrivateKeyPath   string    `yaml:"private_key_path" json:"-"`
	Transport        Transport `yaml:"transport" json:"transport"`
	DockerHost       string    `yaml:"docker_host" json:"docker_host,omitempty"`
	ConcurrentBuilds int       `yaml:"concurrent_builds" json:"concurrent_builds"`
	Functional       *bool     `yaml:"functional" json:"functional"`
}

func (s Server) Address() string {
	port := s.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(s.IP, strconv.Itoa(port))
}

func (s Server) IsFunctional() bool {
	return s.Functional == nil || *s.Functional
}

func (s Server) String() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("server-%d", s.ID)
}

// Application is the subset of an application the deployment core reads.
type Application struct {
	ID                       int64    `yaml:"id" json:"id"`
	UUID                     string   `yaml:"uuid" json:"uuid"`
	Name                     string   `yaml:"name" json:"name"`
	ServerID                 int64    `yaml:"server_id" json:"server_id"`
	DestinationID            int64    `yaml:"destination_id" json:"destination_id"`
	GitRepository            string   `yaml:"git_repository" json:"git_repository"`
	GitBranch                string   `yaml:"git_branch" json:"git_branch"`
	DeploymentsDisabled      bool     `yaml:"deployments_disabled" json:"deployments_disabled"`
	PreviewsEnabled          bool     `yaml:"previews_enabled" json:"previews_enabled"`
	PublicPRDeployments      bool     `yaml:"public_pr_deployments_enabled" json:"public_pr_deployments_enabled"`
	WatchPaths               []string `yaml:"watch_paths" json:"watch_paths"`
	MaxConcurrentDeployments int      `yaml:"max_concurrent_deployments" json:"max_concurrent_deployments"`
	DeployCommands           []string `yaml:"deploy_commands" json:"deploy_commands"`
	ChatWebhookURL           string   `yaml:"chat_webhook_url" json:"-"`
}

func (a Application) IsDeployable() bool { return !a.DeploymentsDisabled }

func (a Application) IsPRDeployable() bool { return a.PreviewsEnabled }
