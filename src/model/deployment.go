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

import "time"

type DeploymentStatus string

const (
	DeploymentQueued     DeploymentStatus = "queued"
	DeploymentInProgress DeploymentStatus = "in_progress"
	DeploymentFinished   DeploymentStatus = "finished"
	DeploymentFailed     DeploymentStatus = "failed"
	DeploymentCancelled  DeploymentStatus = "cancelled"
)

func (s DeploymentStatus) IsActive() bool {
	return s == DeploymentQueued || s == DeploymentInProgress
}

// Deployment is one admitted request to deploy an application at a commit.
// An in_progress row is the application's deployment slot.
type Deployment struct {
	ID             int64
	ApplicationID  int64
	DeploymentUUID string
	Commit         string
	Branch         string
	ServerID       int64
	DestinationID  int64
	Status         DeploymentStatus
	ForceRebuild   bool
	IsWebhook      bool
	PullRequestID  int
	GitType        string
	ChangedFiles   []string
	Message        string
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
}

type AdmissionStatus string

const (
	AdmissionQueued    AdmissionStatus = "queued"
	AdmissionSkipped   AdmissionStatus = "skipped"
	AdmissionQueueFull AdmissionStatus = "queue_full"
)

// AdmissionResult is the outcome of asking for a deployment slot. Skipped
// and queue_full are normal outcomes, not errors.
type AdmissionResult struct {
	Status         AdmissionStatus `json:"status"`
	DeploymentUUID string          `json:"deployment_uuid,omitempty"`
	Message        string          `json:"message"`
}
