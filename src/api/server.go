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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"kaifyworker/src/deploy"
	"kaifyworker/src/logging"
	"kaifyworker/src/model"
	"kaifyworker/src/store"
	"kaifyworker/src/taskqueue"
)

type Catalog interface {
	ApplicationByID(id int64) (model.Application, bool)
	ServerByUUID(uuid string) (model.Server, bool)
}

// EventKinds tells which completion events this process can deliver.
type EventKinds interface {
	Handles(kind model.EventKind) bool
}

type TaskPreparer interface {
	Prepare(ctx context.Context, args taskqueue.TaskArgs) (*model.Activity, error)
}

type Deps struct {
	DB          *store.DB
	Stats       *logging.WorkerStats
	Activities  *store.ActivityStore
	Deployments *store.DeploymentStore
	Dispatcher  *deploy.Dispatcher
	Catalog     Catalog
	// Tasks is nil on processes that cannot reach the queue; POST /tasks
	// then answers 503.
	Tasks TaskPreparer
	// Events validates call_event_on_finish; nil accepts any kind.
	Events     EventKinds
	RetryAfter time.Duration
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	Deps
}

func NewServer(d Deps) *APIServer {
	if d.RetryAfter <= 0 {
		d.RetryAfter = 60 * time.Second
	}
	return &APIServer{Deps: d}
}

// Handler returns the routed mux wrapped in OTel middleware.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /global-status", s.globalStatusHandler)
	mux.HandleFunc("POST /deploy", s.deployHandler)
	mux.HandleFunc("GET /deployments/{uuid}", s.deploymentHandler)
	mux.HandleFunc("POST /deployments/{uuid}/cancel", s.cancelDeploymentHandler)
	mux.HandleFunc("GET /activities/{id}", s.activityHandler)
	mux.HandleFunc("POST /tasks", s.taskHandler)
	return otelhttp.NewHandler(mux, "kaify-api-server")
}

// ListenAndServe serves until ctx is cancelled and then shuts down
// gracefully.
func (s *APIServer) ListenAndServe(ctx context.Context, port string) error {
	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Log(fmt.Sprintf("API Server starting on :%s", port), slog.LevelInfo)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		logging.Log("Shutdown signal received, closing API server", slog.LevelInfo)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logging.Log("API server exited cleanly", slog.LevelInfo)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Stats.GetStats())
}

func (s *APIServer) globalStatusHandler(w http.ResponseWriter, r *http.Request) {
	gs, err := s.DB.GlobalStats(r.Context())
	if err != nil {
		logging.Log("Failed to query system stats: "+err.Error(), slog.LevelError)
		writeError(w, http.StatusInternalServerError, "Failed to query system stats")
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

type deployRequest struct {
	ApplicationID     int64    `json:"application_id"`
	DeploymentUUID    string   `json:"deployment_uuid"`
	Commit            string   `json:"commit"`
	Branch            string   `json:"branch"`
	ForceRebuild      bool     `json:"force_rebuild"`
	IsWebhook         bool     `json:"is_webhook"`
	PullRequestID     int      `json:"pull_request_id"`
	GitType           string   `json:"git_type"`
	ChangedFiles      []string `json:"changed_files"`
	AuthorAssociation string   `json:"author_association"`
	// Action "closed" cleans up a closed pull request instead of deploying.
	Action string `json:"action"`
}

func (s *APIServer) deployHandler(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	app, ok := s.Catalog.ApplicationByID(req.ApplicationID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("application %d not found", req.ApplicationID))
		return
	}
	if req.Action == "closed" {
		s.closePullRequest(w, r, app, req.PullRequestID)
		return
	}
	commit := req.Commit
	if commit == "" {
		commit = "HEAD"
	}
	assoc := req.AuthorAssociation
	if assoc == "" && !req.IsWebhook {
		assoc = "OWNER"
	}

	res, err := s.Dispatcher.Dispatch(r.Context(), app, deploy.DispatchRequest{
		DeploymentUUID:    req.DeploymentUUID,
		Commit:            commit,
		Branch:            req.Branch,
		ForceRebuild:      req.ForceRebuild,
		IsWebhook:         req.IsWebhook,
		PullRequestID:     req.PullRequestID,
		GitType:           req.GitType,
		ChangedFiles:      req.ChangedFiles,
		AuthorAssociation: assoc,
	})
	if err != nil {
		logging.Log(fmt.Sprintf("Admission for application %d failed: %v", app.ID, err), slog.LevelError)
		writeError(w, http.StatusInternalServerError, "admission failed")
		return
	}
	if res.Status == model.AdmissionQueueFull {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.RetryAfter.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, res)
		return
	}
	if res.Status == model.AdmissionQueued {
		if err := s.DB.Notify(r.Context(), store.ChannelDeployments, res.DeploymentUUID); err != nil {
			logging.Log("Failed to notify deployment runners: "+err.Error(), slog.LevelWarn)
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *APIServer) closePullRequest(w http.ResponseWriter, r *http.Request, app model.Application, pullRequestID int) {
	if pullRequestID == 0 {
		writeError(w, http.StatusBadRequest, "closed action needs a pull_request_id")
		return
	}
	cancelled, err := s.Dispatcher.ClosePullRequest(r.Context(), app, pullRequestID)
	if err != nil {
		logging.Log(fmt.Sprintf("Closing pull request #%d of application %d failed: %v", pullRequestID, app.ID, err), slog.LevelError)
		writeError(w, http.StatusInternalServerError, "closing pull request failed")
		return
	}
	if cancelled == nil {
		cancelled = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "closed", "cancelled": cancelled})
}

type deploymentResponse struct {
	ID             int64                  `json:"id"`
	ApplicationID  int64                  `json:"application_id"`
	DeploymentUUID string                 `json:"deployment_uuid"`
	Commit         string                 `json:"commit"`
	Branch         string                 `json:"branch"`
	ServerID       int64                  `json:"server_id"`
	Status         model.DeploymentStatus `json:"status"`
	ForceRebuild   bool                   `json:"force_rebuild"`
	PullRequestID  int                    `json:"pull_request_id,omitempty"`
	Message        string                 `json:"message,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	FinishedAt     *time.Time             `json:"finished_at,omitempty"`
}

func (s *APIServer) deploymentHandler(w http.ResponseWriter, r *http.Request) {
	d, err := s.Deployments.Get(r.Context(), r.PathValue("uuid"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "deployment not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deploymentResponse{
		ID:             d.ID,
		ApplicationID:  d.ApplicationID,
		DeploymentUUID: d.DeploymentUUID,
		Commit:         d.Commit,
		Branch:         d.Branch,
		ServerID:       d.ServerID,
		Status:         d.Status,
		ForceRebuild:   d.ForceRebuild,
		PullRequestID:  d.PullRequestID,
		Message:        d.Message,
		CreatedAt:      d.CreatedAt,
		StartedAt:      d.StartedAt,
		FinishedAt:     d.FinishedAt,
	})
}

func (s *APIServer) cancelDeploymentHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("uuid")
	err := s.Deployments.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "only queued deployments can be cancelled")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		if nerr := s.DB.Notify(r.Context(), store.ChannelDeployments, id); nerr != nil {
			logging.Log("Failed to notify deployment runners: "+nerr.Error(), slog.LevelWarn)
		}
		writeJSON(w, http.StatusOK, map[string]string{"deployment_uuid": id, "status": string(model.DeploymentCancelled)})
	}
}

type activityResponse struct {
	ID         int64                    `json:"id"`
	Subject    *model.SubjectRef        `json:"subject,omitempty"`
	Event      string                   `json:"event"`
	Status     model.ProcessStatus      `json:"status"`
	Properties model.ActivityProperties `json:"properties"`
	Output     string                   `json:"output"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

func newActivityResponse(a *model.Activity) activityResponse {
	return activityResponse{
		ID:         a.ID,
		Subject:    a.Subject,
		Event:      a.Event,
		Status:     a.Status,
		Properties: a.Properties,
		Output:     a.Output,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func (s *APIServer) activityHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid activity id")
		return
	}
	a, err := s.Activities.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "activity not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newActivityResponse(a))
}

type taskRequest struct {
	ServerUUID        string          `json:"server_uuid"`
	Commands          []string        `json:"commands"`
	IgnoreErrors      bool            `json:"ignore_errors"`
	CallEventOnFinish model.EventKind `json:"call_event_on_finish"`
	CallEventData     map[string]any  `json:"call_event_data"`
}

func (s *APIServer) taskHandler(w http.ResponseWriter, r *http.Request) {
	if s.Tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "task queue not configured")
		return
	}
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if s.Events != nil && !s.Events.Handles(req.CallEventOnFinish) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown call_event_on_finish %q", req.CallEventOnFinish))
		return
	}
	server, ok := s.Catalog.ServerByUUID(req.ServerUUID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("server %q not found", req.ServerUUID))
		return
	}
	a, err := s.Tasks.Prepare(r.Context(), taskqueue.TaskArgs{
		Server:            server,
		Commands:          req.Commands,
		IgnoreErrors:      req.IgnoreErrors,
		CallEventOnFinish: req.CallEventOnFinish,
		CallEventData:     req.CallEventData,
	})
	if errors.Is(err, model.ErrEmptyCommands) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, newActivityResponse(a))
}
