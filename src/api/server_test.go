package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaifyworker/src/catalog"
	"kaifyworker/src/deploy"
	"kaifyworker/src/events"
	"kaifyworker/src/logging"
	"kaifyworker/src/model"
	"kaifyworker/src/store"
	"kaifyworker/src/store/storetest"
	"kaifyworker/src/taskqueue"
)

const testCatalog = `
servers:
  - id: 1
    uuid: srv-1
    ip: 10.0.0.5
applications:
  - id: 42
    uuid: app-42
    name: shop
    server_id: 1
    git_branch: main
    previews_enabled: true
    deploy_commands: ["./deploy.sh"]
`

type fakePreparer struct {
	activities *store.ActivityStore
	got        []taskqueue.TaskArgs
}

func (f *fakePreparer) Prepare(ctx context.Context, args taskqueue.TaskArgs) (*model.Activity, error) {
	if len(args.Commands) == 0 {
		return nil, model.ErrEmptyCommands
	}
	f.got = append(f.got, args)
	a := &model.Activity{Event: model.ActivityInline, Properties: model.ActivityProperties{ServerUUID: args.Server.UUID, Commands: args.Commands}}
	return a, f.activities.Create(ctx, a)
}

type fixture struct {
	srv   *httptest.Server
	api   *APIServer
	db    *store.DB
	tasks *fakePreparer
}

func newFixture(t *testing.T, appLimit int) *fixture {
	t.Helper()
	db := storetest.Open(t)
	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	deployments := store.NewDeploymentStore(db)
	activities := store.NewActivityStore(db)
	queue := deploy.NewQueue(deployments, func(int64, int64) deploy.Limits {
		return deploy.Limits{Application: appLimit, Server: 50}
	})

	registry := events.NewRegistry()
	registry.Register(model.EventRestoreFinished, func(context.Context, map[string]any) error { return nil })

	f := &fixture{db: db, tasks: &fakePreparer{activities: activities}}
	f.api = NewServer(Deps{
		DB:          db,
		Stats:       logging.NewWorkerStats("worker-test"),
		Activities:  activities,
		Deployments: deployments,
		Dispatcher:  deploy.NewDispatcher(queue, cat, nil),
		Catalog:     cat,
		Tasks:       f.tasks,
		Events:      events.NewBus(registry),
		RetryAfter:  60 * time.Second,
	})
	f.srv = httptest.NewServer(f.api.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 5)
	resp, body := f.get(t, "/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "worker-test", body["id"])
}

func TestDeploy_QueuedThenSkipped(t *testing.T) {
	f := newFixture(t, 5)

	resp, body := f.post(t, "/deploy", `{"application_id": 42, "commit": "abc123"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	uuid, _ := body["deployment_uuid"].(string)
	require.NotEmpty(t, uuid)

	resp, body = f.post(t, "/deploy", `{"application_id": 42, "commit": "abc123"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "skipped", body["status"])
	assert.Equal(t, uuid, body["deployment_uuid"])

	resp, body = f.get(t, "/deployments/"+uuid)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "main", body["branch"])
	assert.Equal(t, "queued", body["status"])
}

func TestDeploy_QueueFullAsksToRetry(t *testing.T) {
	f := newFixture(t, 1)

	resp, _ := f.post(t, "/deploy", `{"application_id": 42, "commit": "c1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.post(t, "/deploy", `{"application_id": 42, "commit": "c2"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.Equal(t, "queue_full", body["status"])
}

func TestDeploy_BadRequests(t *testing.T) {
	f := newFixture(t, 5)

	resp, _ := f.post(t, "/deploy", `{"application_id": 7}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.post(t, "/deploy", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeploy_ClosedPullRequest(t *testing.T) {
	f := newFixture(t, 5)
	_, body := f.post(t, "/deploy", `{"application_id": 42, "commit": "abc123", "pull_request_id": 7}`)
	require.Equal(t, "queued", body["status"])
	preview := body["deployment_uuid"].(string)
	_, body = f.post(t, "/deploy", `{"application_id": 42, "commit": "abc123"}`)
	main := body["deployment_uuid"].(string)

	resp, body := f.post(t, "/deploy", `{"application_id": 42, "action": "closed", "pull_request_id": 7}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "closed", body["status"])
	assert.Equal(t, []any{preview}, body["cancelled"])

	_, body = f.get(t, "/deployments/"+preview)
	assert.Equal(t, "cancelled", body["status"])
	_, body = f.get(t, "/deployments/"+main)
	assert.Equal(t, "queued", body["status"])

	resp, _ = f.post(t, "/deploy", `{"application_id": 42, "action": "closed"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelDeployment(t *testing.T) {
	f := newFixture(t, 5)
	_, body := f.post(t, "/deploy", `{"application_id": 42, "commit": "abc123"}`)
	uuid := body["deployment_uuid"].(string)

	resp, body := f.post(t, "/deployments/"+uuid+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	resp, _ = f.post(t, "/deployments/"+uuid+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.get(t, "/deployments/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTasksAndActivities(t *testing.T) {
	f := newFixture(t, 5)

	resp, body := f.post(t, "/tasks", `{"server_uuid": "srv-1", "commands": ["uptime"], "ignore_errors": true}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	require.Len(t, f.tasks.got, 1)
	assert.True(t, f.tasks.got[0].IgnoreErrors)
	assert.Equal(t, "srv-1", f.tasks.got[0].Server.UUID)

	id := int64(body["id"].(float64))
	resp, body = f.get(t, "/activities/"+strconv.FormatInt(id, 10))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "inline", body["event"])

	resp, _ = f.get(t, "/activities/999")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.get(t, "/activities/abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.post(t, "/tasks", `{"server_uuid": "nope", "commands": ["uptime"]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.post(t, "/tasks", `{"server_uuid": "srv-1", "commands": []}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTasks_UnknownCompletionEvent(t *testing.T) {
	f := newFixture(t, 5)

	resp, body := f.post(t, "/tasks", `{"server_uuid": "srv-1", "commands": ["uptime"], "call_event_on_finish": "NoSuchEvent"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "NoSuchEvent")
	assert.Empty(t, f.tasks.got)

	resp, _ = f.post(t, "/tasks", `{"server_uuid": "srv-1", "commands": ["uptime"], "call_event_on_finish": "`+string(model.EventRestoreFinished)+`"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestTasksWithoutQueue(t *testing.T) {
	f := newFixture(t, 5)
	f.api.Tasks = nil

	resp, _ := f.post(t, "/tasks", `{"server_uuid": "srv-1", "commands": ["uptime"]}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGlobalStatus(t *testing.T) {
	f := newFixture(t, 5)
	f.post(t, "/deploy", `{"application_id": 42, "commit": "abc123"}`)

	resp, body := f.get(t, "/global-status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["total_deployments"])
	assert.Equal(t, float64(1), body["queued_deployments"])
}
