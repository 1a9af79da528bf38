package deploy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaifyworker/src/model"
	"kaifyworker/src/store"
	"kaifyworker/src/store/storetest"
)

type serverMap map[int64]model.Server

func (m serverMap) ServerByID(id int64) (model.Server, bool) {
	s, ok := m[id]
	return s, ok
}

func newDispatcher(t *testing.T, servers serverMap) (*Dispatcher, *store.DeploymentStore) {
	t.Helper()
	ds := store.NewDeploymentStore(storetest.Open(t))
	q := NewQueue(ds, func(int64, int64) Limits { return Limits{Application: 5, Server: 50} })
	return NewDispatcher(q, servers, nil), ds
}

func shopApp() model.Application {
	return model.Application{ID: 42, Name: "shop", ServerID: 1, GitBranch: "main", PreviewsEnabled: true}
}

func TestDispatcher_SkipReasons(t *testing.T) {
	off := false
	tests := []struct {
		name    string
		servers serverMap
		app     func(*model.Application)
		req     DispatchRequest
		want    string
	}{
		{
			name: "deployments disabled",
			app:  func(a *model.Application) { a.DeploymentsDisabled = true },
			want: "Deployments disabled.",
		},
		{
			name:    "server not functional",
			servers: serverMap{1: {ID: 1, UUID: "srv-1", Functional: &off}},
			want:    "Server is not functional.",
		},
		{
			name:    "unknown server",
			servers: serverMap{},
			want:    "Server is not functional.",
		},
		{
			name: "previews disabled",
			app:  func(a *model.Application) { a.PreviewsEnabled = false },
			req:  DispatchRequest{PullRequestID: 7, AuthorAssociation: "OWNER"},
			want: "Preview deployments disabled.",
		},
		{
			name: "untrusted author",
			req:  DispatchRequest{PullRequestID: 7, AuthorAssociation: "NONE"},
			want: "Pull request author is not trusted for preview deployments.",
		},
		{
			name: "watch paths",
			app:  func(a *model.Application) { a.WatchPaths = []string{"src/**"} },
			req:  DispatchRequest{ChangedFiles: []string{"docs/readme.md"}},
			want: "Changed files do not match watch paths.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			servers := tt.servers
			if servers == nil {
				servers = serverMap{1: {ID: 1, UUID: "srv-1"}}
			}
			d, ds := newDispatcher(t, servers)
			app := shopApp()
			if tt.app != nil {
				tt.app(&app)
			}
			req := tt.req
			req.Commit = "abc123"

			res, err := d.Dispatch(context.Background(), app, req)
			require.NoError(t, err)
			assert.Equal(t, model.AdmissionSkipped, res.Status)
			assert.Equal(t, tt.want, res.Message)

			rows, err := ds.ListByApplication(context.Background(), app.ID)
			require.NoError(t, err)
			assert.Empty(t, rows)
		})
	}
}

func TestDispatcher_QueuesWithApplicationDefaults(t *testing.T) {
	ctx := context.Background()
	d, ds := newDispatcher(t, serverMap{1: {ID: 1, UUID: "srv-1"}})
	app := shopApp()
	app.DestinationID = 3
	app.WatchPaths = []string{"src/**"}

	// unknown changed files are not filtered
	res, err := d.Dispatch(ctx, app, DispatchRequest{Commit: "abc123"})
	require.NoError(t, err)
	require.Equal(t, model.AdmissionQueued, res.Status)

	got, err := ds.Get(ctx, res.DeploymentUUID)
	require.NoError(t, err)
	assert.Equal(t, "main", got.Branch)
	assert.Equal(t, int64(1), got.ServerID)
	assert.Equal(t, int64(3), got.DestinationID)
}

func TestDispatcher_PublicPreviewsAcceptAnyAuthor(t *testing.T) {
	d, _ := newDispatcher(t, serverMap{1: {ID: 1, UUID: "srv-1"}})
	app := shopApp()
	app.PublicPRDeployments = true

	res, err := d.Dispatch(context.Background(), app, DispatchRequest{Commit: "abc123", PullRequestID: 7, AuthorAssociation: "NONE"})
	require.NoError(t, err)
	assert.Equal(t, model.AdmissionQueued, res.Status)
}

func TestDispatcher_QueueApplicationDeployment(t *testing.T) {
	ctx := context.Background()
	d, ds := newDispatcher(t, serverMap{1: {ID: 1, UUID: "srv-1"}})

	res, err := d.QueueApplicationDeployment(ctx, shopApp(), "dep-1", "", false, true, 0)
	require.NoError(t, err)
	require.Equal(t, model.AdmissionQueued, res.Status)
	assert.Equal(t, "dep-1", res.DeploymentUUID)

	got, err := ds.Get(ctx, "dep-1")
	require.NoError(t, err)
	assert.Equal(t, "HEAD", got.Commit)
	assert.True(t, got.IsWebhook)

	res, err = d.QueueApplicationDeployment(ctx, shopApp(), "", "", false, true, 0)
	require.NoError(t, err)
	assert.Equal(t, model.AdmissionSkipped, res.Status)
}

func TestDispatcher_ClosePullRequest(t *testing.T) {
	ctx := context.Background()
	ds := store.NewDeploymentStore(storetest.Open(t))
	q := NewQueue(ds, func(int64, int64) Limits { return Limits{Application: 10, Server: 50} })
	emitted := &eventLog{}
	d := NewDispatcher(q, serverMap{1: {ID: 1, UUID: "srv-1"}}, emitted)
	app := shopApp()

	queue := func(commit string, pr int) string {
		res, err := d.Dispatch(ctx, app, DispatchRequest{Commit: commit, PullRequestID: pr, AuthorAssociation: "OWNER"})
		require.NoError(t, err)
		require.Equal(t, model.AdmissionQueued, res.Status)
		return res.DeploymentUUID
	}
	running := queue("c1", 7)
	claimed, err := ds.ClaimNext(ctx, 1, 0)
	require.NoError(t, err)
	require.Equal(t, running, claimed.DeploymentUUID)
	waiting := queue("c2", 7)
	other := queue("c1", 8)
	main := queue("c3", 0)

	// closing works even after previews were switched off
	app.PreviewsEnabled = false
	cancelled, err := d.ClosePullRequest(ctx, app, 7)
	require.NoError(t, err)
	assert.Equal(t, []string{waiting}, cancelled)

	for uuid, want := range map[string]model.DeploymentStatus{
		running: model.DeploymentInProgress,
		waiting: model.DeploymentCancelled,
		other:   model.DeploymentQueued,
		main:    model.DeploymentQueued,
	} {
		got, err := ds.Get(ctx, uuid)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, uuid)
	}

	require.Len(t, emitted.events, 1)
	assert.Equal(t, model.EventPRCommentUpdate, emitted.events[0].kind)
	assert.Equal(t, "closed", emitted.events[0].payload["status"])
	assert.Equal(t, 7, emitted.events[0].payload["pull_request_id"])
	assert.Equal(t, int64(42), emitted.events[0].payload["application_id"])

	// nothing left to cancel
	cancelled, err = d.ClosePullRequest(ctx, app, 7)
	require.NoError(t, err)
	assert.Empty(t, cancelled)
}
