package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaifyworker/src/model"
)

type fakeCatalog struct {
	servers map[int64]model.Server
	apps    map[int64]model.Application
}

func (c fakeCatalog) ServerByID(id int64) (model.Server, bool) {
	s, ok := c.servers[id]
	return s, ok
}

func (c fakeCatalog) ApplicationByID(id int64) (model.Application, bool) {
	a, ok := c.apps[id]
	return a, ok
}

type recordingRunner struct {
	mu       sync.Mutex
	commands []string
	servers  []string
}

func (r *recordingRunner) Run(_ context.Context, server model.Server, command string, _, _ io.Writer) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	r.servers = append(r.servers, server.UUID)
	return 0, nil
}

var testCatalog = fakeCatalog{
	servers: map[int64]model.Server{7: {ID: 7, UUID: "srv-7", Name: "db-host"}},
	apps: map[int64]model.Application{
		3: {ID: 3, UUID: "app-3", Name: "shop", GitRepository: "acme/shop"},
	},
}

func TestBus_Dispatch(t *testing.T) {
	reg := NewRegistry()
	var got map[string]any
	reg.Register(model.EventChatNotify, func(_ context.Context, p map[string]any) error {
		got = p
		return nil
	})
	reg.Register(model.EventActivityRefresh, func(context.Context, map[string]any) error {
		return errors.New("listener gone")
	})
	reg.Register(model.EventPRCommentUpdate, func(context.Context, map[string]any) error {
		panic("boom")
	})
	bus := NewBus(reg)
	ctx := context.Background()

	require.NoError(t, bus.Dispatch(ctx, model.EventChatNotify, map[string]any{"status": "finished"}))
	assert.Equal(t, "finished", got["status"])
	require.NoError(t, bus.Dispatch(ctx, model.EventNone, nil))

	var dErr *DispatchError
	err := bus.Dispatch(ctx, model.EventActivityRefresh, nil)
	require.ErrorAs(t, err, &dErr)
	assert.Equal(t, model.EventActivityRefresh, dErr.Kind)
	assert.EqualError(t, dErr.Err, "listener gone")

	err = bus.Dispatch(ctx, model.EventPRCommentUpdate, nil)
	require.ErrorAs(t, err, &dErr)
	assert.Contains(t, err.Error(), "panicked")

	err = bus.Dispatch(ctx, model.EventRestoreFinished, nil)
	require.ErrorIs(t, err, ErrUnknownEvent)

	assert.False(t, bus.Handles(model.EventRestoreFinished))
	assert.True(t, bus.Handles(model.EventChatNotify))
	assert.True(t, bus.Handles(model.EventNone))
}

func TestRestoreCleanup(t *testing.T) {
	runner := &recordingRunner{}
	h := RestoreCleanup(runner, testCatalog)

	err := h(context.Background(), map[string]any{
		"scriptPath": "/tmp/restore_abc.sh",
		"tmpPath":    "/tmp/restore_abc.dump",
		"container":  "postgres-abc",
		"serverId":   float64(7),
		"status":     "error",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"rm -f '/tmp/restore_abc.dump' 2>/dev/null || true",
		"rm -f '/tmp/restore_abc.sh' 2>/dev/null || true",
		"docker exec 'postgres-abc' rm -f '/tmp/restore_abc.dump' '/tmp/restore_abc.sh' 2>/dev/null || true",
	}, runner.commands)
	assert.Equal(t, []string{"srv-7", "srv-7", "srv-7"}, runner.servers)
}

func TestS3RestoreCleanup(t *testing.T) {
	runner := &recordingRunner{}
	h := S3RestoreCleanup(runner, testCatalog)

	err := h(context.Background(), map[string]any{
		"containerName":    "s3-restore-abc",
		"serverTmpPath":    "/tmp/s3-restore-abc",
		"scriptPath":       "/tmp/restore_abc.sh",
		"containerTmpPath": "/tmp/restore_abc.dump",
		"container":        "postgres-abc",
		"serverId":         7,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"docker rm -f 's3-restore-abc' 2>/dev/null || true",
		"rm -f '/tmp/s3-restore-abc' 2>/dev/null || true",
		"docker exec 'postgres-abc' rm -f '/tmp/restore_abc.dump' '/tmp/restore_abc.sh' 2>/dev/null || true",
	}, runner.commands)
}

func TestRestoreCleanup_UnknownServer(t *testing.T) {
	h := RestoreCleanup(&recordingRunner{}, testCatalog)
	err := h(context.Background(), map[string]any{"tmpPath": "/tmp/x", "serverId": 99})
	assert.EqualError(t, err, "server 99 not found")

	err = h(context.Background(), map[string]any{"tmpPath": "/tmp/x"})
	assert.Error(t, err)
}

func TestCommentBody(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := map[string]string{
		"queued":      "The preview deployment for **shop** is queued. ⏳",
		"in_progress": "The preview deployment for **shop** is in progress. 🟡",
		"finished":    "The preview deployment for **shop** is ready. 🟢",
		"error":       "The preview deployment for **shop** failed. 🔴",
		"killed":      "The preview deployment for **shop** was killed. ⚫",
		"cancelled":   "The preview deployment for **shop** was cancelled. 🚫",
	}
	for status, want := range cases {
		t.Run(status, func(t *testing.T) {
			body := CommentBody("shop", status, "https://kaify.test/logs", "", now)
			assert.Contains(t, body, want)
			assert.Contains(t, body, "[Open Build Logs](https://kaify.test/logs)")
			assert.Contains(t, body, "Last updated at: 2026-01-02 03:04:05 UTC")
		})
	}
	assert.Contains(t, CommentBody("shop", "finished", "", "https://pr-1.shop.test", now), "[Open Preview](https://pr-1.shop.test)")
}

type fakePoster struct {
	upserts []string
	deleted int
}

func (p *fakePoster) UpsertComment(_ context.Context, repo string, pr int, body string) error {
	p.upserts = append(p.upserts, fmt.Sprintf("%s#%d:%s", repo, pr, body))
	return nil
}

func (p *fakePoster) DeleteComment(context.Context, string, int) error {
	p.deleted++
	return nil
}

func TestPRCommentUpdate(t *testing.T) {
	poster := &fakePoster{}
	h := PRCommentUpdate(poster, testCatalog)
	ctx := context.Background()

	require.NoError(t, h(ctx, map[string]any{"application_id": 3, "pull_request_id": 12, "status": "error"}))
	require.Len(t, poster.upserts, 1)
	assert.Contains(t, poster.upserts[0], "acme/shop#12:The preview deployment for **shop** failed.")

	require.NoError(t, h(ctx, map[string]any{"application_id": 3, "pull_request_id": 12, "status": StatusClosed}))
	assert.Equal(t, 1, poster.deleted)

	assert.Error(t, h(ctx, map[string]any{"application_id": 4, "pull_request_id": 12}))
	assert.Error(t, h(ctx, map[string]any{"application_id": 3}))
}

func TestGitHubPoster_CreatesThenUpdates(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		assert.Equal(t, "Bearer tkn", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body["body"])
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id": 555}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewGitHubPoster("tkn")
	g.BaseURL = srv.URL
	ctx := context.Background()

	require.NoError(t, g.UpsertComment(ctx, "acme/shop", 12, "first"))
	require.NoError(t, g.UpsertComment(ctx, "acme/shop", 12, "second"))
	assert.Equal(t, []string{
		"POST /repos/acme/shop/issues/12/comments",
		"PATCH /repos/acme/shop/issues/comments/555",
	}, calls)
}

func TestChatNotify_Mattermost(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := ChatNotify(NewChatNotifier(), testCatalog)
	err := h(context.Background(), map[string]any{"webhook_url": srv.URL, "application_id": 3, "status": "error"})
	require.NoError(t, err)

	assert.Equal(t, "Kaify", payload["username"])
	attachments := payload["attachments"].([]any)
	require.Len(t, attachments, 1)
	first := attachments[0].(map[string]any)
	assert.Equal(t, "shop failed", first["title"])
	assert.Equal(t, colorError, first["color"])
}

func TestChatNotify_NoWebhook(t *testing.T) {
	h := ChatNotify(NewChatNotifier(), testCatalog)
	assert.Error(t, h(context.Background(), map[string]any{"application_id": 3}))
}

func TestIsSlackWebhook(t *testing.T) {
	assert.True(t, IsSlackWebhook("https://hooks.slack.com/services/T/B/X"))
	assert.False(t, IsSlackWebhook("http://hooks.slack.com/services/T/B/X"))
	assert.False(t, IsSlackWebhook("https://chat.example.com/hooks/abc"))
	assert.False(t, IsSlackWebhook("::not a url"))

	p := slackPayload(ChatMessage{Title: "t", Description: "d", Color: colorInfo})
	assert.Equal(t, "t", p["text"])
}

type recordingNotifier struct {
	channel, payload string
}

func (n *recordingNotifier) Notify(_ context.Context, channel, payload string) error {
	n.channel, n.payload = channel, payload
	return nil
}

func TestActivityRefresh(t *testing.T) {
	n := &recordingNotifier{}
	require.NoError(t, ActivityRefresh(n, "activity_events")(context.Background(), map[string]any{"activity_id": 9, "status": "finished"}))
	assert.Equal(t, "activity_events", n.channel)
	assert.JSONEq(t, `{"activity_id": 9, "status": "finished"}`, n.payload)
}

func TestNewDefaultRegistry(t *testing.T) {
	reg := NewDefaultRegistry(Deps{Runner: &recordingRunner{}, Servers: testCatalog})
	assert.ElementsMatch(t, []model.EventKind{model.EventRestoreFinished, model.EventS3RestoreFinish}, reg.Kinds())
}

func TestInt(t *testing.T) {
	for _, v := range []any{7, int64(7), float64(7), "7"} {
		n, ok := Int(map[string]any{"k": v}, "k")
		assert.True(t, ok)
		assert.Equal(t, int64(7), n)
	}
	_, ok := Int(map[string]any{}, "k")
	assert.False(t, ok)
}
