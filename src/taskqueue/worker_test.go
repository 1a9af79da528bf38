package taskqueue

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaifyworker/src/catalog"
	"kaifyworker/src/logging"
	"kaifyworker/src/model"
	"kaifyworker/src/remote"
	"kaifyworker/src/store"
	"kaifyworker/src/store/storetest"
)

const testCatalog = `
servers:
  - id: 1
    uuid: srv-1
    name: builder
    ip: 10.0.0.5
`

type fakeExecutor struct {
	calls atomic.Int32
	fn    func(n int32, spec model.TaskSpec) error
}

func (e *fakeExecutor) Execute(_ context.Context, spec model.TaskSpec) (remote.Result, error) {
	n := e.calls.Add(1)
	return remote.Result{}, e.fn(n, spec)
}

type recordingEmitter struct {
	mu       sync.Mutex
	payloads []map[string]any
	kinds    []model.EventKind
	err      error
}

func (e *recordingEmitter) Dispatch(_ context.Context, kind model.EventKind, payload map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, kind)
	e.payloads = append(e.payloads, payload)
	return e.err
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.kinds)
}

type fixture struct {
	activities *store.ActivityStore
	catalog    *catalog.Catalog
	events     *recordingEmitter
	stats      *logging.WorkerStats
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	return &fixture{
		activities: store.NewActivityStore(storetest.Open(t)),
		catalog:    cat,
		events:     &recordingEmitter{},
		stats:      logging.NewWorkerStats("test"),
	}
}

func (f *fixture) activity(t *testing.T, event model.EventKind) *model.Activity {
	t.Helper()
	a := &model.Activity{
		Event: model.ActivityInline,
		Properties: model.ActivityProperties{
			ServerUUID:        "srv-1",
			Commands:          []string{"docker rm -f restore"},
			CallEventOnFinish: event,
			CallEventData:     map[string]any{"serverId": 1, "container": "pg"},
		},
	}
	require.NoError(t, f.activities.Create(context.Background(), a))
	return a
}

func (f *fixture) worker(exec TaskExecutor) *Worker {
	return NewWorker(f.activities, f.catalog, exec, f.events, DefaultPolicy, f.stats)
}

// deliver plays asynq's part: redeliver after retryable failures until the
// handler succeeds, asks to stop, or the retry limit is reached.
func deliver(w *Worker, p Payload) (attempts int, delays []time.Duration, last error) {
	maxRetry := DefaultPolicy.maxRetry()
	for retried := 0; ; retried++ {
		attempts++
		last = w.handle(context.Background(), p, Attempt{Retried: retried, MaxRetry: maxRetry})
		if last == nil || errors.Is(last, asynq.SkipRetry) || retried >= maxRetry {
			return attempts, delays, last
		}
		delays = append(delays, DefaultPolicy.RetryDelay(retried, last, nil))
	}
}

func TestWorker_ConnectionErrorExhaustsAttempts(t *testing.T) {
	f := newFixture(t)
	a := f.activity(t, model.EventS3RestoreFinish)
	exec := &fakeExecutor{fn: func(int32, model.TaskSpec) error {
		return &remote.ConnectionError{Server: "builder", Err: errors.New("connection refused")}
	}}

	attempts, delays, err := deliver(f.worker(exec), Payload{ActivityID: a.ID})

	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{30 * time.Second, 90 * time.Second}, delays)
	require.ErrorIs(t, err, asynq.SkipRetry)

	got, err := f.activities.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessError, got.Status)
	assert.Contains(t, got.Properties.Error, "connection refused")
	assert.NotNil(t, got.Properties.FailedAt)
	assert.Nil(t, got.Properties.FinishedAt)
	assert.Contains(t, got.Output, "Attempt 1 failed")
	assert.Contains(t, got.Output, "Attempt 2 failed")

	require.Equal(t, 1, f.events.count(), "cleanup runs exactly once")
	assert.Equal(t, model.EventS3RestoreFinish, f.events.kinds[0])
	assert.Equal(t, "error", f.events.payloads[0]["status"])
	assert.Equal(t, "pg", f.events.payloads[0]["container"])

	stats := f.stats.GetStats()
	assert.Equal(t, uint64(3), stats.TasksProcessed)
	assert.Equal(t, uint64(1), stats.TasksFailed)
}

func TestWorker_UnexpectedErrorIsTerminalAtOnce(t *testing.T) {
	f := newFixture(t)
	a := f.activity(t, model.EventRestoreFinished)
	exec := &fakeExecutor{fn: func(int32, model.TaskSpec) error { return errors.New("nil map write") }}

	attempts, _, err := deliver(f.worker(exec), Payload{ActivityID: a.ID})
	assert.Equal(t, 1, attempts)
	require.ErrorIs(t, err, asynq.SkipRetry)

	got, err := f.activities.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessError, got.Status)
	assert.Equal(t, 1, got.Properties.Exceptions)
	assert.Equal(t, 1, f.events.count())
}

func TestWorker_RecoversOnRetry(t *testing.T) {
	f := newFixture(t)
	a := f.activity(t, model.EventNone)
	runner := &flakyRunner{failures: 1}
	exec := remote.NewExecutor(runner, f.activities, f.events)

	attempts, delays, err := deliver(f.worker(exec), Payload{ActivityID: a.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{30 * time.Second}, delays)

	got, err := f.activities.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessFinished, got.Status)
	assert.Empty(t, got.Properties.Error)
	assert.Zero(t, f.events.count())
}

func TestWorker_CleanupDispatchFailureIsSwallowed(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("handler blew up")
	a := f.activity(t, model.EventRestoreFinished)
	exec := &fakeExecutor{fn: func(int32, model.TaskSpec) error {
		return &remote.CommandError{Command: "false", ExitCode: 1}
	}}

	_, _, err := deliver(f.worker(exec), Payload{ActivityID: a.ID})
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.NotContains(t, err.Error(), "handler blew up")

	got, err := f.activities.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessError, got.Status)
}

func TestWorker_InterruptedAttemptKeepsRetries(t *testing.T) {
	f := newFixture(t)
	a := f.activity(t, model.EventRestoreFinished)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := &fakeExecutor{fn: func(int32, model.TaskSpec) error {
		cancel()
		return context.Canceled
	}}

	err := f.worker(exec).handle(ctx, Payload{ActivityID: a.ID}, Attempt{Retried: 0, MaxRetry: 2})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, asynq.SkipRetry)

	got, err := f.activities.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.False(t, got.Status.IsTerminal())
	assert.Zero(t, got.Properties.Exceptions)
	assert.Contains(t, got.Output, "Attempt 1 interrupted")
	assert.Zero(t, f.events.count())

	// the redelivery still runs the task
	exec.fn = func(int32, model.TaskSpec) error { return nil }
	require.NoError(t, f.worker(exec).handle(context.Background(), Payload{ActivityID: a.ID}, Attempt{Retried: 1, MaxRetry: 2}))
	assert.Equal(t, int32(2), exec.calls.Load())
}

func TestWorker_StrictFailureEndsInError(t *testing.T) {
	f := newFixture(t)
	a := &model.Activity{
		Event: model.ActivityInline,
		Properties: model.ActivityProperties{
			ServerUUID: "srv-1",
			Commands:   []string{"true", "false", "echo unreachable"},
		},
	}
	require.NoError(t, f.activities.Create(context.Background(), a))
	runner := &scriptRunner{}
	exec := remote.NewExecutor(runner, f.activities, f.events)

	attempts, _, err := deliver(f.worker(exec), Payload{ActivityID: a.ID})
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, 3, attempts)
	assert.NotContains(t, runner.commands(), "echo unreachable")

	got, err := f.activities.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessError, got.Status)
	assert.Contains(t, got.Properties.Error, "exited with code 1")
	assert.NotContains(t, got.Output, "unreachable")
}

func TestWorker_TerminalActivityIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	a := f.activity(t, model.EventRestoreFinished)
	require.NoError(t, f.activities.MarkStarted(context.Background(), a.ID))
	require.NoError(t, f.activities.MarkFinished(context.Background(), a.ID, 0))
	exec := &fakeExecutor{fn: func(int32, model.TaskSpec) error { return nil }}

	err := f.worker(exec).handle(context.Background(), Payload{ActivityID: a.ID}, Attempt{})
	require.NoError(t, err)
	assert.Zero(t, exec.calls.Load())
	assert.Zero(t, f.events.count())
}

func TestWorker_MissingActivityIsDropped(t *testing.T) {
	f := newFixture(t)
	exec := &fakeExecutor{fn: func(int32, model.TaskSpec) error { return nil }}
	err := f.worker(exec).handle(context.Background(), Payload{ActivityID: 4242}, Attempt{})
	require.ErrorIs(t, err, asynq.SkipRetry)
	assert.Zero(t, exec.calls.Load())
}

func TestWorker_UnknownServerFailsTask(t *testing.T) {
	f := newFixture(t)
	a := &model.Activity{Event: model.ActivityInline, Properties: model.ActivityProperties{ServerUUID: "gone", Commands: []string{"true"}}}
	require.NoError(t, f.activities.Create(context.Background(), a))
	exec := &fakeExecutor{fn: func(int32, model.TaskSpec) error { return nil }}

	err := f.worker(exec).handle(context.Background(), Payload{ActivityID: a.ID}, Attempt{MaxRetry: 2})
	require.ErrorIs(t, err, asynq.SkipRetry)

	got, err := f.activities.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessError, got.Status)
	assert.Contains(t, got.Properties.Error, "not in the catalog")
}

func TestWorker_ProcessTaskRejectsBadPayload(t *testing.T) {
	f := newFixture(t)
	err := f.worker(&fakeExecutor{}).ProcessTask(context.Background(), asynq.NewTask(TypeRemoteTask, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy
	assert.Equal(t, 30*time.Second, p.Delay(0))
	assert.Equal(t, 90*time.Second, p.Delay(1))
	assert.Equal(t, 180*time.Second, p.Delay(2))
	assert.Equal(t, 180*time.Second, p.Delay(7))
	assert.Equal(t, 2, p.maxRetry())
	assert.True(t, Attempt{Retried: 2, MaxRetry: 2}.Last())
	assert.Equal(t, time.Duration(0), Policy{}.Delay(3))
}

// flakyRunner fails with a connection error for the first calls.
type flakyRunner struct {
	mu       sync.Mutex
	failures int
}

func (r *flakyRunner) Run(_ context.Context, server model.Server, _ string, stdout, _ io.Writer) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return -1, &remote.ConnectionError{Server: server.String(), Err: errors.New("no route to host")}
	}
	_, _ = io.WriteString(stdout, "ok\n")
	return 0, nil
}

// scriptRunner understands "true", "false" and "echo ...".
type scriptRunner struct {
	mu  sync.Mutex
	ran []string
}

func (r *scriptRunner) Run(_ context.Context, _ model.Server, command string, stdout, _ io.Writer) (int, error) {
	r.mu.Lock()
	r.ran = append(r.ran, command)
	r.mu.Unlock()
	switch {
	case command == "true":
		return 0, nil
	case command == "false":
		return 1, nil
	case strings.HasPrefix(command, "echo "):
		_, _ = io.WriteString(stdout, strings.TrimPrefix(command, "echo ")+"\n")
		return 0, nil
	}
	return 127, nil
}

func (r *scriptRunner) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}
