package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaifyworker/src/model"
	"kaifyworker/src/store"
)

func TestRunBench_DrainsQueue(t *testing.T) {
	var deploys, polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /deploy", func(w http.ResponseWriter, r *http.Request) {
		n := deploys.Add(1)
		res := model.AdmissionResult{Status: model.AdmissionQueued, DeploymentUUID: "d", Message: "Deployment queued."}
		status := http.StatusOK
		if n > 3 {
			res = model.AdmissionResult{Status: model.AdmissionQueueFull, Message: "full"}
			status = http.StatusTooManyRequests
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(res)
	})
	mux.HandleFunc("GET /global-status", func(w http.ResponseWriter, r *http.Request) {
		var gs store.GlobalStats
		switch n := polls.Add(1); {
		case n == 1:
			gs.FinishedDeployments = 5
		case n < 4:
			gs.FinishedDeployments = 5
			gs.InProgressDeployments = 1
			gs.QueuedDeployments = 2
		default:
			gs.FinishedDeployments = 7
			gs.FailedDeployments = 1
		}
		_ = json.NewEncoder(w).Encode(gs)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var out bytes.Buffer
	report, err := runBench(context.Background(), &out, srv.Client(), benchConfig{
		APIURL:       srv.URL,
		Applications: []int64{42},
		Count:        4,
		Interval:     10 * time.Millisecond,
		Timeout:      5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, report.Submitted)
	assert.Equal(t, 3, report.Queued)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 2, report.Finished)
	assert.Equal(t, 1, report.Failed)

	printBenchReport(&out, report)
	assert.Contains(t, out.String(), "REPORT")
}

func TestRunBench_GivesUp(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /deploy", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(model.AdmissionResult{Status: model.AdmissionQueued})
	})
	mux.HandleFunc("GET /global-status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(store.GlobalStats{QueuedDeployments: 1})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var out bytes.Buffer
	_, err := runBench(context.Background(), &out, srv.Client(), benchConfig{
		APIURL: srv.URL, Applications: []int64{1}, Count: 1,
		Interval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond,
	})
	assert.ErrorContains(t, err, "did not drain")
}
