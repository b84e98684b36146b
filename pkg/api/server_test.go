package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/gatekeeper/pkg/api"
	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
	"github.com/Mindburn-Labs/gatekeeper/pkg/platform"
	"github.com/Mindburn-Labs/gatekeeper/pkg/store"
)

type processorFunc func(ctx context.Context, id int) (contracts.RunOutcome, error)

func (f processorFunc) ProcessSurface(ctx context.Context, id int) (contracts.RunOutcome, error) {
	return f(ctx, id)
}

func newServer(t *testing.T, p processorFunc, receipts store.ReceiptStore) *httptest.Server {
	t.Helper()
	h, err := api.New(api.Config{Processor: p, Receipts: receipts})
	require.NoError(t, err)
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return ts
}

func decodeProblem(t *testing.T, resp *http.Response) api.ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	var p api.ProblemDetail
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	return p
}

func TestHealthz(t *testing.T) {
	ts := newServer(t, nil, nil)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestProcess(t *testing.T) {
	var got int
	ts := newServer(t, func(_ context.Context, id int) (contracts.RunOutcome, error) {
		got = id
		out := contracts.Published("abc123")
		out.RunID = "run-1"
		return out, nil
	}, nil)

	resp, err := http.Post(ts.URL+"/v1/surfaces/42/process", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 42, got)
	var out contracts.RunOutcome
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, contracts.OutcomePublished, out.Kind)
	assert.Equal(t, "abc123", out.CommitSHA)
	assert.Equal(t, "run-1", out.RunID)
}

func TestProcess_Errors(t *testing.T) {
	cases := map[string]struct {
		path   string
		err    error
		status int
	}{
		"bad id":      {"/v1/surfaces/abc/process", nil, http.StatusBadRequest},
		"zero id":     {"/v1/surfaces/0/process", nil, http.StatusBadRequest},
		"not found":   {"/v1/surfaces/7/process", &contracts.TransportError{Op: "resolve_branch", Err: fmt.Errorf("surface 7: %w", platform.ErrNotFound)}, http.StatusNotFound},
		"transport":   {"/v1/surfaces/7/process", &contracts.TransportError{Op: "get_branch_head", Err: errors.New("502")}, http.StatusBadGateway},
		"cancelled":   {"/v1/surfaces/7/process", context.Canceled, http.StatusServiceUnavailable},
		"unexpected":  {"/v1/surfaces/7/process", errors.New("pq: connection refused to host=10.0.0.1"), http.StatusInternalServerError},
		"unknown url": {"/v1/nothing", nil, http.StatusNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ts := newServer(t, func(context.Context, int) (contracts.RunOutcome, error) {
				return contracts.NoAction("x"), tc.err
			}, nil)
			resp, err := http.Post(ts.URL+tc.path, "application/json", nil)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tc.status, resp.StatusCode)
			p := decodeProblem(t, resp)
			assert.Equal(t, tc.status, p.Status)
			assert.Equal(t, tc.path, p.Instance)
			assert.NotContains(t, p.Detail, "10.0.0.1")
			assert.Equal(t, resp.Header.Get("X-Request-ID"), p.TraceID)
		})
	}
}

func TestProcess_MethodNotAllowed(t *testing.T) {
	ts := newServer(t, func(context.Context, int) (contracts.RunOutcome, error) {
		return contracts.RunOutcome{}, nil
	}, nil)
	resp, err := http.Get(ts.URL + "/v1/surfaces/42/process")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestReceipts(t *testing.T) {
	receipts := store.NewMemoryStore()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b"} {
		require.NoError(t, receipts.Store(context.Background(), &contracts.RunReceipt{
			RunID:      id,
			SurfaceID:  42,
			Repository: "acme/widgets",
			State:      contracts.StatePublished,
			Outcome:    contracts.OutcomePublished,
			StartedAt:  start.Add(time.Duration(i) * time.Minute),
			FinishedAt: start.Add(time.Duration(i)*time.Minute + time.Second),
		}))
	}
	ts := newServer(t, func(context.Context, int) (contracts.RunOutcome, error) {
		return contracts.RunOutcome{}, nil
	}, receipts)

	resp, err := http.Get(ts.URL + "/v1/surfaces/42/receipts?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []contracts.RunReceipt
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "run-b", list[0].RunID, "newest first")

	resp2, err := http.Get(ts.URL + "/v1/runs/run-a")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var rc contracts.RunReceipt
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&rc))
	assert.Equal(t, "run-a", rc.RunID)

	resp3, err := http.Get(ts.URL + "/v1/runs/missing")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)

	resp4, err := http.Get(ts.URL + "/v1/surfaces/42/receipts?limit=-1")
	require.NoError(t, err)
	defer resp4.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp4.StatusCode)
}

func TestReceipts_NotConfigured(t *testing.T) {
	ts := newServer(t, func(context.Context, int) (contracts.RunOutcome, error) {
		return contracts.RunOutcome{}, nil
	}, nil)
	resp, err := http.Get(ts.URL + "/v1/runs/run-a")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNew_RequiresProcessor(t *testing.T) {
	_, err := api.New(api.Config{})
	assert.Error(t, err)
}
