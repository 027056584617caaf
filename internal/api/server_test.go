package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"example.com/retailstack/pos-agent/internal/agent"
	"example.com/retailstack/pos-agent/internal/metrics"
	"example.com/retailstack/pos-agent/internal/store"
	"example.com/retailstack/pos-agent/internal/syncclient"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	server *Server
	agent  *agent.Agent
	store  *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m := metrics.New()
	a := agent.New(agent.Config{
		ListenMode:    agent.ModeTCP,
		ListenAddr:    "127.0.0.1:0",
		DrainInterval: time.Hour,
		StopTimeout:   5 * time.Second,
	}, s, &syncclient.Stub{}, m, syncclient.Backoff{Base: time.Millisecond})

	return &fixture{
		server: NewServer("127.0.0.1:0", a, s, m),
		agent:  a,
		store:  s,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	f.agent.HandleFrame([]byte("Receipt #1001\nTOTAL: 100\n"))

	rec := f.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status agent.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.False(t, status.Running)
	require.Equal(t, int64(1), status.Store.TotalTransactions)
}

func TestListUnsynced(t *testing.T) {
	f := newFixture(t)
	f.agent.HandleFrame([]byte("Receipt #1001\nTOTAL: 100\n"))
	f.agent.HandleFrame([]byte("Receipt #1002\nTOTAL: 200\n"))

	rec := f.do(t, http.MethodGet, "/api/v1/transactions/unsynced", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)

	rec = f.do(t, http.MethodGet, "/api/v1/transactions/unsynced?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)

	rec = f.do(t, http.MethodGet, "/api/v1/transactions/unsynced?limit=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGapReview(t *testing.T) {
	f := newFixture(t)
	f.agent.HandleFrame([]byte("Receipt #1046\nTOTAL: 100\n"))
	f.agent.HandleFrame([]byte("Receipt #1049\nTOTAL: 100\n"))

	rec := f.do(t, http.MethodGet, "/api/v1/gaps", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Gaps []struct {
			ID uint `json:"id"`
		} `json:"gaps"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)

	// Resolving needs a note.
	rec = f.do(t, http.MethodPost, "/api/v1/gaps/1/resolve", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/gaps/1/resolve",
		map[string]string{"note": "printer serviced"})
	require.Equal(t, http.StatusOK, rec.Code)

	gaps, err := f.store.OpenGaps(context.Background())
	require.NoError(t, err)
	require.Empty(t, gaps)

	rec = f.do(t, http.MethodPost, "/api/v1/gaps/999/resolve",
		map[string]string{"note": "no such gap"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInjectEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/inject", map[string]interface{}{
		"receipt_id": "TEST-1",
		"total":      42.5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	txs, err := f.store.RecentUnsynced(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, "TEST-1", txs[0].ReceiptID)

	// Total is mandatory.
	rec = f.do(t, http.MethodPost, "/api/v1/inject", map[string]interface{}{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayEndpoint(t *testing.T) {
	f := newFixture(t)
	f.agent.HandleFrame([]byte("Receipt #1001\nTOTAL: 100\n"))

	rec := f.do(t, http.MethodPost, "/api/v1/replay", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Delivered int `json:"delivered"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Delivered)
}

func TestRebindEndpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Rebind on a stopped agent conflicts.
	rec := f.do(t, http.MethodPost, "/api/v1/rebind", map[string]string{"address": "127.0.0.1:0"})
	require.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, f.agent.Start(ctx))
	defer f.agent.Stop(ctx)

	rec = f.do(t, http.MethodPost, "/api/v1/rebind", map[string]string{"address": "127.0.0.1:0"})
	require.Equal(t, http.StatusOK, rec.Code)
}
