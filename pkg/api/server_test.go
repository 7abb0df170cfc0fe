package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/0xmhha/crowdfund-indexer/internal/testutil"
	"github.com/0xmhha/crowdfund-indexer/pkg/fetch"
	"github.com/0xmhha/crowdfund-indexer/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCursor storage.Cursor

func (c fixedCursor) Cursor() storage.Cursor { return storage.Cursor(c) }

type fixedStatus []fetch.ProgramStatus

func (s fixedStatus) Status() []fetch.ProgramStatus { return s }

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxLag = time.Minute
	s, err := NewServer(cfg, testutil.NewTestLogger(t), opts)
	require.NoError(t, err)
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "localhost:8080", cfg.Address())

	bad := *cfg
	bad.Port = 0
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.MaxLag = 0
	assert.Error(t, bad.Validate())

	_, err := NewServer(&bad, nil, Options{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		cursor     storage.Cursor
		store      Pinger
		wantStatus int
		wantBody   string
	}{
		{
			name:       "fresh cursor",
			cursor:     storage.Cursor{Slot: 120, UpdatedAt: time.Now().Add(-5 * time.Second)},
			store:      pinger{},
			wantStatus: http.StatusOK,
			wantBody:   StatusHealthy,
		},
		{
			name:       "lag beyond max",
			cursor:     storage.Cursor{Slot: 120, UpdatedAt: time.Now().Add(-2 * time.Minute)},
			store:      pinger{},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   StatusUnhealthy,
		},
		{
			name:       "store down",
			cursor:     storage.Cursor{Slot: 120, UpdatedAt: time.Now()},
			store:      pinger{err: errors.New("connection refused")},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   StatusUnhealthy,
		},
		{
			name:       "loop not started",
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Options{Cursor: fixedCursor(tt.cursor), Store: tt.store})
			w := get(t, s, "/health")
			assert.Equal(t, tt.wantStatus, w.Code)

			var h Health
			require.NoError(t, json.NewDecoder(w.Body).Decode(&h))
			assert.Equal(t, tt.wantBody, h.Status)
			assert.Equal(t, tt.cursor.Slot, h.CursorSlot)
			assert.Equal(t, float64(60), h.MaxLagSeconds)
		})
	}
}

func TestHealth_ReportsLag(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	hc := NewHealthChecker(fixedCursor{Slot: 7, UpdatedAt: now.Add(-30 * time.Second)}, nil, nil, time.Minute)
	hc.now = func() time.Time { return now }

	h, status := hc.Check(context.Background())
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(30), h.LagSeconds)
	assert.Equal(t, "2024-06-01T11:59:30Z", h.CursorUpdatedAt)
	assert.Nil(t, h.Storage)
	assert.Nil(t, h.RPC)
}

func TestHealth_RPCIsInformational(t *testing.T) {
	s := newTestServer(t, Options{
		Cursor: fixedCursor{Slot: 9, UpdatedAt: time.Now()},
		Store:  pinger{},
		RPC:    pinger{err: errors.New("node is behind")},
	})
	w := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	var h Health
	require.NoError(t, json.NewDecoder(w.Body).Decode(&h))
	assert.Equal(t, StatusHealthy, h.Status)
	require.NotNil(t, h.RPC)
	assert.Equal(t, StatusUnhealthy, h.RPC.Status)
	assert.Equal(t, "node is behind", h.RPC.Message)
	require.NotNil(t, h.Storage)
	assert.Equal(t, StatusHealthy, h.Storage.Status)
}

func TestVersion(t *testing.T) {
	s := newTestServer(t, Options{Build: BuildInfo{Version: "1.2.0", Commit: "abc123"}})
	w := get(t, s, "/version")
	require.Equal(t, http.StatusOK, w.Code)

	var info BuildInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	assert.Equal(t, "1.2.0", info.Version)
	assert.Equal(t, "abc123", info.Commit)
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, Options{})
	assert.Equal(t, http.StatusNotFound, get(t, s, "/status").Code)

	s = newTestServer(t, Options{Status: fixedStatus{
		{Program: testutil.Address(0xA1), Window: fetch.Window{From: 11, To: 20}, Transactions: 3},
		{Program: testutil.Address(0xA2), Window: fetch.Window{From: 11, To: 20}, LastError: "rate limited"},
	}})
	w := get(t, s, "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		TotalCount int                   `json:"total_count"`
		Programs   []fetch.ProgramStatus `json:"programs"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, 2, body.TotalCount)
	assert.Equal(t, testutil.Address(0xA1), body.Programs[0].Program)
	assert.Equal(t, "rate limited", body.Programs[1].LastError)
}

func TestDeadLetters(t *testing.T) {
	s := newTestServer(t, Options{})
	assert.Equal(t, http.StatusNotFound, get(t, s, "/dead-letters").Code)

	ctx := context.Background()
	store := storage.NewMemoryStore(nil)
	require.NoError(t, store.StagePending(ctx, []storage.PendingTransaction{
		{Signature: "poison", Slot: 12, Payload: []byte(`{}`)},
		{Signature: "healthy", Slot: 13, Payload: []byte(`{}`)},
	}))
	_, dead, err := store.RecordPendingFailure(ctx, "poison", "task: boom", 1)
	require.NoError(t, err)
	require.True(t, dead)

	s = newTestServer(t, Options{DeadLetters: store})
	w := get(t, s, "/dead-letters")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		TotalCount   int          `json:"total_count"`
		Transactions []DeadLetter `json:"transactions"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, 1, body.TotalCount)
	assert.Equal(t, DeadLetter{Signature: "poison", Slot: 12, Attempts: 1, LastError: "task: boom"}, body.Transactions[0])

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/dead-letters?limit=zero").Code)
	assert.Equal(t, http.StatusOK, get(t, s, "/dead-letters?limit=5000").Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "indexer_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)

	s := newTestServer(t, Options{Gatherer: reg})
	w := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "indexer_test_total 3"))
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t, Options{})
	assert.Equal(t, http.StatusNotFound, get(t, s, "/graphql").Code)
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 38571
	s, err := NewServer(cfg, nil, Options{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:38571/version")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, <-done)
}
