package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QuoteStream/pkg/logger"
	"QuoteStream/pkg/producer"
)

type fakeFetcher struct {
	symbols  []string
	running  bool
	triggers int
}

func (f *fakeFetcher) Symbols() []string { return f.symbols }

func (f *fakeFetcher) TriggerAsync(ctx context.Context) bool {
	if f.running {
		return false
	}
	f.triggers++
	return true
}

func (f *fakeFetcher) LastReport() *producer.CycleReport {
	return &producer.CycleReport{Published: 2, Skipped: 1}
}

type fakeQueue bool

func (q fakeQueue) IsConnected() bool { return bool(q) }

func newProducerServer(f *fakeFetcher, connected bool) *Server {
	s := NewServer("0", time.Second, time.Second, logger.Discard())
	s.RegisterProducerRoutes(NewProducerHandlers(f, fakeQueue(connected)))
	return s
}

func doRequest(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestProducerHome(t *testing.T) {
	s := newProducerServer(&fakeFetcher{}, true)

	w, body := doRequest(t, s, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, Version, body["version"])
	assert.Contains(t, body["message"], "Producer")
}

func TestProducerHealth(t *testing.T) {
	s := newProducerServer(&fakeFetcher{symbols: []string{"AAPL", "MSFT"}}, false)

	w, body := doRequest(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["queue_connected"])
	assert.Equal(t, []any{"AAPL", "MSFT"}, body["symbols"])
	assert.NotEmpty(t, body["timestamp"])

	last, ok := body["last_cycle"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, last["published"])
}

func TestProducerSymbols(t *testing.T) {
	s := newProducerServer(&fakeFetcher{symbols: []string{"AAPL"}}, true)

	w, body := doRequest(t, s, http.MethodGet, "/symbols")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"AAPL"}, body["symbols"])
}

func TestProducerFetchData(t *testing.T) {
	f := &fakeFetcher{symbols: []string{"AAPL"}}
	s := newProducerServer(f, true)

	w, body := doRequest(t, s, http.MethodPost, "/fetch-data")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "Data fetch initiated", body["message"])
	assert.Equal(t, 1, f.triggers)

	f.running = true
	w, body = doRequest(t, s, http.MethodPost, "/fetch-data")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "Data fetch already running", body["message"])
	assert.Equal(t, 1, f.triggers)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fetch-data", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServerRunShutsDownOnCancel(t *testing.T) {
	s := NewServer("0", time.Second, time.Second, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("server did not shut down")
	}
}
