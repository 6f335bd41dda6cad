package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"QuoteStream/pkg/logger"
	"QuoteStream/pkg/model"
	"QuoteStream/pkg/monitor"
	"QuoteStream/pkg/processor"
)

type fakeStats struct {
	window time.Duration
	symbol string
	err    error
}

func (f *fakeStats) GetStatistics(ctx context.Context, symbol string, window time.Duration) (*model.Statistics, error) {
	f.symbol, f.window = symbol, window
	if f.err != nil {
		return nil, f.err
	}
	return &model.Statistics{Symbol: symbol, Window: window, Count: 3, AvgPrice: 102, MinPrice: 100, MaxPrice: 104, TotalVolume: 60}, nil
}

func (f *fakeStats) RecentRecords(ctx context.Context, symbol string, window time.Duration) ([]model.StockRecord, error) {
	f.symbol, f.window = symbol, window
	if f.err != nil {
		return nil, f.err
	}
	return []model.StockRecord{{ID: 2, Symbol: symbol, Price: 101}, {ID: 1, Symbol: symbol, Price: 100}}, nil
}

type fakeConsumer struct{}

func (fakeConsumer) Stats() processor.Stats { return processor.Stats{Received: 5, Persisted: 4, Requeued: 1} }

func newProcessorServer(store StatsReader, mon *monitor.Monitor) *Server {
	s := NewServer("0", time.Second, time.Second, logger.Discard())
	s.RegisterProcessorRoutes(NewProcessorHandlers(store, mon, fakeConsumer{}))
	return s
}

func TestProcessorHealth(t *testing.T) {
	mon := monitor.NewMonitor(nil)
	mon.RegisterComponent("database", nil)
	mon.RegisterComponent("queue", nil)
	s := newProcessorServer(&fakeStats{}, mon)

	mon.UpdateStatus("database", monitor.StatusHealthy, "")
	w, body := doRequest(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Len(t, body["components"], 2)
	consumer, ok := body["consumer"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 4, consumer["persisted"])

	mon.UpdateStatus("queue", monitor.StatusUnhealthy, "disconnected")
	w, body = doRequest(t, s, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestGetStats(t *testing.T) {
	store := &fakeStats{}
	s := newProcessorServer(store, monitor.NewMonitor(nil))

	w, body := doRequest(t, s, http.MethodGet, "/api/v1/stats/aapl")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "AAPL", store.symbol)
	assert.Equal(t, 24*time.Hour, store.window)
	assert.EqualValues(t, 24, body["hours"])

	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 102, data["avg_price"])
	assert.EqualValues(t, 3, data["count"])
	assert.NotContains(t, data, "window")

	_, _ = doRequest(t, s, http.MethodGet, "/api/v1/stats/MSFT?hours=6")
	assert.Equal(t, 6*time.Hour, store.window)
}

func TestGetStatsInvalidHours(t *testing.T) {
	s := newProcessorServer(&fakeStats{}, monitor.NewMonitor(nil))

	for _, q := range []string{"abc", "0", "-1", "100000"} {
		w, _ := doRequest(t, s, http.MethodGet, "/api/v1/stats/AAPL?hours="+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, "hours=%s", q)
	}
}

func TestGetStatsStoreError(t *testing.T) {
	s := newProcessorServer(&fakeStats{err: errors.New("db down")}, monitor.NewMonitor(nil))

	w, body := doRequest(t, s, http.MethodGet, "/api/v1/stats/AAPL")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, body["error"], "db down")
}

func TestGetRecords(t *testing.T) {
	store := &fakeStats{}
	s := newProcessorServer(store, monitor.NewMonitor(nil))

	w, body := doRequest(t, s, http.MethodGet, "/api/v1/records/GOOGL?hours=1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Hour, store.window)
	assert.Equal(t, "GOOGL", body["symbol"])
	assert.EqualValues(t, 2, body["count"])
	assert.Len(t, body["data"], 2)
}
