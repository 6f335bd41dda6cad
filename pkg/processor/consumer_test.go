package processor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"QuoteStream/pkg/logger"
	"QuoteStream/pkg/messaging"
	"QuoteStream/pkg/model"
)

var fixedNow = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)

type fakeDelivery struct {
	body    []byte
	attempt int
	acked   bool
	nacked  bool
	termed  bool
	delay   time.Duration
}

func (d *fakeDelivery) Body() []byte { return d.body }
func (d *fakeDelivery) Attempt() int { return d.attempt }
func (d *fakeDelivery) Ack() error   { d.acked = true; return nil }
func (d *fakeDelivery) Nack() error  { d.nacked = true; return nil }
func (d *fakeDelivery) Term() error  { d.termed = true; return nil }

func (d *fakeDelivery) NackWithDelay(delay time.Duration) error {
	d.nacked = true
	d.delay = delay
	return nil
}

func encode(t *testing.T, q *model.Quote) []byte {
	t.Helper()
	body, err := messaging.EncodeQuote(q)
	require.NoError(t, err)
	return body
}

func newTestConsumer(broker messaging.Broker, store Persister, opts Options) *Consumer {
	c := NewConsumer(broker, store, opts, logger.Discard())
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestHandleDeliveryPersistsAndAcks(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := NewMockPersister(ctrl)

	q := &model.Quote{Symbol: "AAPL", Price: 150.25, Volume: 100, Timestamp: fixedNow.Add(-time.Minute)}
	store.EXPECT().
		AddRecord(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, got *model.Quote) (*model.StockRecord, bool, error) {
			assert.Equal(t, "AAPL", got.Symbol)
			assert.InDelta(t, 150.25, got.Price, 1e-9)
			assert.True(t, q.Timestamp.Equal(got.Timestamp))
			assert.False(t, got.TimestampDefaulted)
			return &model.StockRecord{ID: 1, Symbol: got.Symbol, Price: got.Price}, false, nil
		}).
		Times(1)

	c := newTestConsumer(messaging.NewMemoryBroker(), store, Options{})
	d := &fakeDelivery{body: encode(t, q), attempt: 1}
	c.HandleDelivery(context.Background(), d)

	assert.True(t, d.acked)
	assert.False(t, d.nacked)
	assert.Equal(t, Stats{Received: 1, Persisted: 1}, c.Stats())
}

func TestHandleDeliveryFillsMissingTimestamp(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := NewMockPersister(ctrl)

	store.EXPECT().
		AddRecord(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, q *model.Quote) (*model.StockRecord, bool, error) {
			assert.True(t, q.Timestamp.Equal(fixedNow), "timestamp = %v", q.Timestamp)
			assert.True(t, q.TimestampDefaulted)
			return &model.StockRecord{ID: 1}, false, nil
		})

	c := newTestConsumer(messaging.NewMemoryBroker(), store, Options{})
	d := &fakeDelivery{body: []byte(`{"symbol":"MSFT","price":410.5}`), attempt: 1}
	c.HandleDelivery(context.Background(), d)

	assert.True(t, d.acked)
}

func TestHandleDeliveryDuplicate(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := NewMockPersister(ctrl)
	store.EXPECT().AddRecord(gomock.Any(), gomock.Any()).Return(&model.StockRecord{ID: 7}, true, nil)

	c := newTestConsumer(messaging.NewMemoryBroker(), store, Options{})
	d := &fakeDelivery{body: encode(t, &model.Quote{Symbol: "AAPL", Price: 1, Timestamp: fixedNow}), attempt: 2}
	c.HandleDelivery(context.Background(), d)

	assert.True(t, d.acked)
	assert.Equal(t, Stats{Received: 1, Duplicates: 1}, c.Stats())
}

func TestHandleDeliveryMalformedIsRequeued(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "not json"},
		{name: "missing symbol", body: `{"price":1}`},
		{name: "negative price", body: `{"symbol":"AAPL","price":-1}`},
		{name: "bad timestamp", body: `{"symbol":"AAPL","price":1,"timestamp":"yesterday"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			// 格式错误的消息不会调用存储
			store := NewMockPersister(ctrl)

			c := newTestConsumer(messaging.NewMemoryBroker(), store, Options{})
			d := &fakeDelivery{body: []byte(tt.body), attempt: 1}
			c.HandleDelivery(context.Background(), d)

			assert.True(t, d.nacked)
			assert.False(t, d.acked)
			assert.False(t, d.termed)
			assert.Equal(t, int64(1), c.Stats().Requeued)
		})
	}
}

func TestHandleDeliveryStoreFailureIsRequeued(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := NewMockPersister(ctrl)
	store.EXPECT().AddRecord(gomock.Any(), gomock.Any()).Return(nil, false, errors.New("connection refused"))

	c := newTestConsumer(messaging.NewMemoryBroker(), store, Options{MaxDeliveries: 5})
	d := &fakeDelivery{body: encode(t, &model.Quote{Symbol: "AAPL", Price: 1, Timestamp: fixedNow}), attempt: 4}
	c.HandleDelivery(context.Background(), d)

	assert.True(t, d.nacked)
	assert.False(t, d.termed)
	assert.Equal(t, Stats{Received: 1, Requeued: 1}, c.Stats())
}

func TestHandleDeliveryStoreFailureNotDeadLettered(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := NewMockPersister(ctrl)
	store.EXPECT().AddRecord(gomock.Any(), gomock.Any()).Return(nil, false, errors.New("connection refused")).Times(2)

	broker := messaging.NewMemoryBroker()
	c := newTestConsumer(broker, store, Options{MaxDeliveries: 3, RetryDelay: time.Second, MaxRetryDelay: 30 * time.Second})
	body := encode(t, &model.Quote{Symbol: "AAPL", Price: 1, Timestamp: fixedNow})

	for _, attempt := range []int{3, 10} {
		d := &fakeDelivery{body: body, attempt: attempt}
		c.HandleDelivery(context.Background(), d)

		assert.True(t, d.nacked, "attempt %d", attempt)
		assert.False(t, d.termed, "attempt %d", attempt)
		assert.Positive(t, d.delay, "attempt %d", attempt)
	}
	assert.Empty(t, broker.DeadLetters())
	assert.Equal(t, Stats{Received: 2, Requeued: 2}, c.Stats())
}

func TestHandleDeliveryDeadLettersAfterMaxDeliveries(t *testing.T) {
	ctrl := gomock.NewController(t)
	// 格式错误的消息不会调用存储
	store := NewMockPersister(ctrl)

	broker := messaging.NewMemoryBroker()
	c := newTestConsumer(broker, store, Options{MaxDeliveries: 3})
	body := []byte(`{"symbol":"AAPL","price":-1}`)
	d := &fakeDelivery{body: body, attempt: 3}
	c.HandleDelivery(context.Background(), d)

	assert.True(t, d.termed)
	assert.False(t, d.nacked)

	dead := broker.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Equal(t, body, dead[0].Body)
	assert.Contains(t, dead[0].Reason, "price")
	assert.True(t, fixedNow.Equal(dead[0].FailedAt))
	assert.Equal(t, int64(1), c.Stats().DeadLettered)
}

func TestHandleDeliveryStoreRejectsQuoteIsDeadLettered(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := NewMockPersister(ctrl)
	store.EXPECT().AddRecord(gomock.Any(), gomock.Any()).Return(nil, false, fmt.Errorf("%w: symbol为空", model.ErrInvalidQuote))

	broker := messaging.NewMemoryBroker()
	c := newTestConsumer(broker, store, Options{MaxDeliveries: 2})
	d := &fakeDelivery{body: encode(t, &model.Quote{Symbol: "AAPL", Price: 1, Timestamp: fixedNow}), attempt: 2}
	c.HandleDelivery(context.Background(), d)

	assert.True(t, d.termed)
	assert.Len(t, broker.DeadLetters(), 1)
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		attempt int
		want    time.Duration
	}{
		{name: "disabled", opts: Options{}, attempt: 5, want: 0},
		{name: "first attempt", opts: Options{RetryDelay: time.Second, MaxRetryDelay: time.Minute}, attempt: 1, want: time.Second},
		{name: "doubles", opts: Options{RetryDelay: time.Second, MaxRetryDelay: time.Minute}, attempt: 4, want: 8 * time.Second},
		{name: "capped", opts: Options{RetryDelay: time.Second, MaxRetryDelay: time.Minute}, attempt: 10, want: time.Minute},
		{name: "huge attempt", opts: Options{RetryDelay: time.Second, MaxRetryDelay: time.Minute}, attempt: 1 << 20, want: time.Minute},
		{name: "default cap", opts: Options{RetryDelay: time.Second}, attempt: 100, want: DefaultMaxRetryDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConsumer(messaging.NewMemoryBroker(), nil, tt.opts)
			assert.Equal(t, tt.want, c.retryDelay(tt.attempt))
		})
	}
}

func TestHandleDeliveryDeadLetterFailureFallsBackToNack(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := NewMockPersister(ctrl)

	broker := messaging.NewMemoryBroker()
	require.NoError(t, broker.Close())

	c := newTestConsumer(broker, store, Options{MaxDeliveries: 1})
	d := &fakeDelivery{body: []byte("garbage"), attempt: 1}
	c.HandleDelivery(context.Background(), d)

	assert.True(t, d.nacked)
	assert.False(t, d.termed)
	assert.Equal(t, Stats{Received: 1, Requeued: 1}, c.Stats())
}
