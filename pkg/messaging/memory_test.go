package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// consumeUntil 在后台消费，done返回true时停止
func consumeUntil(t *testing.T, b Broker, handler DeliveryHandler, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Consume(ctx, handler) }()

	require.Eventually(t, done, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
}

type seen struct {
	body    string
	attempt int
}

type recorder struct {
	mu   sync.Mutex
	seen []seen
}

func (r *recorder) add(d Delivery) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, seen{string(d.Body()), d.Attempt()})
	return len(r.seen)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestMemoryBrokerAckRemoves(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Publish(context.Background(), "a", []byte("one")))
	require.NoError(t, b.Publish(context.Background(), "b", []byte("two")))

	rec := &recorder{}
	consumeUntil(t, b, func(ctx context.Context, d Delivery) {
		rec.add(d)
		assert.NoError(t, d.Ack())
	}, func() bool { return b.Len() == 0 && rec.len() == 2 })

	assert.Equal(t, []seen{{"one", 1}, {"two", 1}}, rec.seen)
}

func TestMemoryBrokerDedupByMessageID(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Publish(context.Background(), "same", []byte("x")))
	require.NoError(t, b.Publish(context.Background(), "same", []byte("x")))
	assert.Equal(t, 1, b.Len())

	b.Redeliver([]byte("x"))
	assert.Equal(t, 2, b.Len())
}

func TestMemoryBrokerNackRequeuesAtHead(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Publish(context.Background(), "", []byte("first")))
	require.NoError(t, b.Publish(context.Background(), "", []byte("second")))

	rec := &recorder{}
	consumeUntil(t, b, func(ctx context.Context, d Delivery) {
		rec.add(d)
		if string(d.Body()) == "first" && d.Attempt() < 3 {
			assert.NoError(t, d.Nack())
			return
		}
		assert.NoError(t, d.Ack())
	}, func() bool { return b.Len() == 0 && rec.len() == 4 })

	assert.Equal(t, []seen{{"first", 1}, {"first", 2}, {"first", 3}, {"second", 1}}, rec.seen)
}

func TestMemoryBrokerUnsettledIsRedelivered(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Publish(context.Background(), "", []byte("x")))

	rec := &recorder{}
	consumeUntil(t, b, func(ctx context.Context, d Delivery) {
		if rec.add(d) > 1 {
			_ = d.Ack()
		}
	}, func() bool { return b.Len() == 0 && rec.len() == 2 })

	assert.Equal(t, []seen{{"x", 1}, {"x", 2}}, rec.seen)
}

func TestMemoryBrokerClosed(t *testing.T) {
	b := NewMemoryBroker()
	require.NoError(t, b.Close())
	assert.False(t, b.IsConnected())
	assert.ErrorIs(t, b.Publish(context.Background(), "", []byte("x")), ErrClosed)
	assert.ErrorIs(t, b.Consume(context.Background(), func(context.Context, Delivery) {}), ErrClosed)
}
