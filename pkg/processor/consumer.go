// pkg/processor/consumer.go
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"QuoteStream/pkg/messaging"
	"QuoteStream/pkg/model"
)

//go:generate mockgen -source=consumer.go -destination=mock_persister_test.go -package=processor

// ErrMalformed 消息体无法解析或不满足约束
var ErrMalformed = errors.New("消息格式错误")

// DefaultMaxRetryDelay 未配置上限时的重投等待上限
const DefaultMaxRetryDelay = time.Minute

// Persister 行情持久化
type Persister interface {
	AddRecord(ctx context.Context, q *model.Quote) (*model.StockRecord, bool, error)
}

// Options 消费参数
type Options struct {
	// MaxDeliveries 格式错误的消息第N次投递后转入死信，0表示无限重投
	// 入库失败不计入，一直重投直到数据库恢复
	MaxDeliveries int
	// RetryDelay 首次重投等待，之后每次翻倍，0表示立即重投
	RetryDelay time.Duration
	// MaxRetryDelay 重投等待上限
	MaxRetryDelay time.Duration
}

// Stats 消费计数
type Stats struct {
	Received     int64 `json:"received"`
	Persisted    int64 `json:"persisted"`
	Duplicates   int64 `json:"duplicates"`
	Requeued     int64 `json:"requeued"`
	DeadLettered int64 `json:"dead_lettered"`
}

// Consumer 从队列取出行情并入库
// 每条消息: 解析 -> 入库 -> 确认；任一步失败则延迟重新入队
type Consumer struct {
	broker messaging.Broker
	store  Persister
	opts   Options
	log    *slog.Logger
	now    func() time.Time

	received     atomic.Int64
	persisted    atomic.Int64
	duplicates   atomic.Int64
	requeued     atomic.Int64
	deadLettered atomic.Int64
}

// NewConsumer 创建消费者
func NewConsumer(broker messaging.Broker, store Persister, opts Options, log *slog.Logger) *Consumer {
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = max(opts.RetryDelay, DefaultMaxRetryDelay)
	}
	return &Consumer{
		broker: broker,
		store:  store,
		opts:   opts,
		log:    log.With("component", "consumer"),
		now:    time.Now,
	}
}

// Run 阻塞消费直到ctx取消或连接断开
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("开始处理行情消息",
		"max_deliveries", c.opts.MaxDeliveries,
		"retry_delay", c.opts.RetryDelay,
		"max_retry_delay", c.opts.MaxRetryDelay,
	)
	return c.broker.Consume(ctx, c.HandleDelivery)
}

// HandleDelivery 处理单条投递
func (c *Consumer) HandleDelivery(ctx context.Context, d messaging.Delivery) {
	c.received.Add(1)

	q, err := c.decode(d.Body())
	if err != nil {
		c.fail(ctx, d, err)
		return
	}

	rec, duplicate, err := c.store.AddRecord(ctx, q)
	if err != nil {
		c.fail(ctx, d, err)
		return
	}

	if err := d.Ack(); err != nil {
		// 确认失败时消息会被重投，入库已完成
		c.log.Warn("确认消息失败", "symbol", q.Symbol, "error", err)
	}

	if duplicate {
		c.duplicates.Add(1)
		return
	}
	c.persisted.Add(1)
	c.log.Info("行情已处理", "symbol", rec.Symbol, "price", rec.Price, "id", rec.ID, "attempt", d.Attempt())
}

func (c *Consumer) decode(body []byte) (*model.Quote, error) {
	q, err := messaging.DecodeQuote(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = c.now().UTC()
		q.TimestampDefaulted = true
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return q, nil
}

// fail 重新入队
// 格式错误的消息重投也不会成功，超过投递上限时转入死信
func (c *Consumer) fail(ctx context.Context, d messaging.Delivery, cause error) {
	attempt := d.Attempt()

	if !isPoison(cause) {
		c.log.Error("保存行情失败，重新入队", "attempt", attempt, "error", cause)
		c.requeue(d, attempt)
		return
	}

	if c.opts.MaxDeliveries > 0 && attempt >= c.opts.MaxDeliveries {
		dl := messaging.DeadLetter{
			Reason:   cause.Error(),
			Attempts: attempt,
			Body:     d.Body(),
			FailedAt: c.now().UTC(),
		}
		if err := c.broker.PublishDeadLetter(ctx, dl); err != nil {
			c.log.Error("发布死信失败，消息重新入队", "attempt", attempt, "cause", cause, "error", err)
			c.requeue(d, attempt)
			return
		}
		if err := d.Term(); err != nil {
			c.log.Warn("终止消息失败", "error", err)
		}
		c.deadLettered.Add(1)
		c.log.Error("消息已转入死信", "attempt", attempt, "error", cause)
		return
	}

	c.log.Error("消息格式错误，重新入队", "attempt", attempt, "error", cause)
	c.requeue(d, attempt)
}

func isPoison(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, model.ErrInvalidQuote)
}

func (c *Consumer) requeue(d messaging.Delivery, attempt int) {
	var err error
	if delay := c.retryDelay(attempt); delay > 0 {
		err = d.NackWithDelay(delay)
	} else {
		err = d.Nack()
	}
	if err != nil {
		c.log.Warn("消息重新入队失败", "error", err)
	}
	c.requeued.Add(1)
}

// retryDelay 第attempt次投递失败后的等待: RetryDelay * 2^(attempt-1)，不超过MaxRetryDelay
func (c *Consumer) retryDelay(attempt int) time.Duration {
	delay := c.opts.RetryDelay
	if delay <= 0 {
		return 0
	}
	for i := 1; i < attempt && delay < c.opts.MaxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, c.opts.MaxRetryDelay)
}

// Stats 当前计数快照
func (c *Consumer) Stats() Stats {
	return Stats{
		Received:     c.received.Load(),
		Persisted:    c.persisted.Load(),
		Duplicates:   c.duplicates.Load(),
		Requeued:     c.requeued.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}
