package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/stan.go"
)

// StanOptions NATS Streaming 队列参数
type StanOptions struct {
	URL       string
	ClusterID string
	ClientID  string
	Queue     string
	Durable   string
	Prefetch  int
	AckWait   time.Duration
}

// StanBroker 基于NATS Streaming的队列，兼容旧集群
// NATS Streaming 没有nack，未确认的消息在AckWait后重投
type StanBroker struct {
	conn        stan.Conn
	opts        StanOptions
	deadSubject string
	log         *slog.Logger

	lostOnce sync.Once
	lost     chan error
}

// NewStanBroker 连接NATS Streaming
func NewStanBroker(opts StanOptions, log *slog.Logger) (*StanBroker, error) {
	b := newStanBroker(nil, opts, log)

	sc, err := stan.Connect(opts.ClusterID, opts.ClientID,
		stan.NatsURL(opts.URL),
		stan.Pings(10, 5),
		stan.SetConnectionLostHandler(b.connectionLost),
	)
	if err != nil {
		return nil, fmt.Errorf("连接NATS Streaming失败: %w", err)
	}
	b.conn = sc
	return b, nil
}

func newStanBroker(conn stan.Conn, opts StanOptions, log *slog.Logger) *StanBroker {
	return &StanBroker{
		conn:        conn,
		opts:        opts,
		deadSubject: opts.Queue + ".dead",
		log:         log.With("component", "stan", "queue", opts.Queue),
		lost:        make(chan error, 1),
	}
}

// connectionLost 客户端放弃重连后回调，只通知一次
func (b *StanBroker) connectionLost(_ stan.Conn, reason error) {
	b.log.Error("NATS Streaming连接丢失", "error", reason)
	b.lostOnce.Do(func() { b.lost <- reason })
}

// Publish 同步发布，服务端持久化后返回
// NATS Streaming 不支持消息ID去重，msgID仅用于日志
func (b *StanBroker) Publish(ctx context.Context, msgID string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(b.opts.Queue, body); err != nil {
		return fmt.Errorf("发布消息到 %s 失败: %w", b.opts.Queue, err)
	}
	b.log.Debug("消息已发布", "message_id", msgID, "bytes", len(body))
	return nil
}

// PublishDeadLetter 发布死信
func (b *StanBroker) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("序列化死信失败: %w", err)
	}
	if err := b.conn.Publish(b.deadSubject, data); err != nil {
		return fmt.Errorf("发布死信到 %s 失败: %w", b.deadSubject, err)
	}
	return nil
}

// Consume 持久订阅，手动确认
func (b *StanBroker) Consume(ctx context.Context, handler DeliveryHandler) error {
	sub, err := b.conn.Subscribe(b.opts.Queue,
		func(m *stan.Msg) {
			handler(ctx, &stanDelivery{msg: m, ack: m.Ack})
		},
		stan.DurableName(b.opts.Durable),
		stan.SetManualAckMode(),
		stan.MaxInflight(b.opts.Prefetch),
		stan.AckWait(b.opts.AckWait),
		stan.DeliverAllAvailable(),
	)
	if err != nil {
		return fmt.Errorf("订阅 %s 失败: %w", b.opts.Queue, err)
	}
	// Close 保留持久订阅的位置，Unsubscribe 会删除它
	defer sub.Close()

	b.log.Info("开始消费", "durable", b.opts.Durable, "prefetch", b.opts.Prefetch)

	select {
	case <-ctx.Done():
		b.log.Info("消费者收到停止信号", "durable", b.opts.Durable)
		return nil
	case reason := <-b.lost:
		return fmt.Errorf("NATS Streaming连接丢失: %v: %w", reason, ErrClosed)
	}
}

// IsConnected 检查连接状态
func (b *StanBroker) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	nc := b.conn.NatsConn()
	return nc != nil && nc.IsConnected()
}

// Close 关闭连接
func (b *StanBroker) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

type stanDelivery struct {
	msg *stan.Msg
	ack func() error
}

func (d *stanDelivery) Body() []byte { return d.msg.Data }
func (d *stanDelivery) Attempt() int { return int(d.msg.RedeliveryCount) + 1 }
func (d *stanDelivery) Ack() error   { return d.ack() }

// Nack 不确认即可，AckWait到期后服务端重投
func (d *stanDelivery) Nack() error { return nil }

// NackWithDelay 重投间隔由订阅的AckWait决定
func (d *stanDelivery) NackWithDelay(time.Duration) error { return nil }

// Term 死信已另行发布，这里确认以停止重投
func (d *stanDelivery) Term() error { return d.ack() }
