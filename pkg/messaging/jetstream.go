// pkg/messaging/jetstream.go
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamOptions JetStream队列参数
type JetStreamOptions struct {
	URL      string
	Queue    string        // 队列名，同时作为Stream名和主题
	Consumer string        // 持久消费者名
	Prefetch int           // 最大未确认消息数
	AckWait  time.Duration // 未确认消息的重投等待
}

// JetStreamBroker 基于NATS JetStream的持久化队列
type JetStreamBroker struct {
	conn        *nats.Conn
	jetStream   jetstream.JetStream
	opts        JetStreamOptions
	deadStream  string
	deadSubject string
	log         *slog.Logger
}

// NewJetStreamBroker 连接NATS并声明队列
func NewJetStreamBroker(ctx context.Context, opts JetStreamOptions, log *slog.Logger) (*JetStreamBroker, error) {
	log = log.With("component", "jetstream", "queue", opts.Queue)

	// 连接NATS
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Consumer),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1), // 无限重连
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("NATS连接断开", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS重新连接成功")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("连接NATS失败: %w", err)
	}

	// 创建JetStream上下文
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("创建JetStream失败: %w", err)
	}

	b := &JetStreamBroker{
		conn:        nc,
		jetStream:   js,
		opts:        opts,
		deadStream:  opts.Queue + "_dead",
		deadSubject: opts.Queue + ".dead",
		log:         log,
	}

	if err := b.setupStreams(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// setupStreams 声明队列和死信队列，重复声明是幂等的
func (b *JetStreamBroker) setupStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:        b.opts.Queue,
			Subjects:    []string{b.opts.Queue},
			Description: "行情数据队列",
			Retention:   jetstream.WorkQueuePolicy,
			Storage:     jetstream.FileStorage,
			Duplicates:  2 * time.Minute,
		},
		{
			Name:        b.deadStream,
			Subjects:    []string{b.deadSubject},
			Description: "行情数据死信队列",
			Retention:   jetstream.LimitsPolicy,
			Storage:     jetstream.FileStorage,
			MaxAge:      7 * 24 * time.Hour, // 保留7天
		},
	}

	for _, streamConfig := range streams {
		if _, err := b.jetStream.CreateOrUpdateStream(ctx, streamConfig); err != nil {
			return fmt.Errorf("创建/更新Stream %s 失败: %w", streamConfig.Name, err)
		}
		b.log.Info("Stream设置成功", "stream", streamConfig.Name)
	}
	return nil
}

// Publish 发布消息，等待服务端持久化确认
func (b *JetStreamBroker) Publish(ctx context.Context, msgID string, body []byte) error {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}

	ack, err := b.jetStream.Publish(ctx, b.opts.Queue, body, opts...)
	if err != nil {
		return fmt.Errorf("发布消息到 %s 失败: %w", b.opts.Queue, err)
	}

	b.log.Debug("消息已发布", "seq", ack.Sequence, "duplicate", ack.Duplicate, "bytes", len(body))
	return nil
}

// PublishDeadLetter 发布死信
func (b *JetStreamBroker) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("序列化死信失败: %w", err)
	}

	msg := nats.NewMsg(b.deadSubject)
	msg.Data = data
	msg.Header.Set("X-Dead-Letter-Reason", dl.Reason)
	msg.Header.Set("X-Delivery-Attempts", strconv.Itoa(dl.Attempts))

	if _, err := b.jetStream.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("发布死信到 %s 失败: %w", b.deadSubject, err)
	}
	return nil
}

// Consume 创建持久消费者并逐条处理消息
func (b *JetStreamBroker) Consume(ctx context.Context, handler DeliveryHandler) error {
	consumerConfig := jetstream.ConsumerConfig{
		Durable:       b.opts.Consumer,
		Description:   fmt.Sprintf("%s 消费者", b.opts.Consumer),
		FilterSubject: b.opts.Queue,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.opts.AckWait,
		MaxAckPending: b.opts.Prefetch,
		MaxDeliver:    -1, // 重投上限由处理方控制
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	}

	consumer, err := b.jetStream.CreateOrUpdateConsumer(ctx, b.opts.Queue, consumerConfig)
	if err != nil {
		return fmt.Errorf("创建消费者 %s 失败: %w", b.opts.Consumer, err)
	}

	iter, err := consumer.Messages(jetstream.PullMaxMessages(b.opts.Prefetch))
	if err != nil {
		return fmt.Errorf("获取 %s 消息迭代器失败: %w", b.opts.Consumer, err)
	}

	stop := context.AfterFunc(ctx, iter.Stop)
	defer stop()
	defer iter.Stop()

	b.log.Info("开始消费", "consumer", b.opts.Consumer, "prefetch", b.opts.Prefetch)

	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				if ctx.Err() != nil {
					b.log.Info("消费者收到停止信号", "consumer", b.opts.Consumer)
					return nil
				}
				return fmt.Errorf("消费者 %s 迭代器已关闭: %w", b.opts.Consumer, ErrClosed)
			}
			if b.conn.IsClosed() {
				return fmt.Errorf("消费者 %s: %w", b.opts.Consumer, ErrClosed)
			}
			b.log.Warn("获取消息失败", "consumer", b.opts.Consumer, "error", err)
			continue
		}

		handler(ctx, &jetStreamDelivery{msg: msg})
	}
}

// IsConnected 检查连接状态
func (b *JetStreamBroker) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// Close 关闭连接
func (b *JetStreamBroker) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	b.log.Info("NATS连接已关闭")
	return nil
}

type jetStreamDelivery struct {
	msg jetstream.Msg
}

func (d *jetStreamDelivery) Body() []byte { return d.msg.Data() }

func (d *jetStreamDelivery) Attempt() int {
	md, err := d.msg.Metadata()
	if err != nil {
		return 1
	}
	return int(md.NumDelivered)
}

func (d *jetStreamDelivery) Ack() error  { return d.msg.Ack() }
func (d *jetStreamDelivery) Nack() error { return d.msg.Nak() }
func (d *jetStreamDelivery) Term() error { return d.msg.Term() }

func (d *jetStreamDelivery) NackWithDelay(delay time.Duration) error {
	return d.msg.NakWithDelay(delay)
}
