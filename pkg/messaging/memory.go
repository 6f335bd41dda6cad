package messaging

import (
	"context"
	"sync"
	"time"
)

type memoryMessage struct {
	id      string
	body    []byte
	attempt int
}

// MemoryBroker 进程内队列
// 语义与持久化队列一致: 至少一次投递，Nack重新放回队首
type MemoryBroker struct {
	mu     sync.Mutex
	queue  []*memoryMessage
	dead   []DeadLetter
	seen   map[string]struct{}
	notify chan struct{}
	closed bool
}

// NewMemoryBroker 创建进程内队列
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		seen:   make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Publish 入队，相同msgID只入队一次
func (b *MemoryBroker) Publish(ctx context.Context, msgID string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if msgID != "" {
		if _, ok := b.seen[msgID]; ok {
			return nil
		}
		b.seen[msgID] = struct{}{}
	}

	cp := append([]byte(nil), body...)
	b.queue = append(b.queue, &memoryMessage{id: msgID, body: cp})
	b.signal()
	return nil
}

// Redeliver 模拟服务端重复投递，不做msgID去重
func (b *MemoryBroker) Redeliver(body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, &memoryMessage{body: append([]byte(nil), body...), attempt: 1})
	b.signal()
}

// PublishDeadLetter 记录死信
func (b *MemoryBroker) PublishDeadLetter(ctx context.Context, dl DeadLetter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.dead = append(b.dead, dl)
	return nil
}

// Consume 逐条投递，直到ctx取消
func (b *MemoryBroker) Consume(ctx context.Context, handler DeliveryHandler) error {
	for {
		msg, err := b.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		d := &memoryDelivery{broker: b, msg: msg}
		handler(ctx, d)
		// 处理函数没有确认，视为超时重投
		if !d.settled {
			_ = d.Nack()
		}
	}
}

func (b *MemoryBroker) next(ctx context.Context) (*memoryMessage, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		if len(b.queue) > 0 {
			msg := b.queue[0]
			b.queue = b.queue[1:]
			msg.attempt++
			b.mu.Unlock()
			return msg, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notify:
		}
	}
}

func (b *MemoryBroker) requeue(msg *memoryMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append([]*memoryMessage{msg}, b.queue...)
	b.signal()
}

// signal 调用方必须持有锁
func (b *MemoryBroker) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Len 队列中待投递的消息数
func (b *MemoryBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// DeadLetters 已记录的死信
func (b *MemoryBroker) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadLetter(nil), b.dead...)
}

// IsConnected 未关闭即视为连接
func (b *MemoryBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Close 关闭队列
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.signal()
	return nil
}

type memoryDelivery struct {
	broker  *MemoryBroker
	msg     *memoryMessage
	settled bool
}

func (d *memoryDelivery) Body() []byte { return d.msg.body }
func (d *memoryDelivery) Attempt() int { return d.msg.attempt }

func (d *memoryDelivery) Ack() error {
	d.settled = true
	return nil
}

func (d *memoryDelivery) Nack() error {
	if d.settled {
		return nil
	}
	d.settled = true
	d.broker.requeue(d.msg)
	return nil
}

// NackWithDelay 内存队列不计时，立即重新入队
func (d *memoryDelivery) NackWithDelay(time.Duration) error {
	return d.Nack()
}

func (d *memoryDelivery) Term() error {
	d.settled = true
	return nil
}
