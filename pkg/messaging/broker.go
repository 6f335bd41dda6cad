package messaging

import (
	"context"
	"errors"
	"time"
)

// ErrClosed 连接已关闭
var ErrClosed = errors.New("消息队列连接已关闭")

// Delivery 一次投递
// 每条投递必须以 Ack / Nack / Term 之一结束
type Delivery interface {
	Body() []byte
	// Attempt 第几次投递，从1开始
	Attempt() int
	// Ack 确认，消息从队列永久移除
	Ack() error
	// Nack 拒绝并重新入队
	Nack() error
	// NackWithDelay 拒绝，至少等待delay后重投
	NackWithDelay(delay time.Duration) error
	// Term 拒绝且不再投递
	Term() error
}

// DeliveryHandler 投递处理函数
type DeliveryHandler func(ctx context.Context, d Delivery)

// DeadLetter 死信
type DeadLetter struct {
	Queue    string    `json:"queue"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	Body     []byte    `json:"body"` // 原始消息体，可能不是合法JSON
	FailedAt time.Time `json:"failed_at"`
}

// Broker 消息队列
type Broker interface {
	// Publish 发布持久化消息，返回时消息已落盘
	Publish(ctx context.Context, msgID string, body []byte) error
	// PublishDeadLetter 发布到死信队列
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
	// Consume 阻塞消费，直到ctx取消或连接不可恢复
	Consume(ctx context.Context, handler DeliveryHandler) error
	IsConnected() bool
	Close() error
}
