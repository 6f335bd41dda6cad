package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"QuoteStream/pkg/model"
)

// Publisher 行情发布器
// 发布失败只记录日志并返回错误，不重试
type Publisher struct {
	broker Broker
	log    *slog.Logger
}

// NewPublisher 创建发布器
func NewPublisher(broker Broker, log *slog.Logger) *Publisher {
	return &Publisher{broker: broker, log: log.With("component", "publisher")}
}

// Publish 序列化并发布行情
func (p *Publisher) Publish(ctx context.Context, q *model.Quote) error {
	if q.MessageID == "" {
		q.MessageID = uuid.NewString()
	}

	body, err := EncodeQuote(q)
	if err != nil {
		p.log.Error("序列化行情失败", "symbol", q.Symbol, "error", err)
		return err
	}

	if err := p.broker.Publish(ctx, q.MessageID, body); err != nil {
		p.log.Error("发布行情失败", "symbol", q.Symbol, "message_id", q.MessageID, "error", err)
		return fmt.Errorf("发布 %s 失败: %w", q.Symbol, err)
	}

	p.log.Info("行情已发布", "symbol", q.Symbol, "price", q.Price, "message_id", q.MessageID)
	return nil
}
