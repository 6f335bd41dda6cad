package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"QuoteStream/pkg/config"
)

// Open 按配置创建队列连接
// role 用于区分客户端ID，例如 "producer"、"processor"
func Open(ctx context.Context, cfg *config.Config, role string, log *slog.Logger) (Broker, error) {
	q := cfg.Queue
	switch q.Driver {
	case "jetstream":
		return NewJetStreamBroker(ctx, JetStreamOptions{
			URL:      cfg.NATS.URL,
			Queue:    q.Name,
			Consumer: q.Consumer,
			Prefetch: q.Prefetch,
			AckWait:  q.AckWait,
		}, log)
	case "stan":
		return NewStanBroker(StanOptions{
			URL:       cfg.NATS.URL,
			ClusterID: q.ClusterID,
			ClientID:  q.ClientID + "-" + role,
			Queue:     q.Name,
			Durable:   q.Consumer,
			Prefetch:  q.Prefetch,
			AckWait:   q.AckWait,
		}, log)
	case "memory":
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", q.Driver)
	}
}
