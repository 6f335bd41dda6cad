package collector

import (
	"context"

	"QuoteStream/pkg/model"
)

// QuoteSource 行情数据源接口
// 每次调用对应一次网络请求，失败时返回错误，由调用方决定是否跳过
type QuoteSource interface {
	FetchQuote(ctx context.Context, symbol string) (*model.Quote, error)
}
