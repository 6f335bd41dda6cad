package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"QuoteStream/pkg/model"
)

// ErrEmptyPayload 数据源返回空结果
var ErrEmptyPayload = errors.New("数据源返回空数据")

// StatusError 数据源返回非2xx状态码
type StatusError struct {
	Symbol     string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API请求 %s 返回非2xx状态码: %d", e.Symbol, e.StatusCode)
}

// fmpQuote FMP /quote 接口返回的单条数据，缺失字段为nil
type fmpQuote struct {
	Symbol            string   `json:"symbol"`
	Name              *string  `json:"name"`
	Price             *float64 `json:"price"`
	ChangesPercentage *float64 `json:"changesPercentage"`
	Volume            *float64 `json:"volume"`
	MarketCap         *float64 `json:"marketCap"`
	Open              *float64 `json:"open"`
	DayHigh           *float64 `json:"dayHigh"`
	DayLow            *float64 `json:"dayLow"`
	PreviousClose     *float64 `json:"previousClose"`
	Exchange          *string  `json:"exchange"`
}

// FMPClient Financial Modeling Prep 行情客户端
type FMPClient struct {
	client *resty.Client
	apiKey string
	now    func() time.Time
}

// NewFMPClient 创建FMP客户端
func NewFMPClient(apiKey, baseURL string, timeout time.Duration) *FMPClient {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")

	return &FMPClient{
		client: client,
		apiKey: apiKey,
		now:    time.Now,
	}
}

// FetchQuote 获取单个股票的实时行情
func (c *FMPClient) FetchQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("symbol", symbol).
		SetQueryParam("apikey", c.apiKey).
		Get("/quote/{symbol}")
	if err != nil {
		return nil, fmt.Errorf("请求 %s 行情失败: %w", symbol, err)
	}

	if !resp.IsSuccess() {
		return nil, &StatusError{Symbol: symbol, StatusCode: resp.StatusCode()}
	}

	body := bytes.TrimSpace(resp.Body())
	if len(body) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrEmptyPayload)
	}

	var items []fmpQuote
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("解析 %s 行情失败: %w", symbol, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrEmptyPayload)
	}

	return c.normalize(symbol, items[0]), nil
}

// normalize 转换为统一数据模型，必填字段缺失时取0
func (c *FMPClient) normalize(symbol string, item fmpQuote) *model.Quote {
	quote := &model.Quote{
		Symbol:           symbol,
		Price:            valueOrZero(item.Price),
		ChangePercentage: valueOrZero(item.ChangesPercentage),
		Volume:           int64(valueOrZero(item.Volume)),
		MarketCap:        valueOrZero(item.MarketCap),
		Timestamp:        c.now().UTC(),
		Open:             item.Open,
		High:             item.DayHigh,
		Low:              item.DayLow,
		PreviousClose:    item.PreviousClose,
		Exchange:         item.Exchange,
		CompanyName:      item.Name,
	}
	return quote
}

func valueOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
