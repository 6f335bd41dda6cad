// pkg/model/stock.go
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Quote 行情快照 - 队列中传输的消息体
type Quote struct {
	MessageID        string    `json:"message_id,omitempty"`
	Symbol           string    `json:"symbol"`
	Price            float64   `json:"price"`
	ChangePercentage float64   `json:"change_percentage"`
	Volume           int64     `json:"volume"`
	MarketCap        float64   `json:"market_cap"`
	Timestamp        time.Time `json:"timestamp"`

	// 可选字段，数据源不提供时为nil
	Open          *float64 `json:"open,omitempty"`
	High          *float64 `json:"high,omitempty"`
	Low           *float64 `json:"low,omitempty"`
	PreviousClose *float64 `json:"previous_close,omitempty"`
	Exchange      *string  `json:"exchange,omitempty"`
	CompanyName   *string  `json:"company_name,omitempty"`

	// TimestampDefaulted 消息未携带时间，Timestamp由消费端补为接收时间
	TimestampDefaulted bool `json:"-"`
}

// ErrInvalidQuote 行情数据不满足约束
var ErrInvalidQuote = errors.New("无效的行情数据")

// Validate 校验行情数据
func (q *Quote) Validate() error {
	if strings.TrimSpace(q.Symbol) == "" {
		return fmt.Errorf("%w: symbol为空", ErrInvalidQuote)
	}
	if q.Price < 0 {
		return fmt.Errorf("%w: price为负数 %v", ErrInvalidQuote, q.Price)
	}
	if q.Volume < 0 {
		return fmt.Errorf("%w: volume为负数 %d", ErrInvalidQuote, q.Volume)
	}
	if q.MarketCap < 0 {
		return fmt.Errorf("%w: market_cap为负数 %v", ErrInvalidQuote, q.MarketCap)
	}
	for name, v := range map[string]*float64{
		"open":           q.Open,
		"high":           q.High,
		"low":            q.Low,
		"previous_close": q.PreviousClose,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: %s为负数 %v", ErrInvalidQuote, name, *v)
		}
	}
	return nil
}

// DedupKey 去重键: symbol|timestamp|price 的SHA-256
// 价格使用decimal规范化，避免浮点格式差异导致同一行情产生不同的键
// 时间由消费端补齐时每次重投都不同，改用消息ID
func (q *Quote) DedupKey() string {
	if q.TimestampDefaulted && q.MessageID != "" {
		sum := sha256.Sum256([]byte("msg|" + q.MessageID))
		return hex.EncodeToString(sum[:])
	}
	price := decimal.NewFromFloat(q.Price).String()
	raw := q.Symbol + "|" + q.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + price
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// StockRecord 入库的行情记录
type StockRecord struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol           string    `gorm:"type:varchar(10);not null;index;index:idx_stock_data_symbol_timestamp,priority:1" json:"symbol"`
	Price            float64   `gorm:"type:numeric(10,2);not null" json:"price"`
	ChangePercentage float64   `gorm:"type:numeric(7,2)" json:"change_percentage"`
	Volume           int64     `gorm:"type:bigint" json:"volume"`
	MarketCap        float64   `gorm:"type:numeric(20,2)" json:"market_cap"`
	Timestamp        time.Time `gorm:"not null;index;index:idx_stock_data_symbol_timestamp,priority:2" json:"timestamp"` // 观测时间
	ProcessedAt      time.Time `gorm:"not null" json:"processed_at"`                                                      // 入库时间

	OpenPrice     *float64 `gorm:"type:numeric(10,2)" json:"open_price,omitempty"`
	HighPrice     *float64 `gorm:"type:numeric(10,2)" json:"high_price,omitempty"`
	LowPrice      *float64 `gorm:"type:numeric(10,2)" json:"low_price,omitempty"`
	PreviousClose *float64 `gorm:"type:numeric(10,2)" json:"previous_close,omitempty"`
	Exchange      *string  `gorm:"type:varchar(20)" json:"exchange,omitempty"`
	CompanyName   *string  `gorm:"type:varchar(100)" json:"company_name,omitempty"`

	// 去重关闭时为NULL，唯一索引允许多个NULL
	DedupKey *string `gorm:"type:varchar(64);uniqueIndex" json:"-"`
}

// TableName 表名
func (StockRecord) TableName() string {
	return "stock_data"
}

// NewStockRecord 由行情快照构建入库记录
func NewStockRecord(q *Quote, processedAt time.Time) *StockRecord {
	return &StockRecord{
		Symbol:           q.Symbol,
		Price:            q.Price,
		ChangePercentage: q.ChangePercentage,
		Volume:           q.Volume,
		MarketCap:        q.MarketCap,
		Timestamp:        q.Timestamp.UTC(),
		ProcessedAt:      processedAt.UTC(),
		OpenPrice:        q.Open,
		HighPrice:        q.High,
		LowPrice:         q.Low,
		PreviousClose:    q.PreviousClose,
		Exchange:         q.Exchange,
		CompanyName:      q.CompanyName,
	}
}

// DailyAnalytics 按日聚合的统计结果
type DailyAnalytics struct {
	ID              uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol          string    `gorm:"type:varchar(10);not null;index;index:idx_stock_analytics_symbol_date,priority:1" json:"symbol"`
	Date            time.Time `gorm:"not null;index;index:idx_stock_analytics_symbol_date,priority:2" json:"date"`
	AvgPrice        float64   `gorm:"type:numeric(10,2)" json:"avg_price"`
	MinPrice        float64   `gorm:"type:numeric(10,2)" json:"min_price"`
	MaxPrice        float64   `gorm:"type:numeric(10,2)" json:"max_price"`
	PriceVolatility float64   `gorm:"type:numeric(10,4)" json:"price_volatility"` // 样本标准差
	TotalVolume     int64     `gorm:"type:bigint" json:"total_volume"`
	PriceChange     *float64  `gorm:"type:numeric(10,2)" json:"price_change,omitempty"`
	PercentChange   *float64  `gorm:"type:numeric(7,2)" json:"percent_change,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// TableName 表名
func (DailyAnalytics) TableName() string {
	return "stock_analytics"
}

// Statistics 滑动窗口统计
type Statistics struct {
	Symbol          string        `json:"symbol"`
	Window          time.Duration `json:"-"`
	Count           int64         `json:"count"`
	AvgPrice        float64       `json:"avg_price"`
	MinPrice        float64       `json:"min_price"`
	MaxPrice        float64       `json:"max_price"`
	PriceVolatility float64       `json:"price_volatility"`
	TotalVolume     int64         `json:"total_volume"`
}
