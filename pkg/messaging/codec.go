package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"QuoteStream/pkg/model"
)

// 兼容不带时区的ISO-8601时间戳，按UTC解析
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// wireQuote 队列消息格式
type wireQuote struct {
	MessageID        string   `json:"message_id,omitempty"`
	Symbol           string   `json:"symbol"`
	Price            float64  `json:"price"`
	ChangePercentage float64  `json:"change_percentage"`
	Volume           int64    `json:"volume"`
	MarketCap        float64  `json:"market_cap"`
	Timestamp        string   `json:"timestamp,omitempty"`
	Open             *float64 `json:"open,omitempty"`
	High             *float64 `json:"high,omitempty"`
	Low              *float64 `json:"low,omitempty"`
	PreviousClose    *float64 `json:"previous_close,omitempty"`
	Exchange         *string  `json:"exchange,omitempty"`
	CompanyName      *string  `json:"company_name,omitempty"`

	// 旧生产者使用的字段名
	LegacyPreviousClose *float64 `json:"previousClose,omitempty"`
	LegacyName          *string  `json:"name,omitempty"`
}

// EncodeQuote 序列化行情为UTF-8 JSON
func EncodeQuote(q *model.Quote) ([]byte, error) {
	w := wireQuote{
		MessageID:        q.MessageID,
		Symbol:           q.Symbol,
		Price:            q.Price,
		ChangePercentage: q.ChangePercentage,
		Volume:           q.Volume,
		MarketCap:        q.MarketCap,
		Open:             q.Open,
		High:             q.High,
		Low:              q.Low,
		PreviousClose:    q.PreviousClose,
		Exchange:         q.Exchange,
		CompanyName:      q.CompanyName,
	}
	if !q.Timestamp.IsZero() {
		w.Timestamp = q.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("序列化行情失败: %w", err)
	}
	return data, nil
}

// DecodeQuote 反序列化行情
// 消息中没有timestamp时返回零值，由调用方补充
func DecodeQuote(body []byte) (*model.Quote, error) {
	var w wireQuote
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("解析消息失败: %w", err)
	}

	q := &model.Quote{
		MessageID:        w.MessageID,
		Symbol:           w.Symbol,
		Price:            w.Price,
		ChangePercentage: w.ChangePercentage,
		Volume:           w.Volume,
		MarketCap:        w.MarketCap,
		Open:             w.Open,
		High:             w.High,
		Low:              w.Low,
		PreviousClose:    w.PreviousClose,
		Exchange:         w.Exchange,
		CompanyName:      w.CompanyName,
	}
	if q.PreviousClose == nil {
		q.PreviousClose = w.LegacyPreviousClose
	}
	if q.CompanyName == nil {
		q.CompanyName = w.LegacyName
	}

	if ts := strings.TrimSpace(w.Timestamp); ts != "" {
		parsed, err := parseTimestamp(ts)
		if err != nil {
			return nil, err
		}
		q.Timestamp = parsed
	}
	return q, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("无法解析时间戳: %q", s)
}
