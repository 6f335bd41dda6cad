// pkg/database/analytics.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"QuoteStream/pkg/model"
)

// 样本标准差由 count、sum(price)、sum(price*price) 计算，两种驱动共用一条SQL
const aggregateSelect = "COUNT(*) AS count, AVG(price) AS avg_price, MIN(price) AS min_price, " +
	"MAX(price) AS max_price, SUM(price) AS sum_price, SUM(price * price) AS sum_squares, " +
	"SUM(volume) AS total_volume"

type aggregateRow struct {
	Count       int64
	AvgPrice    sql.NullFloat64
	MinPrice    sql.NullFloat64
	MaxPrice    sql.NullFloat64
	SumPrice    sql.NullFloat64
	SumSquares  sql.NullFloat64
	TotalVolume sql.NullInt64
}

func (r aggregateRow) stddev() float64 {
	if r.Count < 2 {
		return 0
	}
	n := float64(r.Count)
	mean := r.SumPrice.Float64 / n
	variance := (r.SumSquares.Float64 - n*mean*mean) / (n - 1)
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}

func (s *Store) aggregate(tx *gorm.DB, symbol string, from time.Time, to *time.Time) (aggregateRow, error) {
	var row aggregateRow
	q := tx.Model(&model.StockRecord{}).
		Select(aggregateSelect).
		Where("symbol = ? AND timestamp >= ?", symbol, from)
	if to != nil {
		q = q.Where("timestamp < ?", *to)
	}
	err := q.Scan(&row).Error
	return row, err
}

// GetStatistics 计算窗口内的统计数据，窗口内无数据时返回零值
func (s *Store) GetStatistics(ctx context.Context, symbol string, window time.Duration) (*model.Statistics, error) {
	stats := &model.Statistics{Symbol: symbol, Window: window}

	row, err := s.aggregate(s.db.WithContext(ctx), symbol, s.now().UTC().Add(-window), nil)
	if err != nil {
		return nil, fmt.Errorf("查询 %s 统计数据失败: %w", symbol, err)
	}
	if row.Count == 0 {
		return stats, nil
	}

	stats.Count = row.Count
	stats.AvgPrice = row.AvgPrice.Float64
	stats.MinPrice = row.MinPrice.Float64
	stats.MaxPrice = row.MaxPrice.Float64
	stats.PriceVolatility = row.stddev()
	stats.TotalVolume = row.TotalVolume.Int64
	return stats, nil
}

// ComputeDailyAnalytics 计算并保存某个UTC自然日的统计
// 当天无数据时返回 nil, nil
func (s *Store) ComputeDailyAnalytics(ctx context.Context, symbol string, day time.Time) (*model.DailyAnalytics, error) {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	var result *model.DailyAnalytics
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.aggregate(tx, symbol, start, &end)
		if err != nil {
			return err
		}
		if row.Count == 0 {
			return nil
		}

		analytics := &model.DailyAnalytics{
			Symbol:          symbol,
			Date:            start,
			AvgPrice:        row.AvgPrice.Float64,
			MinPrice:        row.MinPrice.Float64,
			MaxPrice:        row.MaxPrice.Float64,
			PriceVolatility: row.stddev(),
			TotalVolume:     row.TotalVolume.Int64,
		}

		change, percent, err := dayChange(tx, symbol, start, end)
		if err != nil {
			return err
		}
		analytics.PriceChange = change
		analytics.PercentChange = percent

		if s.opts.AnalyticsMode == AnalyticsReplace {
			if err := tx.Where("symbol = ? AND date = ?", symbol, start).
				Delete(&model.DailyAnalytics{}).Error; err != nil {
				return err
			}
		}

		if err := tx.Create(analytics).Error; err != nil {
			return err
		}
		result = analytics
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("计算 %s %s 日统计失败: %w", symbol, start.Format(time.DateOnly), err)
	}

	if result == nil {
		s.log.Info("当日无行情数据", "symbol", symbol, "date", start.Format(time.DateOnly))
	} else {
		s.log.Info("日统计已保存", "symbol", symbol, "date", start.Format(time.DateOnly), "avg_price", result.AvgPrice)
	}
	return result, nil
}

// dayChange 当天最后一笔与第一笔的价差和涨跌幅
func dayChange(tx *gorm.DB, symbol string, start, end time.Time) (*float64, *float64, error) {
	var first, last model.StockRecord
	base := func() *gorm.DB {
		return tx.Where("symbol = ? AND timestamp >= ? AND timestamp < ?", symbol, start, end)
	}
	if err := base().Order("timestamp ASC, id ASC").First(&first).Error; err != nil {
		return nil, nil, err
	}
	if err := base().Order("timestamp DESC, id DESC").First(&last).Error; err != nil {
		return nil, nil, err
	}

	open := decimal.NewFromFloat(first.Price)
	diff := decimal.NewFromFloat(last.Price).Sub(open)
	change, _ := diff.Round(2).Float64()
	if open.IsZero() {
		return &change, nil, nil
	}
	percent, _ := diff.Div(open).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	return &change, &percent, nil
}

// ListAnalytics 查询某日已保存的统计
func (s *Store) ListAnalytics(ctx context.Context, symbol string, day time.Time) ([]model.DailyAnalytics, error) {
	day = day.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	var rows []model.DailyAnalytics
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND date = ?", symbol, start).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询日统计失败: %w", err)
	}
	return rows, nil
}
