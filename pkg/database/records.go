// pkg/database/records.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"QuoteStream/pkg/model"
)

// AddRecord 在一个事务内插入一条行情记录
// 开启去重时，重复投递返回已有记录且duplicate为true；关闭时每次投递都会新增一行
func (s *Store) AddRecord(ctx context.Context, q *model.Quote) (*model.StockRecord, bool, error) {
	if err := q.Validate(); err != nil {
		return nil, false, err
	}
	if q.Timestamp.IsZero() {
		return nil, false, fmt.Errorf("%w: timestamp为空", model.ErrInvalidQuote)
	}

	rec := model.NewStockRecord(q, s.now())
	var key string
	if s.opts.Dedup {
		key = q.DedupKey()
		rec.DedupKey = &key
	}

	duplicate := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !s.opts.Dedup {
			return tx.Create(rec).Error
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "dedup_key"}},
			DoNothing: true,
		}).Create(rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		var existing model.StockRecord
		if err := tx.Where("dedup_key = ?", key).First(&existing).Error; err != nil {
			return fmt.Errorf("查询重复记录失败: %w", err)
		}
		rec = &existing
		duplicate = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("保存行情数据失败: %w", err)
	}

	if duplicate {
		s.log.Info("重复行情已忽略", "symbol", rec.Symbol, "id", rec.ID)
	} else {
		s.log.Debug("行情已入库", "symbol", rec.Symbol, "price", rec.Price, "id", rec.ID)
	}
	return rec, duplicate, nil
}

// RecentRecords 获取窗口内的行情，按时间倒序
func (s *Store) RecentRecords(ctx context.Context, symbol string, window time.Duration) ([]model.StockRecord, error) {
	var records []model.StockRecord
	cutoff := s.now().UTC().Add(-window)

	err := s.db.WithContext(ctx).
		Where("symbol = ? AND timestamp >= ?", symbol, cutoff).
		Order("timestamp DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("查询近期行情失败: %w", err)
	}
	return records, nil
}

// GetRecord 按ID获取记录
func (s *Store) GetRecord(ctx context.Context, id uint) (*model.StockRecord, error) {
	var rec model.StockRecord
	err := s.db.WithContext(ctx).First(&rec, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("行情记录 %d 不存在: %w", id, err)
		}
		return nil, fmt.Errorf("获取行情记录失败: %w", err)
	}
	return &rec, nil
}

// CountRecords 统计某股票的记录数
func (s *Store) CountRecords(ctx context.Context, symbol string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.StockRecord{}).Where("symbol = ?", symbol).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("统计行情记录失败: %w", err)
	}
	return count, nil
}

// Symbols 获取库中所有股票代码
func (s *Store) Symbols(ctx context.Context) ([]string, error) {
	var symbols []string
	err := s.db.WithContext(ctx).Model(&model.StockRecord{}).
		Distinct("symbol").
		Order("symbol ASC").
		Pluck("symbol", &symbols).Error
	if err != nil {
		return nil, fmt.Errorf("查询股票代码失败: %w", err)
	}
	return symbols, nil
}

// Cleanup 删除早于保留期的行情，返回删除条数
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)

	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("timestamp < ?", cutoff).Delete(&model.StockRecord{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("清理历史数据失败: %w", err)
	}

	s.log.Info("历史数据已清理", "deleted", deleted, "retention_days", retentionDays)
	return deleted, nil
}
