package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"QuoteStream/pkg/config"
	"QuoteStream/pkg/model"
)

// AnalyticsMode 日统计重复计算策略
type AnalyticsMode string

const (
	// AnalyticsAppend 每次计算插入新行
	AnalyticsAppend AnalyticsMode = "append"
	// AnalyticsReplace 同一(symbol, date)只保留最新一行
	AnalyticsReplace AnalyticsMode = "replace"
)

// Options 存储参数
type Options struct {
	Dedup         bool
	AnalyticsMode AnalyticsMode
}

// Store 行情存储，每个操作独立事务
type Store struct {
	db   *gorm.DB
	opts Options
	log  *slog.Logger
	now  func() time.Time
}

// Open 按配置连接数据库，启动阶段数据库未就绪时按指数退避重试
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.PostgresDSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("未知的数据库驱动: %s", cfg.Database.Driver)
	}

	opts := Options{
		Dedup:         cfg.Database.Dedup,
		AnalyticsMode: AnalyticsMode(cfg.Analytics.Mode),
	}

	var store *Store
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.Database.ConnectTimeout

	err := backoff.RetryNotify(func() error {
		s, err := NewStore(dialector, opts, log)
		if err != nil {
			return err
		}
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return err
		}
		store = s
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		log.Warn("数据库未就绪，稍后重试", "error", err, "wait", wait)
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if cfg.Database.Driver == "sqlite" {
		// sqlite 单写者
		if sqlDB, err := store.db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}
	return store, nil
}

// NewStore 创建存储
func NewStore(dialector gorm.Dialector, opts Options, log *slog.Logger) (*Store, error) {
	if opts.AnalyticsMode == "" {
		opts.AnalyticsMode = AnalyticsAppend
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 设置连接池参数
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取连接池失败: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return &Store{
		db:   db,
		opts: opts,
		log:  log.With("component", "store"),
		now:  time.Now,
	}, nil
}

// Migrate 建表
// 生产环境的表结构由外部迁移工具维护，这里用于本地和测试
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&model.StockRecord{}, &model.DailyAnalytics{}); err != nil {
		return fmt.Errorf("建表失败: %w", err)
	}
	return nil
}

// Ping 测试数据库连接
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
