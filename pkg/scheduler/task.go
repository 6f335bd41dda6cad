package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"QuoteStream/pkg/model"
	"QuoteStream/pkg/monitor"
)

// Maintainer 定时任务依赖的存储操作
type Maintainer interface {
	Symbols(ctx context.Context) ([]string, error)
	ComputeDailyAnalytics(ctx context.Context, symbol string, day time.Time) (*model.DailyAnalytics, error)
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// Options 调度参数，cron表达式带秒字段
type Options struct {
	AnalyticsSchedule string
	RetentionSchedule string
	HealthSchedule    string
	RetentionDays     int
	JobTimeout        time.Duration
}

// Scheduler 任务调度器
type Scheduler struct {
	cron    *cron.Cron
	store   Maintainer
	monitor *monitor.Monitor
	opts    Options
	log     *slog.Logger
	now     func() time.Time
}

// NewScheduler 创建任务调度器
func NewScheduler(store Maintainer, mon *monitor.Monitor, opts Options, log *slog.Logger) *Scheduler {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		store:   store,
		monitor: mon,
		opts:    opts,
		log:     log.With("component", "scheduler"),
		now:     time.Now,
	}
}

// Start 注册任务并启动调度器
func (s *Scheduler) Start() error {
	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context)
	}{
		// 每日凌晨计算前一天的统计
		{"daily-analytics", s.opts.AnalyticsSchedule, func(ctx context.Context) {
			_, _ = s.RunDailyAnalytics(ctx, s.now().UTC().AddDate(0, 0, -1))
		}},
		// 清理过期数据
		{"retention", s.opts.RetentionSchedule, func(ctx context.Context) {
			_, _ = s.RunRetention(ctx)
		}},
		// 检查队列和数据库健康状态
		{"health-check", s.opts.HealthSchedule, func(ctx context.Context) {
			if s.monitor != nil {
				s.monitor.CheckAll(ctx)
			}
		}},
	}

	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, s.wrap(job.name, job.run)); err != nil {
			return fmt.Errorf("注册任务 %s 失败: %w", job.name, err)
		}
		s.log.Info("定时任务已注册", "job", job.name, "schedule", job.schedule)
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) wrap(name string, run func(ctx context.Context)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
		defer cancel()

		start := time.Now()
		run(ctx)
		s.log.Debug("定时任务完成", "job", name, "duration", time.Since(start))
	}
}

// Stop 停止调度器，等待运行中的任务结束
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunDailyAnalytics 为库中所有股票计算某日统计，返回写入条数
// 单个股票失败只记录日志，继续处理其他股票
func (s *Scheduler) RunDailyAnalytics(ctx context.Context, day time.Time) (int, error) {
	symbols, err := s.store.Symbols(ctx)
	if err != nil {
		s.log.Error("获取股票列表失败", "error", err)
		return 0, err
	}

	saved := 0
	for _, symbol := range symbols {
		a, err := s.store.ComputeDailyAnalytics(ctx, symbol, day)
		if err != nil {
			s.log.Error("计算日统计失败", "symbol", symbol, "error", err)
			continue
		}
		if a != nil {
			saved++
		}
	}

	s.log.Info("日统计任务完成", "date", day.UTC().Format(time.DateOnly), "symbols", len(symbols), "saved", saved)
	return saved, nil
}

// RunRetention 删除超过保留天数的行情
func (s *Scheduler) RunRetention(ctx context.Context) (int64, error) {
	deleted, err := s.store.Cleanup(ctx, s.opts.RetentionDays)
	if err != nil {
		s.log.Error("清理历史数据失败", "retention_days", s.opts.RetentionDays, "error", err)
		return 0, err
	}
	return deleted, nil
}
