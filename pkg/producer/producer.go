// pkg/producer/producer.go
package producer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"QuoteStream/pkg/collector"
	"QuoteStream/pkg/model"
)

// QuotePublisher 行情发布
type QuotePublisher interface {
	Publish(ctx context.Context, q *model.Quote) error
}

// 未配置时的等待时间
const (
	DefaultInterval     = 60 * time.Second
	DefaultErrorBackoff = 10 * time.Second
)

// Options 采集参数
type Options struct {
	Symbols      []string
	Interval     time.Duration // 两轮采集之间的等待
	ErrorBackoff time.Duration // 整轮失败后的等待
	Concurrency  int           // 1 表示逐个顺序采集
}

// CycleReport 一轮采集结果
type CycleReport struct {
	Published int           `json:"published"`
	Skipped   int           `json:"skipped"` // 数据源失败
	Dropped   int           `json:"dropped"` // 发布失败
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
}

// Failed 有代码需要采集但一条都没有发布
func (r CycleReport) Failed() bool {
	return r.Published == 0 && r.Skipped+r.Dropped > 0
}

// Producer 周期性采集行情并发布到队列
type Producer struct {
	source    collector.QuoteSource
	publisher QuotePublisher
	opts      Options
	log       *slog.Logger

	triggered atomic.Bool
	wg        sync.WaitGroup

	mu   sync.Mutex
	last *CycleReport
}

// New 创建采集器
func New(source collector.QuoteSource, publisher QuotePublisher, opts Options, log *slog.Logger) *Producer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	return &Producer{
		source:    source,
		publisher: publisher,
		opts:      opts,
		log:       log.With("component", "producer"),
	}
}

// Symbols 配置的股票代码
func (p *Producer) Symbols() []string {
	return append([]string(nil), p.opts.Symbols...)
}

// LastReport 最近一轮采集结果，尚未采集时返回nil
func (p *Producer) LastReport() *CycleReport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	r := *p.last
	return &r
}

// RunCycle 每个代码采集一次，单个代码失败不影响其他代码
// 返回前等待所有采集任务结束
func (p *Producer) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{Started: time.Now().UTC()}
	var published, skipped, dropped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	for _, symbol := range p.opts.Symbols {
		symbol := symbol
		g.Go(func() error {
			q, err := p.source.FetchQuote(gctx, symbol)
			if err != nil {
				p.log.Warn("获取行情失败，跳过", "symbol", symbol, "error", err)
				skipped.Add(1)
				return nil
			}
			if err := p.publisher.Publish(gctx, q); err != nil {
				dropped.Add(1)
				return nil
			}
			published.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report.Published = int(published.Load())
	report.Skipped = int(skipped.Load())
	report.Dropped = int(dropped.Load())
	report.Duration = time.Since(report.Started)

	p.mu.Lock()
	p.last = &report
	p.mu.Unlock()

	p.log.Info("本轮采集完成",
		"published", report.Published,
		"skipped", report.Skipped,
		"dropped", report.Dropped,
		"duration", report.Duration,
	)
	return report
}

// Run 循环采集直到ctx取消
func (p *Producer) Run(ctx context.Context) error {
	p.log.Info("启动行情采集",
		"symbols", p.opts.Symbols,
		"interval", p.opts.Interval,
		"concurrency", p.opts.Concurrency,
	)

	for {
		report := p.RunCycle(ctx)

		wait := p.opts.Interval
		if report.Failed() {
			wait = p.opts.ErrorBackoff
			p.log.Error("本轮采集全部失败", "retry_in", wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.wg.Wait()
			p.log.Info("停止行情采集")
			return nil
		case <-timer.C:
		}
	}
}

// TriggerAsync 后台立即执行一轮采集
// 已有手动触发的采集在运行时返回false
func (p *Producer) TriggerAsync(ctx context.Context) bool {
	if !p.triggered.CompareAndSwap(false, true) {
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.triggered.Store(false)
		p.log.Info("手动触发采集")
		p.RunCycle(context.WithoutCancel(ctx))
	}()
	return true
}

// Wait 等待手动触发的采集结束
func (p *Producer) Wait() {
	p.wg.Wait()
}
