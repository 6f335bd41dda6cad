package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"QuoteStream/pkg/api"
	"QuoteStream/pkg/config"
	"QuoteStream/pkg/database"
	"QuoteStream/pkg/logger"
	"QuoteStream/pkg/messaging"
	"QuoteStream/pkg/monitor"
	"QuoteStream/pkg/processor"
	"QuoteStream/pkg/scheduler"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig(config.GetDefaultConfigPath())
	if err != nil {
		logger.Init("processor", "info", "json").Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	log := logger.Init("processor", cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info("启动数据处理服务...", "env", cfg.App.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 连接数据库
	store, err := database.Open(ctx, cfg, log)
	if err != nil {
		log.Error("连接数据库失败", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		log.Error("初始化数据表失败", "error", err)
		os.Exit(1)
	}

	// 连接队列
	broker, err := messaging.Open(ctx, cfg, "processor", log)
	if err != nil {
		log.Error("连接消息队列失败", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	// 注册组件
	mon := monitor.NewMonitor(func(component string, status monitor.Status, message string) {
		log.Warn("组件状态变化", "component", component, "status", status, "message", message)
	})
	mon.RegisterComponent("database", store.Ping)
	mon.RegisterComponent("queue", func(context.Context) error {
		if !broker.IsConnected() {
			return messaging.ErrClosed
		}
		return nil
	})
	mon.CheckAll(ctx)

	consumer := processor.NewConsumer(broker, store, processor.Options{
		MaxDeliveries: cfg.Processor.MaxDeliveries,
		RetryDelay:    cfg.Processor.RetryDelay,
		MaxRetryDelay: cfg.Processor.MaxRetryDelay,
	}, log)

	sched := scheduler.NewScheduler(store, mon, scheduler.Options{
		AnalyticsSchedule: cfg.Analytics.Schedule,
		RetentionSchedule: cfg.Retention.Schedule,
		HealthSchedule:    "@every 30s",
		RetentionDays:     cfg.Retention.Days,
	}, log)
	if err := sched.Start(); err != nil {
		log.Error("启动调度器失败", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	server := api.NewServer(cfg.API.Port, cfg.API.ReadTimeout, cfg.API.WriteTimeout, log)
	server.RegisterProcessorRoutes(api.NewProcessorHandlers(store, mon, consumer))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := consumer.Run(gctx); err != nil {
			return err
		}
		// 消费结束但没有收到停止信号，视为连接断开
		if ctx.Err() == nil && gctx.Err() == nil {
			return messaging.ErrClosed
		}
		return nil
	})
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	stats := consumer.Stats()
	log.Info("消费统计",
		"received", stats.Received,
		"persisted", stats.Persisted,
		"duplicates", stats.Duplicates,
		"requeued", stats.Requeued,
		"dead_lettered", stats.DeadLettered,
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("数据处理服务异常退出", "error", err)
		shutdown(sched, broker, store)
		os.Exit(1)
	}
	log.Info("数据处理服务已关闭")
}

// shutdown os.Exit 不执行defer，退出前手动释放资源
func shutdown(sched *scheduler.Scheduler, broker messaging.Broker, store *database.Store) {
	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	broker.Close()
	store.Close()
}
