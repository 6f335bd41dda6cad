package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"QuoteStream/pkg/api"
	"QuoteStream/pkg/collector"
	"QuoteStream/pkg/config"
	"QuoteStream/pkg/logger"
	"QuoteStream/pkg/messaging"
	"QuoteStream/pkg/producer"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig(config.GetDefaultConfigPath())
	if err != nil {
		logger.Init("producer", "info", "json").Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	log := logger.Init("producer", cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info("启动数据采集服务...", "env", cfg.App.Env)

	if cfg.DataSources.FMP.APIKey == "" {
		log.Warn("未配置API_KEY，行情请求将被数据源拒绝")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 连接队列，失败直接退出
	broker, err := messaging.Open(ctx, cfg, "producer", log)
	if err != nil {
		log.Error("连接消息队列失败", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	source := collector.NewFMPClient(
		cfg.DataSources.FMP.APIKey,
		cfg.DataSources.FMP.BaseURL,
		cfg.DataSources.FMP.Timeout,
	)

	p := producer.New(source, messaging.NewPublisher(broker, log), producer.Options{
		Symbols:      cfg.Fetch.Symbols,
		Interval:     cfg.Fetch.Interval,
		ErrorBackoff: cfg.Fetch.ErrorBackoff,
		Concurrency:  cfg.Fetch.Concurrency,
	}, log)

	server := api.NewServer(cfg.API.Port, cfg.API.ReadTimeout, cfg.API.WriteTimeout, log)
	server.RegisterProducerRoutes(api.NewProducerHandlers(p, broker))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	if err := g.Wait(); err != nil {
		log.Error("数据采集服务异常退出", "error", err)
		os.Exit(1)
	}
	p.Wait()
	log.Info("数据采集服务已关闭")
}
