package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"QuoteStream/pkg/producer"
)

// Version 服务版本
const Version = "2.0.0"

// Fetcher 采集器控制接口
type Fetcher interface {
	Symbols() []string
	TriggerAsync(ctx context.Context) bool
	LastReport() *producer.CycleReport
}

// Connectivity 队列连接状态
type Connectivity interface {
	IsConnected() bool
}

// ProducerHandlers 采集服务处理程序
type ProducerHandlers struct {
	fetcher Fetcher
	queue   Connectivity
	now     func() time.Time
}

// NewProducerHandlers 创建采集服务处理程序
func NewProducerHandlers(fetcher Fetcher, queue Connectivity) *ProducerHandlers {
	return &ProducerHandlers{fetcher: fetcher, queue: queue, now: time.Now}
}

// RegisterProducerRoutes 设置采集服务路由
func (s *Server) RegisterProducerRoutes(h *ProducerHandlers) {
	s.router.GET("/", h.Home)
	s.router.GET("/health", h.HealthCheck)
	s.router.GET("/symbols", h.GetSymbols)
	s.router.POST("/fetch-data", h.FetchData)
}

// Home 服务信息
func (h *ProducerHandlers) Home(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "Financial Data Producer is running",
		"version": Version,
	})
}

// HealthCheck 健康检查处理程序
func (h *ProducerHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"queue_connected": h.queue.IsConnected(),
		"symbols":         h.fetcher.Symbols(),
		"last_cycle":      h.fetcher.LastReport(),
		"timestamp":       h.now().UTC().Format(time.RFC3339),
	})
}

// GetSymbols 配置的股票代码
func (h *ProducerHandlers) GetSymbols(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": h.fetcher.Symbols()})
}

// FetchData 后台触发一轮采集
func (h *ProducerHandlers) FetchData(c *gin.Context) {
	started := h.fetcher.TriggerAsync(c.Request.Context())

	message := "Data fetch initiated"
	if !started {
		message = "Data fetch already running"
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": message,
		"symbols": h.fetcher.Symbols(),
	})
}
