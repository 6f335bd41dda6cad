package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"QuoteStream/pkg/model"
	"QuoteStream/pkg/monitor"
	"QuoteStream/pkg/processor"
)

// maxHours 查询窗口上限，与保留期一致
const maxHours = 24 * 30

// StatsReader 统计查询
type StatsReader interface {
	GetStatistics(ctx context.Context, symbol string, window time.Duration) (*model.Statistics, error)
	RecentRecords(ctx context.Context, symbol string, window time.Duration) ([]model.StockRecord, error)
}

// ConsumerStats 消费计数
type ConsumerStats interface {
	Stats() processor.Stats
}

// ProcessorHandlers 处理服务处理程序
type ProcessorHandlers struct {
	store    StatsReader
	monitor  *monitor.Monitor
	consumer ConsumerStats
	now      func() time.Time
}

// NewProcessorHandlers 创建处理服务处理程序
func NewProcessorHandlers(store StatsReader, mon *monitor.Monitor, consumer ConsumerStats) *ProcessorHandlers {
	return &ProcessorHandlers{store: store, monitor: mon, consumer: consumer, now: time.Now}
}

// RegisterProcessorRoutes 设置处理服务路由
func (s *Server) RegisterProcessorRoutes(h *ProcessorHandlers) {
	s.router.GET("/health", h.HealthCheck)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/stats/:symbol", h.GetStats)
		v1.GET("/records/:symbol", h.GetRecords)
	}
}

// HealthCheck 组件健康状态，任一组件不健康时返回503
func (h *ProcessorHandlers) HealthCheck(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	if !h.monitor.Healthy() {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":     status,
		"components": h.monitor.GetAllStatus(),
		"consumer":   h.consumer.Stats(),
		"timestamp":  h.now().UTC().Format(time.RFC3339),
	})
}

// GetStats 窗口统计
func (h *ProcessorHandlers) GetStats(c *gin.Context) {
	symbol, hours, ok := symbolAndHours(c)
	if !ok {
		return
	}

	stats, err := h.store.GetStatistics(c.Request.Context(), symbol, time.Duration(hours)*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取统计数据失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"hours": hours,
		"data":  stats,
	})
}

// GetRecords 窗口内的行情记录，按时间倒序
func (h *ProcessorHandlers) GetRecords(c *gin.Context) {
	symbol, hours, ok := symbolAndHours(c)
	if !ok {
		return
	}

	records, err := h.store.RecentRecords(c.Request.Context(), symbol, time.Duration(hours)*time.Hour)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取行情记录失败: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"hours":  hours,
		"count":  len(records),
		"data":   records,
	})
}

func symbolAndHours(c *gin.Context) (string, int, bool) {
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol参数不能为空"})
		return "", 0, false
	}

	hours := 24
	if raw := c.Query("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHours {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours参数无效", "hours": raw})
			return "", 0, false
		}
		hours = n
	}
	return symbol, hours, true
}
