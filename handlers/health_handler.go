package handlers

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kiralightyagami/polling/keys"
	"github.com/kiralightyagami/polling/mq"
	"github.com/kiralightyagami/polling/store"
)

// SystemInfo contains basic system metrics and information
type SystemInfo struct {
	Status       string           `json:"status"`
	Version      string           `json:"version"`
	Uptime       string           `json:"uptime"`
	StartTime    time.Time        `json:"start_time"`
	CurrentTime  time.Time        `json:"current_time"`
	GoVersion    string           `json:"go_version"`
	NumGoroutine int              `json:"num_goroutine"`
	NumCPU       int              `json:"num_cpu"`
	Store        string           `json:"store"`
	StoreStatus  string           `json:"store_status"`
	Queue        string           `json:"queue"`
	QueueStats   map[string]int64 `json:"queue_stats,omitempty"`
}

// Version 应用版本，可通过构建参数注入
var Version = "0.1.0"

// queueStatser 支持统计的队列
type queueStatser interface {
	Stats(ctx context.Context) map[string]int64
}

// deadLetterRetrier 支持死信重试的队列
type deadLetterRetrier interface {
	RetryDeadLetters(ctx context.Context) (int, error)
}

// HealthHandler 健康检查和系统状态
type HealthHandler struct {
	store     store.Store
	queue     mq.Queue
	startTime time.Time
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(st store.Store, queue mq.Queue) *HealthHandler {
	return &HealthHandler{store: st, queue: queue, startTime: time.Now()}
}

// HealthCheck 提供基本健康检查端点
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// pingStore 读取一个不存在的地址检查存储是否可用
func (h *HealthHandler) pingStore(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := h.store.Get(ctx, keys.Address{}); err != nil && !errors.Is(err, store.ErrNotFound) {
		return "error"
	}
	return "ok"
}

// SystemStatus 提供详细的系统状态信息
func (h *HealthHandler) SystemStatus(c *gin.Context) {
	info := SystemInfo{
		Status:       "ok",
		Version:      Version,
		Uptime:       time.Since(h.startTime).String(),
		StartTime:    h.startTime,
		CurrentTime:  time.Now(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		Store:        h.store.Name(),
		StoreStatus:  h.pingStore(c.Request.Context()),
		Queue:        "none",
	}
	if h.queue != nil {
		info.Queue = h.queue.Name()
		if s, ok := h.queue.(queueStatser); ok {
			info.QueueStats = s.Stats(c.Request.Context())
		}
	}

	status := http.StatusOK
	if info.StoreStatus != "ok" {
		info.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, info)
}

// RetryDeadLetters 把死信队列中的事件移回主队列
func (h *HealthHandler) RetryDeadLetters(c *gin.Context) {
	r, ok := h.queue.(deadLetterRetrier)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "当前消息队列模式不支持死信队列操作",
			"code":  "NotSupported",
		})
		return
	}

	n, err := r.RetryDeadLetters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "Internal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": n})
}
