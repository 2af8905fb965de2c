package websocket

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// sseHeartbeat 心跳间隔
var sseHeartbeat = 15 * time.Second

// HandleSSE 以Server-Sent Events推送与WebSocket相同的消息
func (h *Handler) HandleSSE(c *gin.Context) {
	pollID, ok := h.pollParam(c)
	if !ok {
		return
	}

	client := newClient(pollID, nil)
	if !h.hub.RegisterClient(client) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "服务正在关闭", "code": "Unavailable"})
		return
	}
	defer h.hub.UnregisterClient(client)

	snapshot, votes, err := h.snapshot(c.Request.Context(), pollID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "Internal"})
		return
	}
	// 快照作为第一条消息从发送通道推出
	client.start(snapshot, votes)

	// 设置SSE所需的HTTP头
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no") // 禁用Nginx缓冲

	log.Debug().Uint32("poll_id", pollID).Str("client_ip", c.ClientIP()).Msg("已注册SSE客户端")

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case msg, ok := <-client.send:
			if !ok {
				return false
			}
			c.Render(-1, sseData(msg))
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", time.Now().Format(time.RFC3339))
			return true
		}
	})
}

// sseData 直接写出已经序列化好的消息
type sseData []byte

func (d sseData) Render(w http.ResponseWriter) error {
	if _, err := w.Write([]byte("event:message\ndata:")); err != nil {
		return err
	}
	if _, err := w.Write(d); err != nil {
		return err
	}
	_, err := w.Write([]byte("\n\n"))
	return err
}

func (d sseData) WriteContentType(w http.ResponseWriter) {
	header := w.Header()
	if len(header["Content-Type"]) == 0 {
		header["Content-Type"] = []string{"text/event-stream"}
	}
}
