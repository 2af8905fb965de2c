package websocket

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/kiralightyagami/polling/models"
	"github.com/kiralightyagami/polling/service"
)

const (
	// 写入超时
	writeWait = 10 * time.Second

	// 读取超时
	pongWait = 60 * time.Second

	// 发送ping间隔时间，必须小于pongWait
	pingPeriod = (pongWait * 9) / 10

	// 最大消息大小
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 允许所有跨域请求，跨域限制由CORS中间件负责
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// PollGetter 读取投票当前状态
type PollGetter interface {
	GetPoll(ctx context.Context, pollID uint32) (*models.Poll, error)
}

// Handler WebSocket处理器
type Handler struct {
	hub   *Hub
	polls PollGetter
}

// NewHandler 创建WebSocket处理器
func NewHandler(hub *Hub, polls PollGetter) *Handler {
	return &Handler{hub: hub, polls: polls}
}

// RegisterRoutes 注册WebSocket和SSE路由
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/polls/:id/ws", h.HandleWebSocketConnection)
	group.GET("/polls/:id/live", h.HandleSSE)
}

// HandleWebSocketConnection 处理WebSocket连接请求，连接建立后先推送投票快照
func (h *Handler) HandleWebSocketConnection(c *gin.Context) {
	pollID, ok := h.pollParam(c)
	if !ok {
		return
	}

	// 升级HTTP连接为WebSocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("升级WebSocket连接失败")
		return
	}

	client := newClient(pollID, conn)
	if !h.hub.RegisterClient(client) {
		closeConn(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}

	// 注册之后再读快照，之后提交的事件都会推送到这个客户端
	snapshot, votes, err := h.snapshot(c.Request.Context(), pollID)
	if err != nil {
		log.Error().Err(err).Uint32("poll_id", pollID).Msg("读取投票快照失败")
		h.hub.UnregisterClient(client)
		closeConn(conn, websocket.CloseInternalServerErr, "snapshot unavailable")
		return
	}
	client.start(snapshot, votes)

	// 启动客户端goroutine
	go h.writePump(client)
	go h.readPump(client)

	log.Debug().Uint32("poll_id", pollID).Msg("WebSocket连接已建立")
}

// pollParam 解析投票ID并确认投票存在，失败时已写出响应
func (h *Handler) pollParam(c *gin.Context) (uint32, bool) {
	pollID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid poll ID", "code": "InvalidPollID"})
		return 0, false
	}

	if _, err := h.polls.GetPoll(c.Request.Context(), uint32(pollID)); err != nil {
		if errors.Is(err, service.ErrPollNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "PollNotFound"})
			return 0, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "code": "Internal"})
		return 0, false
	}
	return uint32(pollID), true
}

// snapshot 读取投票当前状态，返回序列化的快照消息和总票数
func (h *Handler) snapshot(ctx context.Context, pollID uint32) ([]byte, uint64, error) {
	poll, err := h.polls.GetPoll(ctx, pollID)
	if err != nil {
		return nil, 0, err
	}
	payload, err := (&Message{Type: MessagePollSnapshot, PollID: poll.ID, Payload: poll}).ToJSON()
	if err != nil {
		return nil, 0, err
	}
	return payload, poll.TotalVotes(), nil
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}

// readPump 从WebSocket连接读取消息，客户端只接收推送，读到的消息被丢弃
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.UnregisterClient(client)
		_ = client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("读取WebSocket消息失败")
			}
			return
		}
	}
}

// writePump 向WebSocket连接发送消息，每条消息一个帧
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// 通道已关闭
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
