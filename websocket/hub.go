package websocket

import (
	"context"
	"encoding/json"
	"math"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/kiralightyagami/polling/mq"
)

// 推送给客户端的消息类型
const (
	MessagePollSnapshot    = "POLL_SNAPSHOT"
	MessagePollCreated     = "POLL_CREATED"
	MessageVoterRegistered = "VOTER_REGISTERED"
	MessageVoteUpdate      = "VOTE_UPDATE"
)

// Message 推送给客户端的消息
type Message struct {
	Type    string      `json:"type"`
	PollID  uint32      `json:"poll_id"`
	Payload interface{} `json:"payload"`
}

// ToJSON 将消息转换为JSON
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// sendBuffer 每个客户端的发送缓冲区大小
const sendBuffer = 256

// Client 代表一个WebSocket连接客户端
//
// 客户端先注册、再读取快照。注册到 start 之间广播的消息暂存在 held 中，
// start 先投递快照，再投递暂存消息里比快照新的部分，保证客户端不会错过事件，
// 也不会在快照之后收到更旧的计票。
type Client struct {
	// 连接的投票ID
	PollID uint32

	// WebSocket连接
	conn *websocket.Conn

	// 消息发送通道
	send chan []byte

	mu     sync.Mutex
	live   bool
	closed bool
	held   []heldMessage
}

type heldMessage struct {
	payload []byte
	votes   uint64
}

// newClient 创建尚未开始投递的客户端
func newClient(pollID uint32, conn *websocket.Conn) *Client {
	return &Client{
		PollID: pollID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
}

// deliver 投递一条消息，votes为消息携带的总票数，缓冲区已满时返回false
func (c *Client) deliver(payload []byte, votes uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	if !c.live {
		// 留一个位置给快照
		if len(c.held) >= sendBuffer-1 {
			return false
		}
		c.held = append(c.held, heldMessage{payload: payload, votes: votes})
		return true
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// start 投递快照和注册后暂存的消息，之后的消息直接进入发送通道
//
// 总票数低于快照的暂存消息已经反映在快照里，直接丢弃。
func (c *Client) start(snapshot []byte, votes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.live {
		return
	}
	c.live = true
	c.send <- snapshot
	for _, m := range c.held {
		if m.votes < votes {
			continue
		}
		c.send <- m.payload
	}
	c.held = nil
}

// close 关闭发送通道，只执行一次
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.held = nil
	close(c.send)
}

// Hub 维护活跃的客户端集合并向客户端广播消息
type Hub struct {
	// 已注册的客户端，按投票ID分组
	clients map[uint32]map[*Client]bool

	// Run退出后不再接受注册
	stopped bool

	// 互斥锁保护clients map
	mu sync.RWMutex
}

// NewHub 创建一个新的Hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[uint32]map[*Client]bool),
	}
}

// Run 等待ctx结束，然后关闭所有客户端
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	for _, clients := range h.clients {
		for client := range clients {
			h.removeLocked(client)
		}
	}
	log.Info().Msg("实时推送Hub已停止")
}

// removeLocked 移除客户端并关闭发送通道，调用方持有写锁
func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.clients[client.PollID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	client.close()
	if len(clients) == 0 {
		delete(h.clients, client.PollID)
	}
}

// BroadcastToPoll 向特定投票的所有连接客户端广播消息
func (h *Hub) BroadcastToPoll(pollID uint32, message *Message) {
	h.broadcast(pollID, message, math.MaxUint64)
}

func (h *Hub) broadcast(pollID uint32, message *Message, votes uint64) {
	payload, err := message.ToJSON()
	if err != nil {
		log.Error().Err(err).Msg("消息序列化失败")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.clients[pollID]
	for client := range clients {
		if !client.deliver(payload, votes) {
			// 如果客户端的发送缓冲区已满，关闭连接
			h.removeLocked(client)
		}
	}
	log.Debug().Uint32("poll_id", pollID).Int("clients", len(clients)).Msg("广播投票消息")
}

// HandleEvent 把队列中的事件推送给订阅该投票的客户端，作为 mq.Handler 使用
func (h *Hub) HandleEvent(_ context.Context, ev *mq.Event) error {
	var votes uint64
	for _, n := range ev.Tallies {
		votes += n
	}
	h.broadcast(ev.PollID, &Message{
		Type:    messageType(ev.Type),
		PollID:  ev.PollID,
		Payload: ev,
	}, votes)
	return nil
}

func messageType(t mq.EventType) string {
	switch t {
	case mq.EventPollCreated:
		return MessagePollCreated
	case mq.EventVoterRegistered:
		return MessageVoterRegistered
	default:
		return MessageVoteUpdate
	}
}

// ClientCount 订阅某个投票的客户端数量
func (h *Hub) ClientCount(pollID uint32) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[pollID])
}

// RegisterClient 注册客户端到Hub，返回时客户端已能收到广播，Hub已停止时返回false
func (h *Hub) RegisterClient(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	if _, ok := h.clients[client.PollID]; !ok {
		h.clients[client.PollID] = make(map[*Client]bool)
	}
	h.clients[client.PollID][client] = true
	log.Debug().Uint32("poll_id", client.PollID).Int("clients", len(h.clients[client.PollID])).Msg("客户端已注册")
	return true
}

// UnregisterClient 从Hub中注销客户端
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client)
	log.Debug().Uint32("poll_id", client.PollID).Msg("客户端已注销")
}
