package websocket

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiralightyagami/polling/keys"
	"github.com/kiralightyagami/polling/models"
	"github.com/kiralightyagami/polling/mq"
	"github.com/kiralightyagami/polling/service"
)

type fakePolls map[uint32]*models.Poll

func (f fakePolls) GetPoll(_ context.Context, id uint32) (*models.Poll, error) {
	p, ok := f[id]
	if !ok {
		return nil, service.ErrPollNotFound
	}
	return p, nil
}

func setupServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	go hub.Run(ctx)

	polls := fakePolls{1: models.NewPoll(1, "Lunch", "", []string{"Noodles", "Tacos"}, 0, keys.Identity{})}
	router := gin.New()
	NewHandler(hub, polls).RegisterRoutes(router.Group("/api"))

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHandler_SnapshotThenEvents(t *testing.T) {
	hub, srv := setupServer(t)
	conn := dial(t, srv, "/api/polls/1/ws")

	snapshot := readMessage(t, conn)
	assert.Equal(t, MessagePollSnapshot, snapshot["type"])
	assert.Equal(t, float64(1), snapshot["poll_id"])

	require.Eventually(t, func() bool { return hub.ClientCount(1) == 1 }, time.Second, 5*time.Millisecond)

	ev := mq.NewEvent(mq.EventVoteCast, 1, keys.Identity{2}, []uint64{0, 1}).WithOption(1)
	require.NoError(t, hub.HandleEvent(context.Background(), ev))
	// 其他投票的事件不会推送到这个连接
	require.NoError(t, hub.HandleEvent(context.Background(), mq.NewEvent(mq.EventVoteCast, 2, keys.Identity{}, nil)))

	update := readMessage(t, conn)
	assert.Equal(t, MessageVoteUpdate, update["type"])
	payload := update["payload"].(map[string]interface{})
	assert.Equal(t, ev.ID, payload["id"])
	assert.Equal(t, []interface{}{float64(0), float64(1)}, payload["tallies"])
}

func TestHandler_UnknownPoll(t *testing.T) {
	_, srv := setupServer(t)

	resp, err := http.Get(srv.URL + "/api/polls/42/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/api/polls/abc/ws")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestHub_UnregisterOnDisconnect(t *testing.T) {
	hub, srv := setupServer(t)
	conn := dial(t, srv, "/api/polls/1/ws")
	readMessage(t, conn)

	require.Eventually(t, func() bool { return hub.ClientCount(1) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount(1) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestMessageType(t *testing.T) {
	assert.Equal(t, MessagePollCreated, messageType(mq.EventPollCreated))
	assert.Equal(t, MessageVoterRegistered, messageType(mq.EventVoterRegistered))
	assert.Equal(t, MessageVoteUpdate, messageType(mq.EventVoteCast))
}

func TestHandleSSE(t *testing.T) {
	hub, srv := setupServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/polls/1/live", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	nextData := func() map[string]interface{} {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data:") {
				var msg map[string]interface{}
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &msg))
				return msg
			}
		}
	}

	assert.Equal(t, MessagePollSnapshot, nextData()["type"])

	require.Eventually(t, func() bool { return hub.ClientCount(1) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.HandleEvent(context.Background(), mq.NewEvent(mq.EventVoterRegistered, 1, keys.Identity{3}, []uint64{0, 0})))
	assert.Equal(t, MessageVoterRegistered, nextData()["type"])

	cancel()
	assert.Eventually(t, func() bool { return hub.ClientCount(1) == 0 }, 2*time.Second, 10*time.Millisecond)
}

// drain 读出发送通道里已有的消息，格式为类型加计票
func drain(t *testing.T, client *Client) []string {
	t.Helper()
	var out []string
	for {
		select {
		case data, ok := <-client.send:
			if !ok {
				return out
			}
			var msg struct {
				Type    string `json:"type"`
				Payload struct {
					Tallies []uint64 `json:"tallies"`
				} `json:"payload"`
			}
			require.NoError(t, json.Unmarshal(data, &msg))
			out = append(out, fmt.Sprintf("%s%v", msg.Type, msg.Payload.Tallies))
		default:
			return out
		}
	}
}

// 注册后、快照前广播的事件不会丢失，也不会在快照之后推送更旧的计票
func TestClient_EventsBetweenRegisterAndSnapshot(t *testing.T) {
	hub := NewHub()
	client := newClient(1, nil)
	require.True(t, hub.RegisterClient(client))

	ctx := context.Background()
	require.NoError(t, hub.HandleEvent(ctx, mq.NewEvent(mq.EventVoteCast, 1, keys.Identity{2}, []uint64{1, 0})))
	require.NoError(t, hub.HandleEvent(ctx, mq.NewEvent(mq.EventVoteCast, 1, keys.Identity{3}, []uint64{1, 1})))
	require.NoError(t, hub.HandleEvent(ctx, mq.NewEvent(mq.EventVoteCast, 1, keys.Identity{4}, []uint64{2, 1})))
	assert.Empty(t, drain(t, client))

	poll := models.NewPoll(1, "Lunch", "", []string{"Noodles", "Tacos"}, 0, keys.Identity{})
	poll.Tallies = []uint64{1, 1}
	snapshot, err := (&Message{Type: MessagePollSnapshot, PollID: 1, Payload: poll}).ToJSON()
	require.NoError(t, err)
	client.start(snapshot, poll.TotalVotes())

	require.NoError(t, hub.HandleEvent(ctx, mq.NewEvent(mq.EventVoteCast, 1, keys.Identity{5}, []uint64{2, 2})))

	assert.Equal(t, []string{
		MessagePollSnapshot + "[1 1]",
		MessageVoteUpdate + "[1 1]",
		MessageVoteUpdate + "[2 1]",
		MessageVoteUpdate + "[2 2]",
	}, drain(t, client))
}

func TestHub_StopClosesClients(t *testing.T) {
	hub := NewHub()
	client := newClient(1, nil)
	require.True(t, hub.RegisterClient(client))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	_, ok := <-client.send
	assert.False(t, ok)
	assert.Equal(t, 0, hub.ClientCount(1))
	assert.False(t, hub.RegisterClient(newClient(1, nil)))
}
