package routes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiralightyagami/polling/client"
	"github.com/kiralightyagami/polling/handlers"
	"github.com/kiralightyagami/polling/keys"
	"github.com/kiralightyagami/polling/mq"
	"github.com/kiralightyagami/polling/service"
	"github.com/kiralightyagami/polling/store"
	"github.com/kiralightyagami/polling/websocket"
)

// SetupTestServer 启动完整路由，事件经内存队列推送到hub
func SetupTestServer(t *testing.T) (*httptest.Server, *websocket.Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	st := store.NewMemoryStore()
	queue := mq.NewMemoryQueue(0)
	hub := websocket.NewHub()
	go hub.Run(ctx)
	require.NoError(t, queue.Consume(hub.HandleEvent))

	svc := service.NewPollService(st, nil, service.NewLocalLocker(), queue)
	router := SetupRouter(Dependencies{
		Service:     svc,
		Store:       st,
		Queue:       queue,
		Hub:         hub,
		RateLimiter: service.NewLocalRateLimiter(1000, 1000),
		AuthMode:    handlers.AuthModeSignature,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		_ = queue.Close()
		cancel()
	})
	return srv, hub
}

func newClient(t *testing.T, url string) *client.Client {
	t.Helper()
	_, priv, err := keys.GenerateIdentity()
	require.NoError(t, err)
	c, err := client.New(url, priv)
	require.NoError(t, err)
	return c
}

func apiCode(t *testing.T, err error) string {
	t.Helper()
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr), "expected APIError, got %v", err)
	return apiErr.Code
}

func TestRouter_Scenario(t *testing.T) {
	srv, _ := SetupTestServer(t)
	ctx := context.Background()
	owner, a, b, c := newClient(t, srv.URL), newClient(t, srv.URL), newClient(t, srv.URL), newClient(t, srv.URL)

	poll, err := owner.CreatePoll(ctx, service.CreatePollRequest{
		PollID:  1,
		Title:   "Four options",
		Options: []string{"one", "two", "three", "four"},
		EndTime: 1800000000,
	})
	require.NoError(t, err)
	assert.Equal(t, owner.Identity(), poll.Owner)

	_, err = a.CreateVoterAccount(ctx, 1)
	require.NoError(t, err)
	res, err := a.CastVote(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 0, 0, 0}, res.Poll.Tallies)
	assert.Equal(t, uint32(1), res.Voter.SelectedOption)

	_, err = a.CastVote(ctx, 1, 1)
	assert.Equal(t, "AlreadyVoted", apiCode(t, err))

	_, err = b.CreateVoterAccount(ctx, 1)
	require.NoError(t, err)
	res, err = b.CastVote(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 0, 0, 1}, res.Poll.Tallies)

	_, err = c.CreateVoterAccount(ctx, 1)
	require.NoError(t, err)
	_, err = c.CastVote(ctx, 1, 4)
	assert.Equal(t, "InvalidOption", apiCode(t, err))

	poll, err = c.GetPoll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 0, 0, 1}, poll.Tallies)

	voter, err := c.GetVoter(ctx, 1, a.Identity())
	require.NoError(t, err)
	assert.Equal(t, uint32(1), voter.SelectedOption)
}

func TestRouter_UnsignedClientRejected(t *testing.T) {
	srv, _ := SetupTestServer(t)
	anon, err := client.New(srv.URL, nil)
	require.NoError(t, err)

	_, err = anon.CreatePoll(context.Background(), service.CreatePollRequest{PollID: 1, Options: []string{"a"}})
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)

	// 只读接口不需要签名
	_, err = anon.GetPoll(context.Background(), 1)
	assert.Equal(t, "PollNotFound", apiCode(t, err))
}

func TestRouter_HealthAndCORS(t *testing.T) {
	srv, _ := SetupTestServer(t)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/polls", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", handlers.HeaderSignature)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRouter_EventsReachHub(t *testing.T) {
	srv, hub := SetupTestServer(t)
	ctx := context.Background()
	owner := newClient(t, srv.URL)

	_, err := owner.CreatePoll(ctx, service.CreatePollRequest{PollID: 2, Options: []string{"a", "b"}})
	require.NoError(t, err)

	conn, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/polls/2/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// 创建事件是异步投递的，可能在快照之后到达
	read := func() map[string]interface{} {
		for {
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			var msg map[string]interface{}
			require.NoError(t, conn.ReadJSON(&msg))
			if msg["type"] != websocket.MessagePollCreated {
				return msg
			}
		}
	}
	assert.Equal(t, websocket.MessagePollSnapshot, read()["type"])
	require.Eventually(t, func() bool { return hub.ClientCount(2) == 1 }, time.Second, 5*time.Millisecond)

	_, err = owner.CreateVoterAccount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageVoterRegistered, read()["type"])

	_, err = owner.CastVote(ctx, 2, 1)
	require.NoError(t, err)
	update := read()
	assert.Equal(t, websocket.MessageVoteUpdate, update["type"])
	payload := update["payload"].(map[string]interface{})
	assert.Equal(t, []interface{}{float64(0), float64(1)}, payload["tallies"])
}
