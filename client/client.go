// Package client 投票服务的HTTP客户端，写请求用ed25519私钥签名。
package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kiralightyagami/polling/keys"
	"github.com/kiralightyagami/polling/models"
	"github.com/kiralightyagami/polling/service"
)

// 与服务端保持一致的请求头
const (
	headerIdentity  = "X-Poll-Identity"
	headerSignature = "X-Poll-Signature"
)

// APIError 服务端返回的错误
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// Client 投票服务客户端
type Client struct {
	baseURL  string
	http     *http.Client
	key      ed25519.PrivateKey
	identity keys.Identity
}

// New 创建客户端，key为nil时只能调用只读接口
func New(baseURL string, key ed25519.PrivateKey) (*Client, error) {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		key:     key,
	}
	if key != nil {
		pub, ok := key.Public().(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("invalid private key")
		}
		id, err := keys.IdentityFromPublicKey(pub)
		if err != nil {
			return nil, err
		}
		c.identity = id
	}
	return c, nil
}

// WithHTTPClient 替换底层HTTP客户端
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// Identity 客户端身份
func (c *Client) Identity() keys.Identity {
	return c.identity
}

// CreatePoll 创建投票
func (c *Client) CreatePoll(ctx context.Context, req service.CreatePollRequest) (*models.Poll, error) {
	var poll models.Poll
	if err := c.do(ctx, http.MethodPost, "/api/polls", req, &poll); err != nil {
		return nil, err
	}
	return &poll, nil
}

// GetPoll 获取投票
func (c *Client) GetPoll(ctx context.Context, pollID uint32) (*models.Poll, error) {
	var poll models.Poll
	if err := c.do(ctx, http.MethodGet, pollPath(pollID), nil, &poll); err != nil {
		return nil, err
	}
	return &poll, nil
}

// CreateVoterAccount 在投票下注册
func (c *Client) CreateVoterAccount(ctx context.Context, pollID uint32) (*models.Voter, error) {
	var voter models.Voter
	if err := c.do(ctx, http.MethodPost, pollPath(pollID)+"/voters", nil, &voter); err != nil {
		return nil, err
	}
	return &voter, nil
}

// GetVoter 获取投票人记录
func (c *Client) GetVoter(ctx context.Context, pollID uint32, owner keys.Identity) (*models.Voter, error) {
	var voter models.Voter
	if err := c.do(ctx, http.MethodGet, pollPath(pollID)+"/voters/"+owner.String(), nil, &voter); err != nil {
		return nil, err
	}
	return &voter, nil
}

// CastVote 投票，option为选项下标
func (c *Client) CastVote(ctx context.Context, pollID uint32, option int64) (*service.VoteResult, error) {
	var result service.VoteResult
	body := map[string]int64{"option": option}
	if err := c.do(ctx, http.MethodPost, pollPath(pollID)+"/vote", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func pollPath(pollID uint32) string {
	return "/api/polls/" + strconv.FormatUint(uint64(pollID), 10)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.key != nil {
		req.Header.Set(headerIdentity, c.identity.String())
		req.Header.Set(headerSignature, keys.SignRequest(c.key, method, req.URL.RequestURI(), body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
