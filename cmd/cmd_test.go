package cmd

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiralightyagami/polling/config"
	"github.com/kiralightyagami/polling/keys"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// run 执行命令并返回标准输出
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAddressCmd(t *testing.T) {
	out, err := run(t, "address", "poll", "7")
	require.NoError(t, err)
	assert.Equal(t, keys.PollAddress(7).String(), strings.TrimSpace(out))

	id := keys.Identity{9}
	out, err = run(t, "address", "voter", "7", id.String())
	require.NoError(t, err)
	assert.Equal(t, keys.VoterAddress(7, id).String(), strings.TrimSpace(out))

	_, err = run(t, "address", "poll", "-1")
	assert.Error(t, err)
	_, err = run(t, "address", "voter", "7", "nothex")
	assert.Error(t, err)
}

func TestKeygenCmd(t *testing.T) {
	out, err := run(t, "keygen")
	require.NoError(t, err)

	fields := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		k, v, ok := strings.Cut(line, ":")
		require.True(t, ok)
		fields[k] = strings.TrimSpace(v)
	}

	priv, err := keys.ParsePrivateKey(fields["private_key"])
	require.NoError(t, err)
	id, err := keys.ParseIdentity(fields["identity"])
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey(), priv.Public())
}

func startApp(t *testing.T, cfg *config.Config) string {
	t.Helper()
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(a.router)
	t.Cleanup(func() {
		srv.Close()
		a.close()
	})
	return srv.URL
}

func TestScenario_MemoryStack(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	url := startApp(t, cfg)

	out, err := run(t, "scenario", "--server", url, "--poll-id", "11")
	require.NoError(t, err)
	assert.Contains(t, out, "场景通过: 投票 11 计票 [1 0 0 1]")

	// 同一个投票ID不能重复创建
	_, err = run(t, "scenario", "--server", url, "--poll-id", "11")
	assert.ErrorContains(t, err, "AlreadyExists")
}

func TestScenario_RedisStack(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("STORE_BACKEND", "redis")
	t.Setenv("MQ_BACKEND", "redis")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("RATE_LIMIT_BACKEND", "redis")

	cfg, err := config.Load("")
	require.NoError(t, err)
	url := startApp(t, cfg)

	out, err := run(t, "scenario", "--server", url, "--poll-id", "12")
	require.NoError(t, err)
	assert.Contains(t, out, "计票 [1 0 0 1]")
	assert.True(t, mr.Exists("record:"+keys.PollAddress(12).String()))
}

func TestScenario_SQLStack(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sql")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", "file:cmd_scenario?mode=memory&cache=shared")
	t.Setenv("LOCK_BACKEND", "none")
	t.Setenv("MQ_BACKEND", "none")

	cfg, err := config.Load("")
	require.NoError(t, err)
	url := startApp(t, cfg)

	_, err = run(t, "scenario", "--server", url, "--poll-id", "13")
	require.NoError(t, err)
}

func TestNewApp_RedisUnavailable(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	t.Setenv("STORE_BACKEND", "redis")

	cfg, err := config.Load("")
	require.NoError(t, err)
	_, err = newApp(context.Background(), cfg)
	assert.Error(t, err)
}
