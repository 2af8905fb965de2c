package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "signature", cfg.Auth.Mode)
	assert.Equal(t, 30*time.Second, cfg.MQ.RetryDelay)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins())
	assert.False(t, cfg.NeedsRedis())
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("STORE_BACKEND", "sql")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("REDIS_ADDR", "cache:6380")
	t.Setenv("LOCK_BACKEND", "redis")
	t.Setenv("MQ_RETRY_DELAY", "2s")
	t.Setenv("RATE_LIMIT_RATE", "2.5")
	t.Setenv("CORS_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("ROCKETMQ_NAMESRV_ADDR", "ns1:9876;ns2:9876")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "sql", cfg.Store.Backend)
	assert.Equal(t, "postgres", cfg.DB.Driver)
	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Second, cfg.MQ.RetryDelay)
	assert.Equal(t, 2.5, cfg.RateLimit.Rate)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.CORSOrigins())
	assert.Equal(t, []string{"ns1:9876", "ns2:9876"}, cfg.NameServers())
	assert.True(t, cfg.NeedsRedis())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polld.yaml")
	content := []byte(`
server:
  port: "7000"
store:
  backend: redis
log:
  level: debug
  format: console
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	// 环境变量优先于配置文件
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"store", map[string]string{"STORE_BACKEND": "etcd"}, "STORE_BACKEND"},
		{"auth", map[string]string{"AUTH_MODE": "none"}, "AUTH_MODE"},
		{"mq", map[string]string{"MQ_BACKEND": "kafka"}, "MQ_BACKEND"},
		{"negative burst", map[string]string{"RATE_LIMIT_BURST": "-1"}, "RATE_LIMIT_BURST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
