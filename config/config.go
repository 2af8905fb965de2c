// Package config 从环境变量和可选的配置文件加载服务配置。
//
// 键名与环境变量一一对应，例如 db.driver 对应 DB_DRIVER，redis.addr 对应 REDIS_ADDR。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 服务配置
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     BackendConfig   `mapstructure:"store"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RocketMQ  RocketMQConfig  `mapstructure:"rocketmq"`
	MQ        MQConfig        `mapstructure:"mq"`
	Lock      LockConfig      `mapstructure:"lock"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type BackendConfig struct {
	Backend string `mapstructure:"backend"` // memory | sql | redis
}

type DBConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	MaxConns int    `mapstructure:"max_conns"`
}

type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	PoolSize   int    `mapstructure:"pool_size"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type RocketMQConfig struct {
	NamesrvAddr string `mapstructure:"namesrv_addr"`
}

type MQConfig struct {
	Backend           string        `mapstructure:"backend"` // memory | redis | rocketmq | none
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
}

type LockConfig struct {
	Backend string        `mapstructure:"backend"` // none | local | redis
	Expiry  time.Duration `mapstructure:"expiry"`
}

type AuthConfig struct {
	Mode string `mapstructure:"mode"` // signature | header
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | console
}

type RateLimitConfig struct {
	Backend string  `mapstructure:"backend"` // none | local | redis
	Rate    float64 `mapstructure:"rate"`
	Burst   int     `mapstructure:"burst"`
}

type CORSConfig struct {
	Origins string `mapstructure:"origins"` // 逗号分隔，* 表示全部
}

// 默认值，同时也登记了所有可以从环境变量读取的键
var defaults = map[string]interface{}{
	"server.port":             "8080",
	"server.shutdown_timeout": 5 * time.Second,
	"store.backend":           "memory",
	"db.driver":               "sqlite",
	"db.dsn":                  "",
	"db.host":                 "localhost",
	"db.port":                 "3306",
	"db.user":                 "root",
	"db.password":             "",
	"db.name":                 "polling",
	"db.log_level":            "warn",
	"db.max_conns":            0,
	"redis.addr":              "localhost:6379",
	"redis.password":          "",
	"redis.db":                0,
	"redis.pool_size":         10,
	"redis.max_retries":       64,
	"rocketmq.namesrv_addr":   "localhost:9876",
	"mq.backend":              "memory",
	"mq.max_retries":          3,
	"mq.retry_delay":          30 * time.Second,
	"mq.processing_timeout":   5 * time.Minute,
	"lock.backend":            "local",
	"lock.expiry":             8 * time.Second,
	"auth.mode":               "signature",
	"log.level":               "info",
	"log.format":              "json",
	"rate_limit.backend":      "local",
	"rate_limit.rate":         10.0,
	"rate_limit.burst":        20,
	"cors.origins":            "*",
}

// Load 读取配置，环境变量优先于配置文件，path为空时只读取环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查各个后端的取值
func (c *Config) Validate() error {
	var errs []error
	check := func(name, value string, allowed ...string) {
		for _, a := range allowed {
			if strings.EqualFold(value, a) {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 取值无效: %q (可选 %s)", name, value, strings.Join(allowed, "|")))
	}

	check("STORE_BACKEND", c.Store.Backend, "memory", "sql", "redis")
	check("DB_DRIVER", c.DB.Driver, "sqlite", "mysql", "postgres")
	check("MQ_BACKEND", c.MQ.Backend, "memory", "redis", "rocketmq", "none")
	check("LOCK_BACKEND", c.Lock.Backend, "none", "local", "redis")
	check("AUTH_MODE", c.Auth.Mode, "signature", "header")
	check("LOG_FORMAT", c.Log.Format, "json", "console")
	check("RATE_LIMIT_BACKEND", c.RateLimit.Backend, "none", "local", "redis")

	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RATE 和 RATE_LIMIT_BURST 不能为负数"))
	}
	return errors.Join(errs...)
}

// NeedsRedis 是否有组件依赖Redis
func (c *Config) NeedsRedis() bool {
	return strings.EqualFold(c.Store.Backend, "redis") ||
		strings.EqualFold(c.MQ.Backend, "redis") ||
		strings.EqualFold(c.Lock.Backend, "redis") ||
		strings.EqualFold(c.RateLimit.Backend, "redis")
}

// CORSOrigins 解析允许的跨域来源
func (c *Config) CORSOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORS.Origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// NameServers 解析RocketMQ NameServer地址，多个地址用分号或逗号分隔
func (c *Config) NameServers() []string {
	fields := strings.FieldsFunc(c.RocketMQ.NamesrvAddr, func(r rune) bool { return r == ';' || r == ',' })
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}
