package cmd

import (
	"context"
	"fmt"
	"math"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kiralightyagami/polling/cache"
	"github.com/kiralightyagami/polling/config"
	"github.com/kiralightyagami/polling/database"
	"github.com/kiralightyagami/polling/logging"
	"github.com/kiralightyagami/polling/mq"
	"github.com/kiralightyagami/polling/repository"
	"github.com/kiralightyagami/polling/routes"
	"github.com/kiralightyagami/polling/service"
	"github.com/kiralightyagami/polling/store"
	"github.com/kiralightyagami/polling/websocket"
)

func newServeCmd(configPath *string) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动HTTP服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Server.Port = port
			}
			if err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()); err != nil {
				return err
			}
			if !strings.EqualFold(cfg.Log.Level, "debug") {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "监听端口，覆盖SERVER_PORT")
	return cmd
}

// runServer 启动服务并阻塞到ctx结束，然后优雅关闭
func runServer(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	srv := routes.StartServer(":"+cfg.Server.Port, a.router)
	log.Info().
		Str("store", a.store.Name()).
		Str("queue", a.queue.Name()).
		Str("lock", cfg.Lock.Backend).
		Str("auth", cfg.Auth.Mode).
		Msg("服务已就绪")

	<-ctx.Done()
	log.Info().Msg("关闭服务器...")

	if err := srv.Stop(cfg.Server.ShutdownTimeout); err != nil {
		log.Error().Err(err).Msg("服务器强制关闭")
		return err
	}
	log.Info().Msg("服务器优雅关闭")
	return nil
}

// app 一个服务实例的全部组件
type app struct {
	redis  *redis.Client
	store  store.Store
	queue  mq.Queue
	hub    *websocket.Hub
	router *gin.Engine
	stop   context.CancelFunc
}

// newApp 按配置装配存储、队列、锁、限流器和路由
func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// RocketMQ不可用时可以降级到Redis MQ，所以Redis是可选的
	wantRedis := strings.EqualFold(cfg.MQ.Backend, "rocketmq")
	if cfg.NeedsRedis() || wantRedis {
		client, rerr := cache.NewClient(ctx, cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		switch {
		case rerr == nil:
			a.redis = client
		case cfg.NeedsRedis():
			return nil, rerr
		default:
			log.Warn().Err(rerr).Msg("Redis不可用，RocketMQ失败时无法降级")
		}
	}

	if a.store, err = openStore(cfg, a.redis); err != nil {
		return nil, err
	}

	a.queue, err = mq.NewQueue(mq.Config{
		Backend:     cfg.MQ.Backend,
		NameServers: cfg.NameServers(),
		Redis: mq.RedisMQOptions{
			ProcessingTimeout: cfg.MQ.ProcessingTimeout,
			RetryDelay:        cfg.MQ.RetryDelay,
			MaxRetries:        cfg.MQ.MaxRetries,
		},
	}, a.universalClient())
	if err != nil {
		return nil, fmt.Errorf("初始化消息队列失败: %w", err)
	}

	// hub是事件队列的消费者，把事件推送给订阅的连接
	hubCtx, stop := context.WithCancel(context.Background())
	a.stop = stop
	a.hub = websocket.NewHub()
	go a.hub.Run(hubCtx)
	if err = a.queue.Consume(a.hub.HandleEvent); err != nil {
		return nil, fmt.Errorf("注册事件处理函数失败: %w", err)
	}

	svc := service.NewPollService(a.store, repository.NewRecordRepository(), newLocker(cfg, a.redis), a.queue)

	a.router = routes.SetupRouter(routes.Dependencies{
		Service:     svc,
		Store:       a.store,
		Queue:       a.queue,
		Hub:         a.hub,
		RateLimiter: newRateLimiter(cfg, a.redis),
		AuthMode:    cfg.Auth.Mode,
		CORSOrigins: cfg.CORSOrigins(),
	})
	return a, nil
}

// universalClient 没有Redis时返回nil接口
func (a *app) universalClient() redis.UniversalClient {
	if a.redis == nil {
		return nil
	}
	return a.redis
}

func (a *app) close() {
	if a.stop != nil {
		a.stop()
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			log.Warn().Err(err).Msg("关闭消息队列失败")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("关闭存储失败")
		}
	}
	// Redis存储会自己关闭客户端
	if a.redis != nil && (a.store == nil || a.store.Name() != "redis") {
		_ = a.redis.Close()
	}
}

func openStore(cfg *config.Config, client *redis.Client) (store.Store, error) {
	switch strings.ToLower(cfg.Store.Backend) {
	case "sql":
		db, err := database.Open(database.Config{
			Driver:   cfg.DB.Driver,
			DSN:      cfg.DB.DSN,
			Host:     cfg.DB.Host,
			Port:     cfg.DB.Port,
			User:     cfg.DB.User,
			Password: cfg.DB.Password,
			Name:     cfg.DB.Name,
			LogLevel: cfg.DB.LogLevel,
			MaxConns: cfg.DB.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		return database.NewSQLStore(db), nil
	case "redis":
		return cache.NewRedisStore(client, cfg.Redis.MaxRetries), nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func newLocker(cfg *config.Config, client *redis.Client) service.Locker {
	switch strings.ToLower(cfg.Lock.Backend) {
	case "redis":
		return cache.NewDistributedLockService(client, cfg.Lock.Expiry)
	case "none":
		return service.NoopLocker{}
	default:
		return service.NewLocalLocker()
	}
}

func newRateLimiter(cfg *config.Config, client *redis.Client) service.RateLimiter {
	switch strings.ToLower(cfg.RateLimit.Backend) {
	case "redis":
		return cache.NewTokenBucketRateLimiter(client, "api", int(math.Ceil(cfg.RateLimit.Rate)), cfg.RateLimit.Burst)
	case "local":
		return service.NewLocalRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
	default:
		return nil
	}
}
