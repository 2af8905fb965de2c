package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/kiralightyagami/polling/api"
	"github.com/kiralightyagami/polling/handlers"
	"github.com/kiralightyagami/polling/mq"
	"github.com/kiralightyagami/polling/service"
	"github.com/kiralightyagami/polling/store"
	"github.com/kiralightyagami/polling/websocket"
)

// Dependencies 路由依赖
type Dependencies struct {
	Service     service.PollService
	Store       store.Store
	Queue       mq.Queue
	Hub         *websocket.Hub
	RateLimiter service.RateLimiter
	AuthMode    string
	CORSOrigins []string
}

// Server 是HTTP服务器的封装
type Server struct {
	*http.Server
}

// SetupRouter 设置和配置Gin路由
func SetupRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger())

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	// 配置CORS中间件
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", handlers.HeaderIdentity, handlers.HeaderSignature},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: len(origins) != 1 || origins[0] != "*",
		MaxAge:           12 * time.Hour,
	}))

	rateLimit := handlers.NewRateLimit(deps.RateLimiter)
	health := handlers.NewHealthHandler(deps.Store, deps.Queue)

	apiGroup := router.Group("/api")
	{
		// 全局API限流中间件，此时身份未验证，按客户端IP限流
		apiGroup.Use(rateLimit.Middleware())

		// 健康检查和状态端点
		apiGroup.GET("/health", health.HealthCheck)
		apiGroup.GET("/status", health.SystemStatus)

		// 写操作验证身份后再按调用者限流
		api.NewPollController(deps.Service).RegisterRoutes(apiGroup,
			handlers.IdentityMiddleware(deps.AuthMode),
			rateLimit.Middleware(),
		)

		// 实时更新端点
		if deps.Hub != nil {
			websocket.NewHandler(deps.Hub, deps.Service).RegisterRoutes(apiGroup)
		}

		// 管理员相关API
		admin := apiGroup.Group("/admin")
		{
			admin.GET("/ratelimit/stats", rateLimit.GetRateLimiterStats)
			admin.POST("/mq/retry", health.RetryDeadLetters)
		}
	}

	return router
}

// StartServer 在后台启动HTTP服务器
func StartServer(addr string, router *gin.Engine) *Server {
	srv := &Server{
		&http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	go func() {
		log.Info().Str("addr", addr).Msg("服务器启动")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("服务器启动失败")
		}
	}()

	return srv
}

// Stop 优雅关闭服务器
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}
