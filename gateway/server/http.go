// Package server 承载 Gateway 的 HTTP 服务。
package server

import (
	"context"
	"net/http"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/ceyewan/relay/gateway/api"
	"github.com/ceyewan/relay/gateway/middleware"
	"github.com/ceyewan/relay/pkg/health"
	"github.com/gin-gonic/gin"
)

// HTTPServer HTTP 服务包装器
type HTTPServer struct {
	addr    string
	logger  clog.Logger
	handler *api.Handler
	probe   *health.Probe
	limiter ratelimit.Limiter
	server  *http.Server
}

// NewHTTPServer 创建 HTTP 服务
func NewHTTPServer(addr string, logger clog.Logger, h *api.Handler, probe *health.Probe, limiter ratelimit.Limiter) *HTTPServer {
	return &HTTPServer{
		addr:    addr,
		logger:  logger,
		handler: h,
		probe:   probe,
		limiter: limiter,
	}
}

// Start 启动 HTTP 服务，阻塞直到服务退出
func (s *HTTPServer) Start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// 应用中间件
	router.Use(middleware.Recovery(s.logger))
	router.Use(middleware.Logger(s.logger))
	if s.limiter != nil {
		rl := middleware.NewRateLimitConfig(s.limiter, s.logger)
		router.Use(rl.GlobalIP(middleware.PredefinedRateLimits.GlobalLimit))
		router.Use(rl.IPBased(
			middleware.PredefinedRateLimits.APIIPLimits,
			middleware.PredefinedRateLimits.DefaultLimit,
		))
	}

	// 注册 API 路由
	s.handler.RegisterRoutes(router)

	// 健康检查
	router.GET("/health", gin.WrapF(s.probe.LivenessHandler()))
	router.GET("/ready", gin.WrapF(s.probe.ReadinessHandler()))

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	s.logger.Info("http server started", clog.String("addr", s.addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop 停止 HTTP 服务
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
