// Package api assembles the gin engine, middleware chain and routes of the
// keyrotor HTTP server.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/keyrotor/keyrotor/internal/api/handlers/management"
	"github.com/keyrotor/keyrotor/internal/api/middleware"
	"github.com/keyrotor/keyrotor/internal/config"
	"github.com/keyrotor/keyrotor/internal/credential"
	"github.com/keyrotor/keyrotor/internal/dispatch"
	"github.com/keyrotor/keyrotor/internal/logging"
	"github.com/keyrotor/keyrotor/internal/metrics"
	"github.com/keyrotor/keyrotor/internal/policy"
	"github.com/keyrotor/keyrotor/internal/runtime/executor"
	"github.com/keyrotor/keyrotor/internal/usage"
	"github.com/keyrotor/keyrotor/sdk/api/handlers"
	"github.com/keyrotor/keyrotor/sdk/api/handlers/openai"
	log "github.com/sirupsen/logrus"
)

const rootMessage = "OpenRouter Key Rotator Proxy is running. Use POST /v1/chat/completions."

// Upstream is the OpenRouter client used by the server.
type Upstream interface {
	executor.Client
	executor.ModelLister
	CloseIdleConnections()
}

// Options carries the optional collaborators of a Server. Nil fields disable
// the corresponding feature.
type Options struct {
	ConfigPath string
	Limiter    policy.DailyLimiter
	UsageStore *usage.Store
	Recorder   *usage.Recorder
	Metrics    *metrics.Collector
}

// Server is the keyrotor HTTP server.
type Server struct {
	engine     *gin.Engine
	server     *http.Server
	live       *config.Live
	upstream   Upstream
	dispatcher *dispatch.Dispatcher
	handlers   *handlers.BaseAPIHandler
}

// NewServer wires the dispatcher, handlers and routes for the given credential pool.
func NewServer(live *config.Live, pool *credential.Pool, upstream Upstream, opts Options) *Server {
	cfg := live.Load()

	var observers []dispatch.Observer
	if opts.Metrics != nil {
		observers = append(observers, opts.Metrics)
	}
	if opts.Recorder != nil {
		observers = append(observers, opts.Recorder)
	}
	dispatcher := dispatch.New(pool, upstream, observers...)

	base := handlers.NewBaseAPIHandlers(&cfg.SDKConfig, dispatcher, upstream)
	base.Usage = opts.Recorder
	base.Metrics = opts.Metrics

	engine := gin.New()
	engine.Use(logging.GinRequestIDMiddleware(), logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	s := &Server{
		engine:     engine,
		live:       live,
		upstream:   upstream,
		dispatcher: dispatcher,
		handlers:   base,
	}
	s.setupRoutes(opts)

	s.server = &http.Server{
		Addr:              cfg.Address(),
		Handler:           engine,
		ReadHeaderTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(opts Options) {
	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": rootMessage})
	})
	if opts.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	var costReader usage.DailyCostReader
	if opts.UsageStore != nil {
		costReader = opts.UsageStore
	}

	openaiHandlers := openai.NewOpenAIAPIHandler(s.handlers)
	v1 := s.engine.Group("/v1")
	v1.Use(middleware.AuthMiddleware(s.live.Load))
	{
		v1.GET("/models", openaiHandlers.OpenAIModels)
		v1.POST("/chat/completions",
			middleware.AccessPolicyMiddleware(s.live.Load, opts.Limiter, costReader),
			openaiHandlers.ChatCompletions)
	}

	limitCounter, _ := opts.Limiter.(policy.LimitCounter)
	mgmt := management.NewHandler(s.live.Load, s.live.Store, opts.ConfigPath, opts.UsageStore, limitCounter)
	mgmt.Register(s.engine.Group("/v0/management"))
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Dispatcher returns the dispatcher serving chat completions.
func (s *Server) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Start listens on the configured address and blocks until the server stops.
func (s *Server) Start() error {
	log.Infof("keyrotor listening on %s with %d upstream credential(s)", s.server.Addr, s.dispatcher.Pool().Len())
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down and releases pooled upstream connections.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping API server...")
	err := s.server.Shutdown(ctx)
	s.upstream.CloseIdleConnections()
	if err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	log.Debug("API server stopped")
	return nil
}
