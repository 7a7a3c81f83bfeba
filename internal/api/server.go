// Package api exposes the engine over HTTP: REST control surface, a
// websocket event feed, and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"bybit-trading-engine/internal/circuit"
	"bybit-trading-engine/internal/engine"
	"bybit-trading-engine/internal/events"
)

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ProductionMode bool   `json:"production_mode"`
	JWTSecret      string `json:"jwt_secret"`
	APIKey         string `json:"api_key"` // exchanged for a JWT at login
	AuthEnabled    bool   `json:"auth_enabled"`
}

// DefaultServerConfig returns local development settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:        "0.0.0.0",
		Port:        8080,
		AuthEnabled: false,
	}
}

// RateLimiter provides simple in-memory rate limiting per endpoint.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}
	r.requests[key] = append(recent, now)
	return true
}

// Server is the HTTP API server.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	engine      *engine.Engine
	breaker     *circuit.Breaker
	bus         *events.EventBus
	hub         *WSHub
	jwt         *JWTManager
	config      ServerConfig
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer wires routes, middleware, and the websocket hub.
func NewServer(
	config ServerConfig,
	eng *engine.Engine,
	breaker *circuit.Breaker,
	bus *events.EventBus,
	registry *prometheus.Registry,
	logger zerolog.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		engine:      eng,
		breaker:     breaker,
		bus:         bus,
		hub:         NewWSHub(logger),
		config:      config,
		rateLimiter: NewRateLimiter(120, time.Minute),
		logger:      logger.With().Str("component", "APIServer").Logger(),
	}
	if config.AuthEnabled {
		s.jwt = NewJWTManager(config.JWTSecret, 24*time.Hour)
	}

	s.setupRoutes()
	if registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	// Stream every engine event to websocket subscribers
	bus.SubscribeAll(s.hub.BroadcastEvent)
	go s.hub.Run()

	return s
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"path":  path,
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/api/auth/login", s.handleLogin)
	s.router.GET("/ws", s.handleWebSocket)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	if s.config.AuthEnabled {
		api.Use(AuthMiddleware(s.jwt))
	}

	api.GET("/positions", s.handlePositions)
	api.GET("/positions/:id", s.handlePosition)
	api.GET("/positions/:id/risk", s.handlePositionRisk)
	api.POST("/positions/open", s.handleOpenPosition)
	api.POST("/positions/:id/close", s.handleClosePosition)

	api.GET("/modes", s.handleModeStatus)
	api.POST("/modes/:mode/toggle", s.handleToggleMode)

	api.GET("/portfolio", s.handlePortfolioSummary)
	api.POST("/portfolio/reset", s.handlePortfolioReset)
	api.POST("/portfolio/reconcile", s.handleForceReconcile)

	api.GET("/circuit", s.handleCircuitStatus)
	api.POST("/circuit/reset", s.handleCircuitReset)

	api.GET("/executions", s.handleExecutionStates)
	api.GET("/tasks", s.handleMonitoringTasks)
}

// Start runs the server until the context ends.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("API server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}
