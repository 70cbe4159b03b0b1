package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"tez-core/internal/backend"
	"tez-core/internal/monitor"
	"tez-core/pkg/hostinfo"
)

// Backend is the read side of the backend coordinator served over HTTP.
type Backend interface {
	Health(ctx context.Context) backend.HealthStatus
	SystemStatus() backend.SystemStatus
}

// Options configure the HTTP server.
type Options struct {
	Backend  Backend
	Bridge   *Bridge
	Hub      *Hub
	Metrics  *monitor.SystemMetrics
	Prom     *monitor.Prom
	Verifier *hostinfo.Verifier // nil disables auth
	RateRPS  float64
	Burst    int
	Timeout  time.Duration
}

// Server wires HTTP endpoints around the command bridge and data hub.
type Server struct {
	Router   *gin.Engine
	Backend  Backend
	Bridge   *Bridge
	Hub      *Hub
	Metrics  *monitor.SystemMetrics
	Prom     *monitor.Prom
	Verifier *hostinfo.Verifier

	mu   sync.Mutex
	http *http.Server
}

func NewServer(o Options) *Server {
	if o.RateRPS <= 0 {
		o.RateRPS = 20
	}
	if o.Burst <= 0 {
		o.Burst = 50
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(o.Metrics))
	r.Use(RateLimitMiddleware(o.RateRPS, o.Burst))
	r.Use(TimeoutMiddleware(o.Timeout))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:   r,
		Backend:  o.Backend,
		Bridge:   o.Bridge,
		Hub:      o.Hub,
		Metrics:  o.Metrics,
		Prom:     o.Prom,
		Verifier: o.Verifier,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	if s.Prom != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Prom.Handler()))
	}
	if s.Hub != nil {
		s.Router.GET("/ws", AuthMiddleware(s.Verifier), s.websocket)
	}

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.Verifier))
	{
		api.GET("/status", s.systemStatus)
		api.POST("/command", s.command)
		api.POST("/commands/:name", s.namedCommand)
	}
}

func (s *Server) health(c *gin.Context) {
	if s.Backend == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	h := s.Backend.Health(c.Request.Context())
	code := http.StatusOK
	if h.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

func (s *Server) systemStatus(c *gin.Context) {
	if s.Backend == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend not ready"})
		return
	}
	c.JSON(http.StatusOK, s.Backend.SystemStatus())
}

type commandRequest struct {
	Command string `json:"command" binding:"required"`
	Payload any    `json:"payload"`
}

func (s *Server) command(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": err.Error(),
		})
		return
	}
	s.call(c, req.Command, req.Payload)
}

// namedCommand takes the command from the path and the raw body as payload.
func (s *Server) namedCommand(c *gin.Context) {
	var payload any
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":  "INVALID_PAYLOAD",
				"error": err.Error(),
			})
			return
		}
	}
	s.call(c, strings.ToUpper(c.Param("name")), payload)
}

func (s *Server) call(c *gin.Context, name string, payload any) {
	if s.Bridge == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend not ready"})
		return
	}
	resp, err := s.Bridge.Call(c.Request.Context(), name, payload)
	switch {
	case errors.Is(err, ErrCommandTimeout), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"code": "TIMEOUT", "error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": "CHANNEL_ERROR", "error": err.Error()})
		return
	}
	code := http.StatusOK
	if !resp.Success {
		code = http.StatusUnprocessableEntity
	}
	c.JSON(code, resp)
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
