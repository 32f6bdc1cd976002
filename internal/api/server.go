// Package api serves the simulator over HTTP with gin.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/3cpo-dev/fleetsim/internal/sim"
	"github.com/3cpo-dev/fleetsim/internal/telemetry"
	wire "github.com/3cpo-dev/fleetsim/pkg/api"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Journal is the persistent event history, when one is configured.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]sim.MachineEvent, error)
	ForMachine(ctx context.Context, machineID string) ([]sim.MachineEvent, error)
}

type Config struct {
	Orchestrator *sim.Orchestrator
	Metrics      *telemetry.Metrics
	Health       *telemetry.Health
	Journal      Journal
	// Token, when set, is required on every /v1 route as a bearer token or
	// X-Auth-Token header.
	Token   string
	Version string
}

type Server struct {
	orch    *sim.Orchestrator
	metrics *telemetry.Metrics
	health  *telemetry.Health
	journal Journal
	token   string
	version string

	broker      *Broker
	unsubscribe func()

	mu  sync.Mutex
	srv *http.Server
}

func NewServer(cfg Config) *Server {
	s := &Server{
		orch:    cfg.Orchestrator,
		metrics: cfg.Metrics,
		health:  cfg.Health,
		journal: cfg.Journal,
		token:   cfg.Token,
		version: cfg.Version,
		broker:  NewBroker(64),
	}
	if s.health == nil {
		s.health = telemetry.NewHealth()
	}
	s.unsubscribe = s.orch.OnEvent(s.broker.Publish)
	return s
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), clientIdentity(), s.logRequests())
	s.routes(r)
	return r
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/health", s.getHealth)
	r.GET("/version", s.getVersion)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := r.Group("/v1", s.requireToken())
	{
		v1.GET("/regions", s.listRegions)
		v1.GET("/nodes", s.listNodes)
		v1.GET("/nodes/:id", s.getNode)
		v1.POST("/nodes/:id/offline", s.setNodeOffline(true))
		v1.POST("/nodes/:id/online", s.setNodeOffline(false))

		v1.GET("/machines", s.listMachines)
		v1.POST("/machines", s.createMachine)
		v1.GET("/machines/:id", s.getMachine)
		v1.GET("/machines/:id/events", s.machineEvents)
		v1.POST("/machines/:id/start", s.startMachine)
		v1.POST("/machines/:id/stop", s.stopMachine)
		v1.DELETE("/machines/:id", s.destroyMachine)

		v1.GET("/stats", s.getStats)
		v1.GET("/events", s.listEvents)
		v1.GET("/events/stream", s.streamEvents)
		v1.GET("/snapshot", s.getSnapshot)
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, wire.ErrorResponse{Detail: "route not found"})
	})
}

// ListenAndServe serves until Shutdown. A non-nil tlsCfg enables HTTPS.
func (s *Server) ListenAndServe(addr string, tlsCfg *tls.Config) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
	log.Info().Str("addr", addr).Bool("tls", tlsCfg != nil).Msg("Starting API server")
	var err error
	if tlsCfg != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown closes event streams and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.unsubscribe()
	s.broker.Close()
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.Next()
			return
		}
		auth := c.GetHeader("Authorization")
		x := c.GetHeader("X-Auth-Token")
		if auth != "Bearer "+s.token && x != s.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, wire.ErrorResponse{Detail: "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		d := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		if s.metrics != nil {
			s.metrics.ObserveRequest(c.Request.Method, route, status, d)
		}
		ev := log.Debug()
		if status >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", d).
			Msg("HTTP request")
	}
}
