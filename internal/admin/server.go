// Package admin serves the read-mostly HTTP surface of a running zone.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/danmuck/zonectl/internal/alarm"
	"github.com/danmuck/zonectl/internal/auth"
	"github.com/danmuck/zonectl/internal/limiter"
	"github.com/danmuck/zonectl/internal/observability"
	"github.com/danmuck/zonectl/internal/orchestrator"
	"github.com/danmuck/zonectl/internal/protocol/session"
	"github.com/danmuck/zonectl/internal/store"
	"github.com/danmuck/zonectl/internal/zone"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Zone is the runtime view the admin surface reads.
type Zone interface {
	Address() zone.Address
	Running() bool
	Snapshot() (store.Snapshot, bool)
	Actions() []orchestrator.ActionInfo
	LimiterStats() []limiter.Stats
	AlarmStats() []alarm.Stats
	PendingCalls() []session.PendingCall
	Call(ctx context.Context, actionID string, payload []byte) ([]byte, error)
}

// Topology lists the zones attached to the host hub.
type Topology interface {
	Addresses() []zone.Address
	Stats() (routed, dropped uint64)
}

type Server struct {
	zone     Zone
	topology Topology
	router   *gin.Engine
	auth     auth.Validator
	started  time.Time
}

// Options configure the admin router.
type Options struct {
	CorsOrigins []string
	// Auth guards action invocation. Nil leaves it open.
	Auth auth.Validator
}

// New builds the router for z. topology may be nil in a remote zone.
func New(z Zone, topology Topology, opts Options) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	scope := observability.AdminScope{Kind: z.Address().Kind().String(), Address: z.Address().String()}
	r.Use(observability.AdminLogger(log.Logger, scope))
	r.Use(observability.AdminMetrics(scope))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		zone:     z,
		topology: topology,
		router:   r,
		auth:     opts.Auth,
		started:  time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"zone":    s.zone.Address(),
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.zone.Running() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready": s.zone.Running(),
			"zone":  s.zone.Address(),
		})
	})

	s.router.GET("/state", func(c *gin.Context) {
		snap, ok := s.zone.Snapshot()
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store not started"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"version": snap.Version,
			"state":   snap.Tree,
		})
	})

	s.router.GET("/actions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"actions": s.zone.Actions(),
			"limits":  s.zone.LimiterStats(),
			"alarms":  s.zone.AlarmStats(),
			"pending": len(s.zone.PendingCalls()),
		})
	})

	s.router.POST("/actions/:id", auth.Middleware(s.auth), s.callAction)

	s.router.GET("/zones", func(c *gin.Context) {
		if s.topology == nil {
			c.JSON(http.StatusOK, gin.H{"zones": []zone.Address{s.zone.Address()}})
			return
		}
		addrs := s.topology.Addresses()
		sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
		routed, dropped := s.topology.Stats()
		c.JSON(http.StatusOK, gin.H{
			"zones":   addrs,
			"routed":  routed,
			"dropped": dropped,
		})
	})
}

// callAction invokes an action with the request body as JSON input. The
// tab query parameter targets a content zone.
func (s *Server) callAction(c *gin.Context) {
	actionID := c.Param("id")
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(payload) > 0 && !json.Valid(payload) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be JSON"})
		return
	}

	ctx := c.Request.Context()
	if raw := c.Query("tab"); raw != "" {
		tab, err := strconv.Atoi(raw)
		if err != nil || tab <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tab must be a positive integer"})
			return
		}
		ctx = orchestrator.WithTargetTab(ctx, tab)
	}

	out, err := s.zone.Call(ctx, actionID, payload)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "output": json.RawMessage(out)})
}

func statusOf(err error) int {
	var ae *orchestrator.ActionError
	switch {
	case errors.As(err, &ae):
		return http.StatusUnprocessableEntity
	case errors.Is(err, orchestrator.ErrUnknownMessageKind):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrTargetRequired):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, orchestrator.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, orchestrator.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
