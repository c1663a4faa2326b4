// Package host simulates the host application that zones run inside.
//
// Ownership boundary:
// - the message hub shared by every local zone
// - durable key-value storage and the persistent timer service (SQLite)
// - host context creation, tab id allocation, and teardown
package host

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/zonectl/internal/alarm"
	"github.com/danmuck/zonectl/internal/protocol/session"
	"github.com/danmuck/zonectl/internal/store"
	"github.com/danmuck/zonectl/internal/transport"
	"github.com/danmuck/zonectl/internal/zone"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const stateArea = "state"

var (
	ErrContextClaimed   = errors.New("host: context already claimed")
	ErrContextDestroyed = errors.New("host: context destroyed")
	ErrHostClosed       = errors.New("host: closed")
)

// Config configures a host.
type Config struct {
	DBPath    string
	TimerTick time.Duration
	Session   session.Config
}

func DefaultConfig() Config {
	return Config{
		DBPath:    "zonectl.db",
		TimerTick: time.Second,
		Session:   session.DefaultConfig(),
	}
}

// Host owns the hub and the durable services shared by its contexts.
type Host struct {
	cfg     Config
	sqlDB   *sql.DB
	hub     *transport.Hub
	storage *Storage
	timers  *TimerService

	nextTab atomic.Int64
	closed  atomic.Bool

	mu       sync.Mutex
	contexts map[*Context]struct{}
}

// Open opens the host database and builds its services.
func Open(cfg Config) (*Host, error) {
	if cfg.TimerTick <= 0 {
		cfg.TimerTick = DefaultConfig().TimerTick
	}
	cfg.Session = cfg.Session.WithDefaults()
	sqlDB, err := OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	h := &Host{
		cfg:      cfg,
		sqlDB:    sqlDB,
		hub:      transport.NewHub(),
		storage:  NewStorage(sqlDB, stateArea),
		timers:   NewTimerService(sqlDB, cfg.TimerTick),
		contexts: make(map[*Context]struct{}),
	}
	log.Info().Msgf("host.Open db=%q timer_tick=%s", cfg.DBPath, cfg.TimerTick)
	return h, nil
}

func (h *Host) Hub() *transport.Hub {
	return h.hub
}

func (h *Host) Storage() *Storage {
	return h.storage
}

func (h *Host) Timers() *TimerService {
	return h.timers
}

// Run drives the timer service and, when ln is non-nil, accepts socket
// zones until ctx ends.
func (h *Host) Run(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return h.timers.Run(gctx)
	})
	if ln != nil {
		g.Go(func() error {
			return h.hub.Serve(gctx, ln, h.cfg.Session)
		})
	}
	return g.Wait()
}

// NewContext creates a host context of kind. Content contexts get a fresh
// tab id.
func (h *Host) NewContext(kind zone.Kind) (*Context, error) {
	if h.closed.Load() {
		return nil, ErrHostClosed
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", zone.ErrUnknownKind, kind)
	}
	c := &Context{host: h, kind: kind}
	if kind.PerDocument() {
		c.tabID = int(h.nextTab.Add(1))
	}
	h.mu.Lock()
	h.contexts[c] = struct{}{}
	h.mu.Unlock()
	log.Debug().Msgf("host.NewContext kind=%s tab=%d", kind, c.tabID)
	return c, nil
}

// OpenTab creates a content context in a new tab.
func (h *Host) OpenTab() (*Context, error) {
	return h.NewContext(zone.Content)
}

// Close destroys every context, closes the hub, and closes the database.
func (h *Host) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.mu.Lock()
	contexts := make([]*Context, 0, len(h.contexts))
	for c := range h.contexts {
		contexts = append(contexts, c)
	}
	h.mu.Unlock()
	for _, c := range contexts {
		c.Destroy()
	}
	h.hub.Close()
	return h.sqlDB.Close()
}

func (h *Host) forget(c *Context) {
	h.mu.Lock()
	delete(h.contexts, c)
	h.mu.Unlock()
}

// Context is one isolated execution context of the host. It can be claimed
// by at most one orchestrator.
type Context struct {
	host  *Host
	kind  zone.Kind
	tabID int

	mu        sync.Mutex
	claimed   bool
	destroyed bool
	link      transport.Link
}

func (c *Context) ZoneKind() string {
	return string(c.kind)
}

func (c *Context) TabID() (int, bool) {
	return c.tabID, c.tabID > 0
}

// Claim marks the context as owned by one orchestrator.
func (c *Context) Claim() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrContextDestroyed
	}
	if c.claimed {
		return ErrContextClaimed
	}
	c.claimed = true
	return nil
}

// Connect attaches the context to the host hub under addr.
func (c *Context) Connect(_ context.Context, addr zone.Address) (transport.Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, ErrContextDestroyed
	}
	port, err := c.host.hub.Attach(addr)
	if err != nil {
		return nil, err
	}
	c.link = port
	return port, nil
}

// Storage returns the durable state area. Only the background context has
// storage access.
func (c *Context) Storage() store.Persistence {
	if c.kind != zone.Background {
		return nil
	}
	return c.host.storage
}

// Timers returns the timer service. Only the background context arms timers.
func (c *Context) Timers() alarm.Timers {
	if c.kind != zone.Background {
		return nil
	}
	return c.host.timers
}

// Destroy kills the context: its link detaches and other zones are told.
func (c *Context) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	link := c.link
	c.link = nil
	c.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
	c.host.forget(c)
	log.Debug().Msgf("host.Context.Destroy kind=%s tab=%d", c.kind, c.tabID)
}

