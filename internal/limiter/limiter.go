// Package limiter bounds in-flight executions per action id.
//
// Waiters for a saturated id are admitted in the order they reserved.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

var ErrInvalidLimit = errors.New("limiter: invalid limit")

// Stats is a point-in-time view of one id.
type Stats struct {
	ID       string
	Limit    int
	InFlight int64
	Waiting  int64
	Peak     int64
}

type gate struct {
	limit    int
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	waiting  atomic.Int64
	peak     atomic.Int64

	// tail is closed once the most recent ticket has taken its slot or left
	// the queue; the next ticket may only reach the semaphore after that.
	mu   sync.Mutex
	tail chan struct{}
}

// Ticket is a place in an id's queue taken by Reserve.
type Ticket struct {
	gate *gate
	id   string
	prev chan struct{}
	turn chan struct{}
	used atomic.Bool
}

// Limiter holds one gate per id. A limit of 0 means unbounded.
type Limiter struct {
	mu    sync.RWMutex
	gates map[string]*gate
}

func New() *Limiter {
	return &Limiter{gates: make(map[string]*gate)}
}

// Configure sets the ceiling for id. It must be called before id is used.
func (l *Limiter) Configure(id string, limit int) error {
	if limit < 0 {
		return fmt.Errorf("%w: id=%s limit=%d", ErrInvalidLimit, id, limit)
	}
	g := newGate(limit)
	if limit > 0 {
		g.sem = semaphore.NewWeighted(int64(limit))
	}
	l.mu.Lock()
	l.gates[id] = g
	l.mu.Unlock()
	return nil
}

// Acquire waits for a slot on id. The returned release must be called
// exactly once when the execution ends.
func (l *Limiter) Acquire(ctx context.Context, id string) (func(), error) {
	return l.Reserve(id).Wait(ctx)
}

// Reserve takes the next place in id's queue without blocking. Callers
// that learn about work in order reserve in that order and wait later.
// Every ticket must be waited on exactly once.
func (l *Limiter) Reserve(id string) *Ticket {
	g := l.gate(id)
	t := &Ticket{gate: g, id: id}
	if g.sem == nil {
		return t
	}
	g.waiting.Add(1)
	g.mu.Lock()
	t.prev = g.tail
	t.turn = make(chan struct{})
	g.tail = t.turn
	g.mu.Unlock()
	return t
}

// Wait blocks until the ticket holds a slot. A ticket whose ctx ends gives
// up its place without holding back the tickets behind it.
func (t *Ticket) Wait(ctx context.Context) (func(), error) {
	if !t.used.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("limiter: ticket for %s waited twice", t.id)
	}
	g := t.gate
	if g.sem != nil {
		err := t.acquire(ctx)
		g.waiting.Add(-1)
		if err != nil {
			log.Debug().Msgf("limiter.Ticket.Wait abandoned id=%s err=%v", t.id, err)
			return nil, err
		}
	}
	n := g.inFlight.Add(1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.inFlight.Add(-1)
			if g.sem != nil {
				g.sem.Release(1)
			}
		})
	}, nil
}

func (t *Ticket) acquire(ctx context.Context) error {
	select {
	case <-t.prev:
	case <-ctx.Done():
		go func() {
			<-t.prev
			close(t.turn)
		}()
		return ctx.Err()
	}
	err := t.gate.sem.Acquire(ctx, 1)
	close(t.turn)
	return err
}

// Do runs fn under a slot for id. The slot is freed even if fn panics.
func (l *Limiter) Do(ctx context.Context, id string, fn func(context.Context) error) error {
	release, err := l.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (l *Limiter) Stats(id string) Stats {
	return l.gate(id).stats(id)
}

// Snapshot returns stats for every configured id, sorted by id.
func (l *Limiter) Snapshot() []Stats {
	l.mu.RLock()
	out := make([]Stats, 0, len(l.gates))
	for id, g := range l.gates {
		out = append(out, g.stats(id))
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *gate) stats(id string) Stats {
	return Stats{
		ID:       id,
		Limit:    g.limit,
		InFlight: g.inFlight.Load(),
		Waiting:  g.waiting.Load(),
		Peak:     g.peak.Load(),
	}
}

func (l *Limiter) gate(id string) *gate {
	l.mu.RLock()
	g, ok := l.gates[id]
	l.mu.RUnlock()
	if ok {
		return g
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if g, ok = l.gates[id]; ok {
		return g
	}
	g = newGate(0)
	l.gates[id] = g
	return g
}

func newGate(limit int) *gate {
	tail := make(chan struct{})
	close(tail)
	return &gate{limit: limit, tail: tail}
}
