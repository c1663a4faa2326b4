// Package alarm arms host-persisted periodic wake-ups and runs their
// handlers in the background zone.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMinPeriod is the production floor for alarm periods.
const DefaultMinPeriod = time.Minute

var (
	ErrInvalidAlarm   = errors.New("alarm: invalid definition")
	ErrDuplicateAlarm = errors.New("alarm: duplicate name")
)

// Definition declares one recurring task. T is the value handed to
// OnActivate, normally the running orchestrator.
type Definition[T any] struct {
	Name       string
	Period     time.Duration
	When       time.Time
	OnActivate func(ctx context.Context, target T) error
}

// Validate checks the definition against minPeriod.
func (d Definition[T]) Validate(minPeriod time.Duration) error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidAlarm)
	}
	if d.Period <= 0 || d.Period < minPeriod {
		return fmt.Errorf("%w: %s period=%s below minimum %s", ErrInvalidAlarm, d.Name, d.Period, minPeriod)
	}
	if d.OnActivate == nil {
		return fmt.Errorf("%w: %s missing handler", ErrInvalidAlarm, d.Name)
	}
	return nil
}

// Timer is the host's persisted record of one alarm.
type Timer struct {
	Name   string
	Period time.Duration
	NextAt time.Time
}

// Timers is the host timer service. It persists timers, fires due ones from
// its own loop, and computes the next tick regardless of handler outcome.
type Timers interface {
	Get(ctx context.Context, name string) (Timer, bool, error)
	Put(ctx context.Context, t Timer) error
	Listen(fn func(ctx context.Context, name string)) (cancel func())
}

// Stats counts handler runs for one alarm.
type Stats struct {
	Name     string
	Runs     uint64
	Failures uint64
	LastRun  time.Time
	LastErr  string
}

type armed[T any] struct {
	def      Definition[T]
	runs     atomic.Uint64
	failures atomic.Uint64
	mu       sync.Mutex
	lastRun  time.Time
	lastErr  string
}

// Scheduler binds definitions to the timer service for one target.
type Scheduler[T any] struct {
	timers   Timers
	target   T
	observer func(name string, err error)

	mu     sync.Mutex
	alarms map[string]*armed[T]
	cancel func()
	now    func() time.Time
}

// NewScheduler returns a scheduler that hands target to every OnActivate.
// observer, if set, is told the outcome of every run.
func NewScheduler[T any](timers Timers, target T, observer func(name string, err error)) *Scheduler[T] {
	return &Scheduler[T]{
		timers:   timers,
		target:   target,
		observer: observer,
		alarms:   make(map[string]*armed[T]),
		now:      time.Now,
	}
}

// Arm registers defs with the timer service. An existing persisted timer
// with the same period keeps its schedule; anything else is (re)created
// with its first run at When, or now+Period when When is zero.
func (s *Scheduler[T]) Arm(ctx context.Context, defs []Definition[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, def := range defs {
		existing, ok, err := s.timers.Get(ctx, def.Name)
		if err != nil {
			return fmt.Errorf("alarm: get timer %s: %w", def.Name, err)
		}
		if ok && existing.Period == def.Period {
			log.Debug().Msgf("alarm.Scheduler.Arm keep name=%s next_at=%s", def.Name, existing.NextAt.Format(time.RFC3339))
		} else {
			first := def.When
			if first.IsZero() {
				first = s.now().Add(def.Period)
			}
			if err := s.timers.Put(ctx, Timer{Name: def.Name, Period: def.Period, NextAt: first}); err != nil {
				return fmt.Errorf("alarm: put timer %s: %w", def.Name, err)
			}
			log.Info().Msgf("alarm.Scheduler.Arm create name=%s period=%s next_at=%s", def.Name, def.Period, first.Format(time.RFC3339))
		}
		s.alarms[def.Name] = &armed[T]{def: def}
	}
	if s.cancel == nil {
		s.cancel = s.timers.Listen(s.fire)
	}
	return nil
}

// Close stops receiving ticks. Persisted timers are left in place.
func (s *Scheduler[T]) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stats returns run counts for every armed alarm.
func (s *Scheduler[T]) Stats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, 0, len(s.alarms))
	for name, a := range s.alarms {
		a.mu.Lock()
		out = append(out, Stats{
			Name:     name,
			Runs:     a.runs.Load(),
			Failures: a.failures.Load(),
			LastRun:  a.lastRun,
			LastErr:  a.lastErr,
		})
		a.mu.Unlock()
	}
	return out
}

// Fire runs the handler for name once. Errors and panics are logged and
// counted, never returned.
func (s *Scheduler[T]) Fire(ctx context.Context, name string) {
	s.fire(ctx, name)
}

func (s *Scheduler[T]) fire(ctx context.Context, name string) {
	s.mu.Lock()
	a, ok := s.alarms[name]
	s.mu.Unlock()
	if !ok {
		log.Debug().Msgf("alarm.Scheduler.fire unknown name=%s", name)
		return
	}
	err := s.run(ctx, a)
	a.runs.Add(1)
	a.mu.Lock()
	a.lastRun = s.now()
	a.lastErr = ""
	if err != nil {
		a.lastErr = err.Error()
	}
	a.mu.Unlock()
	if err != nil {
		a.failures.Add(1)
		log.Error().Msgf("alarm.Scheduler.fire name=%s err=%v", name, err)
	} else {
		log.Debug().Msgf("alarm.Scheduler.fire ok name=%s", name)
	}
	if s.observer != nil {
		s.observer(name, err)
	}
}

func (s *Scheduler[T]) run(ctx context.Context, a *armed[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("alarm: %s panic: %v", a.def.Name, r)
		}
	}()
	return a.def.OnActivate(ctx, s.target)
}
