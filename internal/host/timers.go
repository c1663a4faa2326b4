package host

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/zonectl/internal/alarm"
	"github.com/rs/zerolog/log"
)

// TimerService persists alarm timers and fires due ones from its own loop.
// Missed periods are skipped: a timer fires once and moves to the first
// future tick on its schedule.
type TimerService struct {
	sqlDB *sql.DB
	tick  time.Duration
	now   func() time.Time

	mu       sync.Mutex
	listener func(ctx context.Context, name string)
	gen      uint64
	inflight sync.WaitGroup
}

func NewTimerService(sqlDB *sql.DB, tick time.Duration) *TimerService {
	if tick <= 0 {
		tick = time.Second
	}
	return &TimerService{sqlDB: sqlDB, tick: tick, now: time.Now}
}

func (t *TimerService) Get(ctx context.Context, name string) (alarm.Timer, bool, error) {
	if err := ctx.Err(); err != nil {
		return alarm.Timer{}, false, err
	}
	var periodMS, nextAt int64
	err := t.sqlDB.QueryRowContext(
		ctx,
		`SELECT period_ms, next_at FROM timers WHERE name = ?`,
		strings.TrimSpace(name),
	).Scan(&periodMS, &nextAt)
	if errors.Is(err, sql.ErrNoRows) {
		return alarm.Timer{}, false, nil
	}
	if err != nil {
		return alarm.Timer{}, false, fmt.Errorf("get timer: %w", err)
	}
	return alarm.Timer{
		Name:   name,
		Period: time.Duration(periodMS) * time.Millisecond,
		NextAt: fromMillis(nextAt),
	}, true, nil
}

func (t *TimerService) Put(ctx context.Context, timer alarm.Timer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name := strings.TrimSpace(timer.Name)
	if name == "" {
		return fmt.Errorf("timer name is required")
	}
	if timer.Period <= 0 {
		return fmt.Errorf("timer period must be positive")
	}
	_, err := t.sqlDB.ExecContext(
		ctx,
		`INSERT INTO timers (name, period_ms, next_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		   period_ms = excluded.period_ms,
		   next_at = excluded.next_at,
		   updated_at = excluded.updated_at`,
		name,
		timer.Period.Milliseconds(),
		toMillis(timer.NextAt),
		toMillis(t.now()),
	)
	if err != nil {
		return fmt.Errorf("put timer: %w", err)
	}
	return nil
}

// List returns every persisted timer ordered by name.
func (t *TimerService) List(ctx context.Context) ([]alarm.Timer, error) {
	rows, err := t.sqlDB.QueryContext(ctx, `SELECT name, period_ms, next_at FROM timers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list timers: %w", err)
	}
	defer rows.Close()
	out := make([]alarm.Timer, 0)
	for rows.Next() {
		var name string
		var periodMS, nextAt int64
		if err := rows.Scan(&name, &periodMS, &nextAt); err != nil {
			return nil, fmt.Errorf("scan timer: %w", err)
		}
		out = append(out, alarm.Timer{
			Name:   name,
			Period: time.Duration(periodMS) * time.Millisecond,
			NextAt: fromMillis(nextAt),
		})
	}
	return out, rows.Err()
}

// Listen installs fn as the handler for due timers, replacing any previous
// one. Timers that come due while no handler is installed wait for the next.
func (t *TimerService) Listen(fn func(ctx context.Context, name string)) func() {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.listener = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		if t.gen == gen {
			t.listener = nil
		}
		t.mu.Unlock()
	}
}

// Run fires due timers every tick until ctx ends.
func (t *TimerService) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	defer t.inflight.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := t.FireDue(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Msgf("host.TimerService.Run fire due err=%v", err)
			}
		}
	}
}

// FireDue advances and dispatches every timer due at the current time.
// Handlers run asynchronously. It returns the number dispatched.
func (t *TimerService) FireDue(ctx context.Context) (int, error) {
	t.mu.Lock()
	fn := t.listener
	t.mu.Unlock()
	if fn == nil {
		return 0, nil
	}
	now := t.now()
	timers, err := t.List(ctx)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, timer := range timers {
		if timer.NextAt.After(now) {
			continue
		}
		timer.NextAt = NextTick(timer.NextAt, timer.Period, now)
		if err := t.Put(ctx, timer); err != nil {
			return fired, err
		}
		fired++
		name := timer.Name
		t.inflight.Add(1)
		go func() {
			defer t.inflight.Done()
			fn(ctx, name)
		}()
	}
	return fired, nil
}

// NextTick returns the first tick after now on the schedule that contains due.
func NextTick(due time.Time, period time.Duration, now time.Time) time.Time {
	if period <= 0 {
		return now
	}
	next := due.Add(period)
	if !next.After(now) {
		missed := now.Sub(next)/period + 1
		next = next.Add(missed * period)
	}
	return next
}
