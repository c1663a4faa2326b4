package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var ErrDialExhausted = errors.New("session: dial attempts exhausted")

// Redial paces the reconnect attempts of one zone link. It is not safe for
// concurrent use; each Dial owns one.
type Redial struct {
	backoff  BackoffConfig
	max      int
	attempts int
	rng      *rand.Rand
}

// NewRedial builds the policy from cfg. A nil rng disables jitter spread and
// uses the midpoint of the jitter window.
func NewRedial(cfg Config, rng *rand.Rand) *Redial {
	return &Redial{backoff: cfg.Backoff, max: cfg.MaxDialAttempts, rng: rng}
}

// Attempts is the number of failures recorded so far.
func (r *Redial) Attempts() int {
	return r.attempts
}

// Retry records a failed attempt and sleeps until the next one may start.
// It returns an error instead when the failure is final: the hub refused
// the address, MaxDialAttempts is spent, or ctx ended during the wait.
func (r *Redial) Retry(ctx context.Context, cause error) error {
	r.attempts++
	if errors.Is(cause, ErrAttachRejected) {
		return cause
	}
	if r.max > 0 && r.attempts >= r.max {
		return fmt.Errorf("%w: %d attempts: %w", ErrDialExhausted, r.attempts, cause)
	}
	timer := time.NewTimer(r.Delay(r.attempts))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Delay is the pause after the n-th failure (1-based). The first pause is
// InitialDelay; each later one grows by Multiplier up to MaxDelay.
func (r *Redial) Delay(n int) time.Duration {
	b := r.backoff
	if b.InitialDelay <= 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	growth := math.Max(b.Multiplier, 1)
	delay := float64(b.InitialDelay) * math.Pow(growth, float64(n-1))
	if b.MaxDelay > 0 {
		delay = math.Min(delay, float64(b.MaxDelay))
	}
	if b.Jitter && n > 1 {
		spread := 1.0
		if r.rng != nil {
			spread = 0.5 + r.rng.Float64()
		}
		delay *= spread
	}
	return time.Duration(delay)
}
