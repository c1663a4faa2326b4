// Package events is the fire-and-forget cross-zone event bus.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/zonectl/internal/mailbox"
	"github.com/rs/zerolog/log"
)

var ErrEventNameRequired = errors.New("events: event name required")

// Listener receives the JSON payload of one emission, nil when none was given.
type Listener func(ctx context.Context, payload json.RawMessage)

// Sender carries emissions to every other zone.
type Sender interface {
	SendEvent(ctx context.Context, name string, payload []byte) error
}

type delivery struct {
	name    string
	payload json.RawMessage
}

type entry struct {
	id int
	fn Listener
}

// Bus dispatches local emissions synchronously and remote ones from a
// serial delivery queue in arrival order.
type Bus struct {
	sender Sender
	gate   func(context.Context) error

	mu        sync.RWMutex
	listeners map[string][]entry
	nextID    int

	queue *mailbox.Mailbox[delivery]
}

// Option configures a Bus.
type Option func(*Bus)

// WithGate makes Emit wait on gate before anything is dispatched. An error
// from gate fails the emission with no listener run, local or remote.
func WithGate(gate func(context.Context) error) Option {
	return func(b *Bus) { b.gate = gate }
}

func NewBus(sender Sender, opts ...Option) *Bus {
	b := &Bus{
		sender:    sender,
		listeners: make(map[string][]entry),
		queue:     mailbox.New[delivery](),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// On registers fn for name and returns its unsubscribe func.
func (b *Bus) On(name string, fn Listener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[name] = append(b.listeners[name], entry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.listeners[name]
			for i, e := range list {
				if e.id == id {
					b.listeners[name] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(b.listeners[name]) == 0 {
				delete(b.listeners, name)
			}
		})
	}
}

// Emit fires local listeners, then broadcasts to other zones. With a gate,
// both halves wait for it. A send failure is returned after local listeners
// have run.
func (b *Bus) Emit(ctx context.Context, name string, payload any) error {
	if strings.TrimSpace(name) == "" {
		return ErrEventNameRequired
	}
	if b.gate != nil {
		if err := b.gate(ctx); err != nil {
			return err
		}
	}
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("events: encode payload name=%s: %w", name, err)
		}
		raw = encoded
	}
	b.dispatch(ctx, name, raw)
	if b.sender == nil {
		return nil
	}
	if err := b.sender.SendEvent(ctx, name, raw); err != nil {
		log.Warn().Msgf("events.Bus.Emit broadcast name=%s err=%v", name, err)
		return err
	}
	return nil
}

// Deliver queues an emission that arrived from another zone.
func (b *Bus) Deliver(name string, payload []byte) {
	var raw json.RawMessage
	if len(payload) > 0 {
		raw = append(json.RawMessage(nil), payload...)
	}
	if !b.queue.Put(delivery{name: name, payload: raw}) {
		log.Debug().Msgf("events.Bus.Deliver dropped name=%s bus closed", name)
	}
}

// Run drains remote deliveries until ctx ends or the bus is closed.
func (b *Bus) Run(ctx context.Context) {
	for {
		d, err := b.queue.Get(ctx)
		if err != nil {
			return
		}
		b.dispatch(ctx, d.name, d.payload)
	}
}

// Close stops accepting remote deliveries. Queued ones still run.
func (b *Bus) Close() {
	b.queue.Close()
}

// ListenerCount returns the number of listeners registered for name.
func (b *Bus) ListenerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name])
}

func (b *Bus) dispatch(ctx context.Context, name string, payload json.RawMessage) {
	b.mu.RLock()
	list := append([]entry(nil), b.listeners[name]...)
	b.mu.RUnlock()
	for _, e := range list {
		b.invoke(ctx, name, e.fn, payload)
	}
}

func (b *Bus) invoke(ctx context.Context, name string, fn Listener, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("events.Bus listener panic name=%s panic=%v", name, r)
		}
	}()
	var arg json.RawMessage
	if payload != nil {
		arg = append(json.RawMessage(nil), payload...)
	}
	fn(ctx, arg)
}
