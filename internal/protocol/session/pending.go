package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/zonectl/internal/protocol/envelope"
	"github.com/danmuck/zonectl/internal/zone"
)

// Result settles one pending call: a reply envelope or a transport error.
type Result struct {
	Reply envelope.Envelope
	Err   error
}

// PendingCall tracks one remote action call awaiting its reply.
type PendingCall struct {
	CorrelationID string
	ActionID      string
	Target        zone.Address
	CreatedAt     time.Time

	done chan Result
}

// PendingCalls stores in-flight calls by correlation id. Each call settles
// at most once; later replies for the same id are dropped.
type PendingCalls struct {
	mu    sync.Mutex
	items map[string]*PendingCall
}

func NewPendingCalls() *PendingCalls {
	return &PendingCalls{
		items: make(map[string]*PendingCall),
	}
}

// Add registers call and returns the channel its result is delivered on.
// It returns false if the correlation id is empty or already in use.
func (p *PendingCalls) Add(call PendingCall) (<-chan Result, bool) {
	key := strings.TrimSpace(call.CorrelationID)
	if key == "" {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.items[key]; exists {
		return nil, false
	}
	call.done = make(chan Result, 1)
	p.items[key] = &call
	return call.done, true
}

// Resolve settles the call matching reply.CorrelationID.
func (p *PendingCalls) Resolve(reply envelope.Envelope) bool {
	call, ok := p.take(reply.CorrelationID)
	if !ok {
		return false
	}
	call.done <- Result{Reply: reply}
	return true
}

// Reject settles one call with err.
func (p *PendingCalls) Reject(correlationID string, err error) bool {
	call, ok := p.take(correlationID)
	if !ok {
		return false
	}
	call.done <- Result{Err: err}
	return true
}

// RejectTarget settles every call addressed to target with errFor(call).
func (p *PendingCalls) RejectTarget(target zone.Address, errFor func(PendingCall) error) int {
	p.mu.Lock()
	matched := make([]*PendingCall, 0)
	for key, call := range p.items {
		if call.Target == target {
			matched = append(matched, call)
			delete(p.items, key)
		}
	}
	p.mu.Unlock()
	for _, call := range matched {
		call.done <- Result{Err: errFor(*call)}
	}
	return len(matched)
}

// RejectAll settles every call with errFor(call).
func (p *PendingCalls) RejectAll(errFor func(PendingCall) error) int {
	p.mu.Lock()
	matched := make([]*PendingCall, 0, len(p.items))
	for key, call := range p.items {
		matched = append(matched, call)
		delete(p.items, key)
	}
	p.mu.Unlock()
	for _, call := range matched {
		call.done <- Result{Err: errFor(*call)}
	}
	return len(matched)
}

// Remove drops a call without settling it.
func (p *PendingCalls) Remove(correlationID string) {
	p.take(correlationID)
}

func (p *PendingCalls) Get(correlationID string) (PendingCall, bool) {
	key := strings.TrimSpace(correlationID)
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.items[key]
	if !ok {
		return PendingCall{}, false
	}
	return *call, true
}

func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *PendingCalls) List() []PendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingCall, 0, len(p.items))
	for _, call := range p.items {
		out = append(out, *call)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (p *PendingCalls) take(correlationID string) (*PendingCall, bool) {
	key := strings.TrimSpace(correlationID)
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.items[key]
	if !ok {
		return nil, false
	}
	delete(p.items, key)
	return call, true
}
