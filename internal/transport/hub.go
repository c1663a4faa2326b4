package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/zonectl/internal/mailbox"
	"github.com/danmuck/zonectl/internal/protocol/envelope"
	"github.com/danmuck/zonectl/internal/zone"
	"github.com/rs/zerolog/log"
)

// Hub routes envelopes between attached ports. Every envelope crosses the
// hub as frame bytes, so zones never share memory.
type Hub struct {
	mu     sync.RWMutex
	ports  map[zone.Address]*Port
	closed bool

	routed  atomic.Uint64
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{ports: make(map[zone.Address]*Port)}
}

// Attach registers addr and returns its port.
func (h *Hub) Attach(addr zone.Address) (*Port, error) {
	if _, err := addr.Parse(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrLinkClosed
	}
	if _, exists := h.ports[addr]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, addr)
	}
	p := &Port{
		hub:   h,
		addr:  addr,
		inbox: mailbox.New[envelope.Envelope](),
	}
	p.nextMessageID.Store(uint64(time.Now().UnixNano()))
	h.ports[addr] = p
	log.Debug().Msgf("transport.Hub.Attach address=%s ports=%d", addr, len(h.ports))
	return p, nil
}

// Addresses returns every attached address in sorted order.
func (h *Hub) Addresses() []zone.Address {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]zone.Address, 0, len(h.ports))
	for addr := range h.ports {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *Hub) Attached(addr zone.Address) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.ports[addr]
	return ok
}

// Stats reports routed and dropped envelope counts.
func (h *Hub) Stats() (routed, dropped uint64) {
	return h.routed.Load(), h.dropped.Load()
}

// Close detaches every port.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	ports := h.ports
	h.ports = make(map[zone.Address]*Port)
	h.mu.Unlock()
	for _, p := range ports {
		p.inbox.Close()
	}
}

func (h *Hub) route(from zone.Address, raw []byte) error {
	env, err := envelope.Unmarshal(raw)
	if err != nil {
		h.dropped.Add(1)
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrLinkClosed
	}
	if _, ok := h.ports[from]; !ok {
		return ErrLinkClosed
	}
	if env.IsBroadcast() {
		for addr, p := range h.ports {
			if addr == from {
				continue
			}
			p.inbox.Put(env)
		}
		h.routed.Add(1)
		return nil
	}
	p, ok := h.ports[env.To]
	if !ok {
		h.dropped.Add(1)
		return fmt.Errorf("%w: %s", ErrUnreachable, env.To)
	}
	p.inbox.Put(env)
	h.routed.Add(1)
	return nil
}

func (h *Hub) detach(p *Port) {
	h.mu.Lock()
	current, ok := h.ports[p.addr]
	if !ok || current != p {
		h.mu.Unlock()
		return
	}
	delete(h.ports, p.addr)
	remaining := make([]*Port, 0, len(h.ports))
	for _, other := range h.ports {
		remaining = append(remaining, other)
	}
	h.mu.Unlock()

	p.inbox.Close()
	notice := envelope.Envelope{
		Kind:        envelope.KindZoneDetach,
		From:        p.addr,
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	raw, err := envelope.Marshal(notice)
	if err != nil {
		log.Error().Msgf("transport.Hub.detach encode notice address=%s err=%v", p.addr, err)
		return
	}
	decoded, err := envelope.Unmarshal(raw)
	if err != nil {
		log.Error().Msgf("transport.Hub.detach decode notice address=%s err=%v", p.addr, err)
		return
	}
	for _, other := range remaining {
		other.inbox.Put(decoded)
	}
	log.Debug().Msgf("transport.Hub.detach address=%s notified=%d", p.addr, len(remaining))
}

// Port is one address attached to a Hub. It implements Link.
type Port struct {
	hub           *Hub
	addr          zone.Address
	inbox         *mailbox.Mailbox[envelope.Envelope]
	nextMessageID atomic.Uint64
	closeOnce     sync.Once
}

func (p *Port) Address() zone.Address {
	return p.addr
}

// Send stamps the sender address and routes env through the hub.
func (p *Port) Send(ctx context.Context, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	env.From = p.addr
	if env.MessageID == 0 {
		env.MessageID = p.nextMessageID.Add(1)
	}
	raw, err := envelope.Marshal(env)
	if err != nil {
		return err
	}
	return p.hub.route(p.addr, raw)
}

func (p *Port) Recv(ctx context.Context) (envelope.Envelope, error) {
	env, err := p.inbox.Get(ctx)
	if errors.Is(err, mailbox.ErrClosed) {
		return envelope.Envelope{}, ErrLinkClosed
	}
	return env, err
}

// Close detaches the port; other zones receive a zone.detach notice.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.hub.detach(p)
	})
	return nil
}

// bounce answers an undeliverable socket call so the remote caller sees a
// transport failure instead of waiting for a reply.
func (p *Port) bounce(call envelope.Envelope, cause error) {
	p.inbox.Put(envelope.Envelope{
		Kind:          envelope.KindActionReply,
		From:          call.To,
		To:            p.addr,
		CorrelationID: call.CorrelationID,
		ActionID:      call.ActionID,
		Error:         &envelope.Error{Code: envelope.CodeUnreachable, Message: cause.Error()},
		TimestampMS:   uint64(time.Now().UnixMilli()),
	})
}
