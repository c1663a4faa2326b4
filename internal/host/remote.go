package host

import (
	"context"
	"sync"

	"github.com/danmuck/zonectl/internal/alarm"
	"github.com/danmuck/zonectl/internal/protocol/session"
	"github.com/danmuck/zonectl/internal/store"
	"github.com/danmuck/zonectl/internal/transport"
	"github.com/danmuck/zonectl/internal/zone"
)

// RemoteContext is a context living in another process that reaches the
// host hub over a socket. It has no storage or timer access.
type RemoteContext struct {
	kind    zone.Kind
	tabID   int
	network string
	address string
	session session.Config

	mu      sync.Mutex
	claimed bool
	link    transport.Link
}

func NewRemoteContext(kind zone.Kind, tabID int, network, address string, cfg session.Config) *RemoteContext {
	return &RemoteContext{
		kind:    kind,
		tabID:   tabID,
		network: network,
		address: address,
		session: cfg,
	}
}

func (r *RemoteContext) ZoneKind() string {
	return string(r.kind)
}

func (r *RemoteContext) TabID() (int, bool) {
	return r.tabID, r.tabID > 0
}

func (r *RemoteContext) Claim() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed {
		return ErrContextClaimed
	}
	r.claimed = true
	return nil
}

func (r *RemoteContext) Connect(ctx context.Context, addr zone.Address) (transport.Link, error) {
	link, err := transport.Dial(ctx, transport.DialConfig{
		Network: r.network,
		Address: r.address,
		Zone:    addr,
		Session: r.session,
	})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.link = link
	r.mu.Unlock()
	return link, nil
}

func (r *RemoteContext) Storage() store.Persistence {
	return nil
}

func (r *RemoteContext) Timers() alarm.Timers {
	return nil
}

func (r *RemoteContext) Destroy() {
	r.mu.Lock()
	link := r.link
	r.link = nil
	r.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}
