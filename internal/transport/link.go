package transport

import (
	"context"
	"errors"

	"github.com/danmuck/zonectl/internal/protocol/envelope"
	"github.com/danmuck/zonectl/internal/zone"
)

var (
	ErrLinkClosed   = errors.New("transport: link closed")
	ErrUnreachable  = errors.New("transport: target unreachable")
	ErrAddressInUse = errors.New("transport: address already attached")
)

// Link is one zone's connection to every other zone.
//
// Send never blocks on the receiver. Envelopes addressed to one recipient
// arrive in the order they were sent. Recv returns ErrLinkClosed once the
// link is closed and drained.
type Link interface {
	Address() zone.Address
	Send(ctx context.Context, env envelope.Envelope) error
	Recv(ctx context.Context) (envelope.Envelope, error)
	Close() error
}
