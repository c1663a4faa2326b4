package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/zonectl/internal/mailbox"
	"github.com/danmuck/zonectl/internal/protocol/envelope"
	"github.com/danmuck/zonectl/internal/protocol/frame"
	"github.com/danmuck/zonectl/internal/protocol/session"
	"github.com/danmuck/zonectl/internal/zone"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	attachCodeInvalid     uint32 = 400
	attachCodeAddressUsed uint32 = 409
)

// DialConfig configures an out-of-process zone link.
type DialConfig struct {
	Network string
	Address string
	Zone    zone.Address
	Session session.Config
}

// ConnLink is a Link over a stream socket attached to a remote hub.
type ConnLink struct {
	addr   zone.Address
	conn   net.Conn
	cfg    session.Config
	inbox  *mailbox.Mailbox[envelope.Envelope]
	nextID atomic.Uint64

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

// Dial connects to a hub socket, retrying with backoff, and performs the
// zone.attach handshake. A rejected attach is not retried.
func Dial(ctx context.Context, cfg DialConfig) (*ConnLink, error) {
	if strings.TrimSpace(cfg.Network) == "" {
		cfg.Network = "tcp"
	}
	cfg.Session = cfg.Session.WithDefaults()
	redial := session.NewRedial(cfg.Session, rand.New(rand.NewSource(time.Now().UnixNano())))
	for {
		link, err := dialOnce(ctx, cfg)
		if err == nil {
			return link, nil
		}
		log.Warn().Msgf("transport.Dial attempt=%d addr=%q zone=%s err=%v", redial.Attempts()+1, cfg.Address, cfg.Zone, err)
		if err := redial.Retry(ctx, err); err != nil {
			return nil, err
		}
	}
}

func dialOnce(ctx context.Context, cfg DialConfig) (*ConnLink, error) {
	dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, cfg.Network, cfg.Address)
	if err != nil {
		return nil, err
	}
	if cfg.Session.TLS.Enabled {
		conn, err = clientHandshake(ctx, conn, cfg)
		if err != nil {
			return nil, err
		}
	}
	link, err := attach(conn, cfg.Zone, cfg.Session)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return link, nil
}

func clientHandshake(ctx context.Context, raw net.Conn, cfg DialConfig) (net.Conn, error) {
	tlsCfg, err := cfg.Session.TLS.ClientTLS(cfg.Address)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	conn := tls.Client(raw, tlsCfg)
	hsCtx, cancel := context.WithTimeout(ctx, cfg.Session.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// attach runs the client half of the handshake and starts the read pump.
func attach(conn net.Conn, addr zone.Address, cfg session.Config) (*ConnLink, error) {
	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	nonce := uuid.NewString()
	if err := session.WriteAttach(conn, session.Attach{Address: string(addr), Nonce: nonce}); err != nil {
		return nil, err
	}
	ack, err := session.ReadAttachAck(reader)
	if err != nil {
		return nil, err
	}
	if err := ack.Accepted(); err != nil {
		return nil, err
	}
	if ack.Nonce != nonce {
		return nil, fmt.Errorf("%w: nonce mismatch", session.ErrInvalidAttachAck)
	}
	_ = conn.SetDeadline(time.Time{})

	link := &ConnLink{
		addr:  addr,
		conn:  conn,
		cfg:   cfg,
		inbox: mailbox.New[envelope.Envelope](),
		done:  make(chan struct{}),
	}
	link.nextID.Store(uint64(time.Now().UnixNano()))
	go link.readLoop(reader)
	return link, nil
}

func (l *ConnLink) Address() zone.Address {
	return l.addr
}

func (l *ConnLink) Send(ctx context.Context, env envelope.Envelope) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	env.From = l.addr
	if env.MessageID == 0 {
		env.MessageID = l.nextID.Add(1)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	deadline := time.Now().Add(l.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = l.conn.SetWriteDeadline(deadline)
	if err := envelope.Write(l.conn, env, frame.DefaultLimits()); err != nil {
		if errors.Is(err, envelope.ErrInvalidEnvelope) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	return nil
}

func (l *ConnLink) Recv(ctx context.Context) (envelope.Envelope, error) {
	env, err := l.inbox.Get(ctx)
	if errors.Is(err, mailbox.ErrClosed) {
		return envelope.Envelope{}, ErrLinkClosed
	}
	return env, err
}

func (l *ConnLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		err = l.conn.Close()
		<-l.done
	})
	return err
}

func (l *ConnLink) readLoop(r *bufio.Reader) {
	defer close(l.done)
	defer l.inbox.Close()
	for {
		env, err := envelope.Read(r, frame.DefaultLimits())
		if err != nil {
			if !errors.Is(err, io.EOF) && !l.closed.Load() {
				log.Warn().Msgf("transport.ConnLink.readLoop zone=%s err=%v", l.addr, err)
			}
			l.closed.Store(true)
			return
		}
		l.inbox.Put(env)
	}
}

// Serve accepts socket zones on ln and bridges each onto the hub until ctx
// ends or the listener fails. With cfg.TLS enabled ln is wrapped in a TLS
// listener.
func (h *Hub) Serve(ctx context.Context, ln net.Listener, cfg session.Config) error {
	cfg = cfg.WithDefaults()
	if cfg.TLS.Enabled {
		tlsCfg, err := cfg.TLS.ServerTLS()
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tls.NewListener(ln, tlsCfg)
	}
	defer ln.Close()
	var wg sync.WaitGroup
	conns := make(map[net.Conn]struct{})
	var connsMu sync.Mutex
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		connsMu.Lock()
		for c := range conns {
			_ = c.Close()
		}
		connsMu.Unlock()
	}()
	defer wg.Wait()

	log.Info().Msgf("transport.Hub.Serve listening addr=%q", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		connsMu.Lock()
		conns[conn] = struct{}{}
		connsMu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				connsMu.Lock()
				delete(conns, conn)
				connsMu.Unlock()
			}()
			h.handleConn(ctx, conn, cfg)
		}()
	}
}

func (h *Hub) handleConn(ctx context.Context, conn net.Conn, cfg session.Config) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	reader := bufio.NewReader(conn)

	port, ok := h.handleAttach(conn, reader, cfg)
	if !ok {
		return
	}
	defer port.Close()
	log.Info().Msgf(
		"transport.Hub.handleConn attached zone=%s remote=%q peer=%q",
		port.Address(),
		remote,
		session.PeerIdentity(conn),
	)

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		defer conn.Close()
		for {
			env, err := port.Recv(pumpCtx)
			if err != nil {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := envelope.Write(conn, env, frame.DefaultLimits()); err != nil {
				log.Warn().Msgf("transport.Hub.handleConn write zone=%s err=%v", port.Address(), err)
				return
			}
		}
	}()

	for {
		env, err := envelope.Read(reader, frame.DefaultLimits())
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Debug().Msgf("transport.Hub.handleConn read zone=%s err=%v", port.Address(), err)
			}
			break
		}
		if err := port.Send(ctx, env); err != nil {
			if errors.Is(err, ErrUnreachable) && env.Kind == envelope.KindActionCall {
				port.bounce(env, err)
				continue
			}
			log.Warn().Msgf(
				"transport.Hub.handleConn route zone=%s kind=%s to=%q err=%v",
				port.Address(),
				env.Kind,
				env.To,
				err,
			)
		}
	}
	cancel()
	<-outDone
	log.Info().Msgf("transport.Hub.handleConn detached zone=%s remote=%q", port.Address(), remote)
}

func (h *Hub) handleAttach(conn net.Conn, reader *bufio.Reader, cfg session.Config) (*Port, bool) {
	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	now := uint64(time.Now().UnixMilli())

	req, err := session.ReadAttach(reader)
	if err != nil {
		log.Warn().Msgf("transport.Hub.handleAttach read err=%v", err)
		_ = session.WriteAttachAck(conn, session.AttachAck{
			Status:      session.AckStatusRejected,
			Code:        attachCodeInvalid,
			Message:     "invalid attach payload",
			Address:     "unknown",
			TimestampMS: now,
		})
		return nil, false
	}
	port, err := h.Attach(zone.Address(req.Address))
	if err != nil {
		log.Warn().Msgf("transport.Hub.handleAttach address=%s err=%v", req.Address, err)
		_ = session.WriteAttachAck(conn, session.AttachAck{
			Status:      session.AckStatusRejected,
			Code:        attachCodeAddressUsed,
			Message:     err.Error(),
			Address:     req.Address,
			Nonce:       req.Nonce,
			TimestampMS: now,
		})
		return nil, false
	}
	err = session.WriteAttachAck(conn, session.AttachAck{
		Status:      session.AckStatusAccepted,
		Message:     "ok",
		Address:     req.Address,
		Nonce:       req.Nonce,
		TimestampMS: now,
	})
	if err != nil {
		log.Error().Msgf("transport.Hub.handleAttach write ack err=%v", err)
		_ = port.Close()
		return nil, false
	}
	_ = conn.SetDeadline(time.Time{})
	return port, true
}
