// Package orchestrator binds one host context to the runtime: zone identity,
// action dispatch, the replicated store, the event bus, and alarms.
//
// Ownership boundary:
// - registry of zone-pinned actions and alarms
// - local vs remote routing of action calls and their correlation
// - inbound envelope loop of one zone
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/zonectl/internal/alarm"
	"github.com/danmuck/zonectl/internal/events"
	"github.com/danmuck/zonectl/internal/limiter"
	"github.com/danmuck/zonectl/internal/observability"
	"github.com/danmuck/zonectl/internal/protocol/envelope"
	"github.com/danmuck/zonectl/internal/protocol/session"
	"github.com/danmuck/zonectl/internal/store"
	"github.com/danmuck/zonectl/internal/transport"
	"github.com/danmuck/zonectl/internal/zone"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/danmuck/zonectl/internal/orchestrator"

// HostContext is the hosting context one orchestrator is bound to.
type HostContext interface {
	zone.HostContext
	// Claim fails once the context already has an orchestrator.
	Claim() error
	Connect(ctx context.Context, addr zone.Address) (transport.Link, error)
	// Storage and Timers are nil outside the background context.
	Storage() store.Persistence
	Timers() alarm.Timers
}

// Options tune one orchestrator.
type Options struct {
	// CallTimeout bounds remote calls. Zero disables the bound.
	CallTimeout time.Duration
	Store       store.Options
	// Services is handed to every handler through ExecContext.
	Services any
}

func DefaultOptions() Options {
	return Options{
		CallTimeout: session.DefaultConfig().CallTimeout,
		Store:       store.DefaultOptions(),
	}
}

const (
	stateNew int32 = iota
	stateStarting
	stateRunning
	stateClosed
)

// Orchestrator is the runtime of one zone.
type Orchestrator[S any] struct {
	host     HostContext
	reg      *Registry[S]
	zone     zone.Zone
	opts     Options
	defaults S

	bus     *events.Bus
	limiter *limiter.Limiter
	pending *session.PendingCalls
	tracer  trace.Tracer

	link   transport.Link
	store  *store.Store[S]
	alarms *alarm.Scheduler[*Orchestrator[S]]

	// mu orders Close against the parts of start that hand out resources:
	// the link, the alarm scheduler and the loop goroutines.
	mu           sync.Mutex
	state        atomic.Int32
	shutdownOnce sync.Once
	ready        chan struct{}
	readyOnce sync.Once
	startErr  error

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New claims host for a new orchestrator. The zone is not reachable until
// Start returns.
func New[S any](host HostContext, reg *Registry[S], defaults S, opts Options) (*Orchestrator[S], error) {
	if host == nil {
		return nil, zone.ErrHostContextEmpty
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: registry required", ErrInvalidAction)
	}
	if err := host.Claim(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAlreadyInstantiated, err)
	}
	z, err := zone.Detect(host)
	if err != nil {
		return nil, err
	}
	if opts.Store.SyncTimeout <= 0 {
		opts.Store.SyncTimeout = store.DefaultOptions().SyncTimeout
	}

	life, cancel := context.WithCancel(context.Background())
	o := &Orchestrator[S]{
		host:     host,
		reg:      reg,
		zone:     z,
		opts:     opts,
		defaults: defaults,
		limiter:  limiter.New(),
		pending:  session.NewPendingCalls(),
		tracer:   otel.Tracer(tracerName),
		ready:    make(chan struct{}),
		life:     life,
		cancel:   cancel,
	}
	o.bus = events.NewBus(eventSender[S]{o: o}, events.WithGate(o.await))
	return o, nil
}

// Start connects the zone and brings up the store, the event queue, the
// alarms, and the receive loop. Calls made before Start returns wait for it.
func (o *Orchestrator[S]) Start(ctx context.Context) error {
	if !o.state.CompareAndSwap(stateNew, stateStarting) {
		return fmt.Errorf("%w: start called twice or after close", ErrNotInitialized)
	}
	if err := o.start(ctx); err != nil {
		o.mu.Lock()
		if o.state.Load() != stateClosed {
			o.startErr = err
		}
		o.mu.Unlock()
		o.markReady()
		o.shutdown()
		return err
	}
	if !o.state.CompareAndSwap(stateStarting, stateRunning) {
		return ErrNotInitialized
	}
	o.markReady()
	log.Info().Msgf("orchestrator.Start zone=%s actions=%d", o.zone, len(o.reg.Actions()))
	return nil
}

func (o *Orchestrator[S]) start(ctx context.Context) error {
	o.reg.seal()
	link, err := o.host.Connect(ctx, o.zone.Address())
	if err != nil {
		return fmt.Errorf("orchestrator: connect %s: %w", o.zone, err)
	}
	o.mu.Lock()
	if o.state.Load() == stateClosed {
		o.mu.Unlock()
		_ = link.Close()
		return fmt.Errorf("%w: closed during start", ErrNotInitialized)
	}
	o.link = link
	o.mu.Unlock()

	for _, info := range o.reg.Actions() {
		if info.Zone != o.zone.Kind {
			continue
		}
		if err := o.limiter.Configure(info.ID, info.Concurrency); err != nil {
			return err
		}
	}

	if o.zone.Kind == zone.Background {
		st, err := store.NewAuthoritative(ctx, o.defaults, o.host.Storage(), snapshotLink[S]{o: o}, o.opts.Store)
		if err != nil {
			return err
		}
		o.store = st
	} else {
		st, err := store.NewReplica(o.defaults, snapshotLink[S]{o: o}, o.opts.Store)
		if err != nil {
			return err
		}
		o.store = st
	}
	o.store.Subscribe(func(_ S, version uint64) {
		result := "applied"
		if o.store.Authoritative() {
			result = "committed"
		}
		observability.RecordStoreSnapshot(o.zone.String(), result, version)
	})

	o.mu.Lock()
	if o.state.Load() == stateClosed {
		o.mu.Unlock()
		return fmt.Errorf("%w: closed during start", ErrNotInitialized)
	}
	o.wg.Add(2)
	o.mu.Unlock()
	go func() {
		defer o.wg.Done()
		o.bus.Run(o.life)
	}()
	go func() {
		defer o.wg.Done()
		o.receiveLoop()
	}()

	if o.store.Authoritative() {
		if err := o.store.Announce(ctx, zone.Broadcast); err != nil {
			log.Warn().Msgf("orchestrator.Start announce zone=%s err=%v", o.zone, err)
		}
		if err := o.armAlarms(ctx); err != nil {
			return err
		}
	} else if err := o.requestSnapshot(ctx); err != nil {
		log.Warn().Msgf("orchestrator.Start state request zone=%s err=%v", o.zone, err)
	}
	return nil
}

func (o *Orchestrator[S]) armAlarms(ctx context.Context) error {
	defs := o.reg.Alarms()
	if len(defs) == 0 {
		return nil
	}
	timers := o.host.Timers()
	if timers == nil {
		log.Warn().Msgf("orchestrator.armAlarms no timer service zone=%s alarms=%d", o.zone, len(defs))
		return nil
	}
	sched := alarm.NewScheduler(timers, o, observability.RecordAlarmRun)
	if err := sched.Arm(ctx, defs); err != nil {
		sched.Close()
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Load() == stateClosed {
		sched.Close()
		return fmt.Errorf("%w: closed during start", ErrNotInitialized)
	}
	o.alarms = sched
	return nil
}

// Close stops the zone. Pending remote calls fail with a TransportError and
// later calls fail with ErrNotInitialized.
func (o *Orchestrator[S]) Close() error {
	o.mu.Lock()
	prev := o.state.Swap(stateClosed)
	o.mu.Unlock()
	if prev == stateClosed {
		return nil
	}
	o.markReady()
	o.shutdown()
	log.Info().Msgf("orchestrator.Close zone=%s", o.zone)
	return nil
}

// shutdown releases whatever start has handed out so far. A start still in
// flight sees the closed state and releases the rest itself.
func (o *Orchestrator[S]) shutdown() {
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		alarms, link := o.alarms, o.link
		o.mu.Unlock()
		if alarms != nil {
			alarms.Close()
		}
		o.cancel()
		o.bus.Close()
		if link != nil {
			_ = link.Close()
		}
		o.pending.RejectAll(func(call session.PendingCall) error {
			return &TransportError{ActionID: call.ActionID, Target: call.Target, Err: transport.ErrLinkClosed}
		})
		o.wg.Wait()
	})
}

func (o *Orchestrator[S]) markReady() {
	o.readyOnce.Do(func() { close(o.ready) })
}

// await blocks until Start finishes and reports whether the zone is usable.
func (o *Orchestrator[S]) await(ctx context.Context) error {
	select {
	case <-o.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if o.startErr != nil || o.state.Load() != stateRunning {
		return ErrNotInitialized
	}
	return nil
}

// Ready is closed once Start has finished, successfully or not.
func (o *Orchestrator[S]) Ready() <-chan struct{} {
	return o.ready
}

func (o *Orchestrator[S]) Running() bool {
	return o.state.Load() == stateRunning
}

func (o *Orchestrator[S]) Zone() zone.Zone {
	return o.zone
}

func (o *Orchestrator[S]) RuntimeInfo() zone.RuntimeInfo {
	return o.zone.Runtime
}

func (o *Orchestrator[S]) Address() zone.Address {
	return o.zone.Address()
}

func (o *Orchestrator[S]) Registry() *Registry[S] {
	return o.reg
}

func (o *Orchestrator[S]) Events() *events.Bus {
	return o.bus
}

// Services returns the value handed to handlers as ExecContext.Services.
func (o *Orchestrator[S]) Services() any {
	return o.opts.Services
}

// Store returns the zone's store, nil before Start.
func (o *Orchestrator[S]) Store() *store.Store[S] {
	select {
	case <-o.ready:
		return o.store
	default:
		return nil
	}
}

func (o *Orchestrator[S]) GetState(ctx context.Context) (S, error) {
	var zero S
	if err := o.await(ctx); err != nil {
		return zero, err
	}
	return o.store.GetState(ctx)
}

func (o *Orchestrator[S]) SetState(ctx context.Context, updater func(S) S) (S, error) {
	var zero S
	if err := o.await(ctx); err != nil {
		return zero, err
	}
	return o.store.SetState(ctx, updater)
}

func (o *Orchestrator[S]) ResetPersistence(ctx context.Context) error {
	if err := o.await(ctx); err != nil {
		return err
	}
	return o.store.ResetPersistence(ctx)
}

// Subscribe waits for Start and registers fn for every new tree.
func (o *Orchestrator[S]) Subscribe(ctx context.Context, fn store.Listener[S]) (func(), error) {
	if err := o.await(ctx); err != nil {
		return nil, err
	}
	return o.store.Subscribe(fn), nil
}

// Snapshot returns the store's current tree, false before Start.
func (o *Orchestrator[S]) Snapshot() (store.Snapshot, bool) {
	st := o.Store()
	if st == nil {
		return store.Snapshot{}, false
	}
	return st.Snapshot(), true
}

// Actions lists every registered action.
func (o *Orchestrator[S]) Actions() []ActionInfo {
	return o.reg.Actions()
}

// LimiterStats reports concurrency stats of actions owned by this zone.
func (o *Orchestrator[S]) LimiterStats() []limiter.Stats {
	return o.limiter.Snapshot()
}

// AlarmStats reports alarm runs; empty outside the background zone.
func (o *Orchestrator[S]) AlarmStats() []alarm.Stats {
	o.mu.Lock()
	alarms := o.alarms
	o.mu.Unlock()
	if alarms == nil {
		return nil
	}
	return alarms.Stats()
}

// PendingCalls lists remote calls awaiting a reply.
func (o *Orchestrator[S]) PendingCalls() []session.PendingCall {
	return o.pending.List()
}

func (o *Orchestrator[S]) send(ctx context.Context, env envelope.Envelope) error {
	if o.link == nil {
		return transport.ErrLinkClosed
	}
	if env.TimestampMS == 0 {
		env.TimestampMS = uint64(time.Now().UnixMilli())
	}
	if err := o.link.Send(ctx, env); err != nil {
		return err
	}
	observability.RecordEnvelope(o.zone.String(), env.Kind.String(), "send")
	return nil
}

func (o *Orchestrator[S]) requestSnapshot(ctx context.Context) error {
	return o.send(ctx, envelope.Envelope{
		Kind: envelope.KindStateRequest,
		To:   zone.AddressOf(zone.Background),
	})
}

// snapshotLink carries store traffic over the zone's link.
type snapshotLink[S any] struct {
	o *Orchestrator[S]
}

func (l snapshotLink[S]) PublishSnapshot(ctx context.Context, to zone.Address, snap store.Snapshot) error {
	return l.o.send(ctx, envelope.Envelope{
		Kind:    envelope.KindStateBroadcast,
		To:      to,
		Version: snap.Version,
		Payload: snap.Tree,
	})
}

func (l snapshotLink[S]) RequestSnapshot(ctx context.Context) error {
	return l.o.requestSnapshot(ctx)
}

type eventSender[S any] struct {
	o *Orchestrator[S]
}

func (s eventSender[S]) SendEvent(ctx context.Context, name string, payload []byte) error {
	if err := s.o.await(ctx); err != nil {
		return err
	}
	observability.RecordEvent(s.o.zone.String(), "emit")
	return s.o.send(ctx, envelope.Envelope{
		Kind:      envelope.KindEvent,
		To:        zone.Broadcast,
		EventName: name,
		Payload:   payload,
	})
}

func (o *Orchestrator[S]) receiveLoop() {
	for {
		env, err := o.link.Recv(o.life)
		if err != nil {
			if o.life.Err() == nil && !errors.Is(err, transport.ErrLinkClosed) {
				log.Warn().Msgf("orchestrator.receiveLoop zone=%s err=%v", o.zone, err)
			}
			if o.life.Err() == nil {
				o.pending.RejectAll(func(call session.PendingCall) error {
					return &TransportError{ActionID: call.ActionID, Target: call.Target, Err: transport.ErrLinkClosed}
				})
			}
			return
		}
		observability.RecordEnvelope(o.zone.String(), env.Kind.String(), "recv")
		o.handle(env)
	}
}

func (o *Orchestrator[S]) handle(env envelope.Envelope) {
	switch env.Kind {
	case envelope.KindStateBroadcast:
		if o.store.Authoritative() {
			return
		}
		if !o.store.Apply(store.Snapshot{Version: env.Version, Tree: env.Payload}) {
			observability.RecordStoreSnapshot(o.zone.String(), "stale", env.Version)
		}
	case envelope.KindActionReply:
		if !o.pending.Resolve(env) {
			log.Debug().Msgf("orchestrator.handle late reply zone=%s correlation_id=%s", o.zone, env.CorrelationID)
		}
	case envelope.KindActionCall:
		// The limiter place is taken here so calls from the wire queue in
		// arrival order; only the wait happens off the receive loop.
		var ticket *limiter.Ticket
		if act, ok := o.reg.lookup(env.ActionID); ok && act.info.Zone == o.zone.Kind {
			ticket = o.limiter.Reserve(env.ActionID)
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.serve(env, ticket)
		}()
	case envelope.KindEvent:
		observability.RecordEvent(o.zone.String(), "deliver")
		o.bus.Deliver(env.EventName, env.Payload)
	case envelope.KindStateRequest:
		if !o.store.Authoritative() {
			return
		}
		if err := o.store.Announce(o.life, env.From); err != nil {
			log.Warn().Msgf("orchestrator.handle state request from=%s err=%v", env.From, err)
		}
	case envelope.KindZoneDetach:
		n := o.pending.RejectTarget(env.From, func(call session.PendingCall) error {
			return &TransportError{ActionID: call.ActionID, Target: call.Target, Err: ErrTargetDetached}
		})
		if env.From == zone.AddressOf(zone.Background) {
			o.store.ResetEpoch()
		}
		log.Debug().Msgf("orchestrator.handle detach zone=%s from=%s rejected=%d", o.zone, env.From, n)
	default:
		log.Warn().Msgf("orchestrator.handle unknown kind zone=%s kind=%d", o.zone, env.Kind)
	}
}
