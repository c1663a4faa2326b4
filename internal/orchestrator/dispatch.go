package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/danmuck/zonectl/internal/limiter"
	"github.com/danmuck/zonectl/internal/observability"
	"github.com/danmuck/zonectl/internal/protocol/envelope"
	"github.com/danmuck/zonectl/internal/protocol/session"
	"github.com/danmuck/zonectl/internal/store"
	"github.com/danmuck/zonectl/internal/transport"
	"github.com/danmuck/zonectl/internal/zone"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// UseAction returns the caller for h bound to o. The returned func runs the
// handler in process when o owns the action and forwards it otherwise.
func UseAction[S, I, O any](o *Orchestrator[S], h Handle[I, O]) func(context.Context, I) (O, error) {
	return func(ctx context.Context, input I) (O, error) {
		var out O
		payload, err := json.Marshal(input)
		if err != nil {
			return out, fmt.Errorf("orchestrator: encode input %s: %w", h.id, err)
		}
		reply, err := o.Call(ctx, h.id, payload)
		if err != nil {
			return out, err
		}
		if len(reply) > 0 {
			if err := json.Unmarshal(reply, &out); err != nil {
				return out, fmt.Errorf("orchestrator: decode output %s: %w", h.id, err)
			}
		}
		return out, nil
	}
}

// Call invokes actionID with a JSON payload and returns the JSON output.
func (o *Orchestrator[S]) Call(ctx context.Context, actionID string, payload []byte) ([]byte, error) {
	if err := o.await(ctx); err != nil {
		return nil, err
	}
	act, ok := o.reg.lookup(actionID)
	if !ok {
		observability.RecordActionCall(o.zone.String(), actionID, observability.PathLocal, observability.OutcomeUnknown, 0)
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageKind, actionID)
	}
	target, local, err := o.route(ctx, act)
	if err != nil {
		return nil, err
	}

	path := observability.PathRemote
	if local {
		path = observability.PathLocal
	}
	ctx, span := o.tracer.Start(ctx, "action.call "+actionID,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("zonectl.action", actionID),
			attribute.String("zonectl.zone", o.zone.String()),
			attribute.String("zonectl.target", target.String()),
			attribute.String("zonectl.path", path),
		),
	)
	defer span.End()

	start := time.Now()
	var out []byte
	if local {
		out, err = o.execute(ctx, act, o.Address(), payload, o.limiter.Reserve(actionID))
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = o.actionError(act.info.ID, err)
		}
	} else {
		out, err = o.callRemote(ctx, act, target, payload)
	}
	observability.RecordActionCall(o.zone.String(), actionID, path, outcomeOf(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// route decides where act runs for a call from this zone.
func (o *Orchestrator[S]) route(ctx context.Context, act *action[S]) (zone.Address, bool, error) {
	owner := act.info.Zone
	if owner != zone.Content {
		if owner == o.zone.Kind {
			return o.Address(), true, nil
		}
		return zone.AddressOf(owner), false, nil
	}
	tab, hasTab := TargetTab(ctx)
	if o.zone.Kind == zone.Content && (!hasTab || tab == o.zone.Runtime.TabID) {
		return o.Address(), true, nil
	}
	if !hasTab {
		return "", false, fmt.Errorf("%w: %s", ErrTargetRequired, act.info.ID)
	}
	return zone.ContentAddress(tab), false, nil
}

// execute runs act in this zone under its concurrency limit.
// execute runs act once ticket holds a slot. The ticket is always consumed.
func (o *Orchestrator[S]) execute(ctx context.Context, act *action[S], caller zone.Address, payload []byte, ticket *limiter.Ticket) (out []byte, err error) {
	id := act.info.ID
	release, err := ticket.Wait(ctx)
	if err != nil {
		return nil, err
	}
	o.recordConcurrency(id)
	defer func() {
		release()
		o.recordConcurrency(id)
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("orchestrator.execute panic action=%s zone=%s panic=%v\n%s", id, o.zone, r, debug.Stack())
			out = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ec := ExecContext[S]{
		Orchestrator: o,
		Store:        o.store,
		Services:     o.opts.Services,
		Caller:       caller,
	}
	return act.invoke(ctx, ec, payload)
}

func (o *Orchestrator[S]) recordConcurrency(id string) {
	st := o.limiter.Stats(id)
	observability.SetActionConcurrency(o.zone.String(), id, st.InFlight, st.Waiting)
}

func (o *Orchestrator[S]) actionError(actionID string, err error) error {
	var ae *ActionError
	if errors.As(err, &ae) {
		return err
	}
	return &ActionError{ActionID: actionID, Zone: o.Address(), Message: err.Error(), err: err}
}

// callRemote sends an action call to target and waits for its reply.
func (o *Orchestrator[S]) callRemote(ctx context.Context, act *action[S], target zone.Address, payload []byte) ([]byte, error) {
	id := act.info.ID
	correlationID := uuid.NewString()
	done, ok := o.pending.Add(session.PendingCall{
		CorrelationID: correlationID,
		ActionID:      id,
		Target:        target,
		CreatedAt:     time.Now(),
	})
	if !ok {
		return nil, &TransportError{ActionID: id, Target: target, Err: fmt.Errorf("correlation id collision %s", correlationID)}
	}
	defer o.pending.Remove(correlationID)

	callCtx := ctx
	if o.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.opts.CallTimeout)
		defer cancel()
	}

	err := o.send(callCtx, envelope.Envelope{
		Kind:          envelope.KindActionCall,
		To:            target,
		CorrelationID: correlationID,
		ActionID:      id,
		Payload:       payload,
	})
	if err != nil {
		return nil, &TransportError{ActionID: id, Target: target, Err: err}
	}
	log.Trace().Msgf("orchestrator.callRemote sent action=%s target=%s correlation_id=%s", id, target, correlationID)

	var res session.Result
	select {
	case res = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{ActionID: id, Target: target, Err: ErrCallTimeout}
	}
	if res.Err != nil {
		return nil, res.Err
	}
	reply := res.Reply
	if reply.Error != nil {
		return nil, replyError(id, target, reply.Error)
	}
	if reply.Version > 0 && !o.store.Authoritative() {
		o.store.Observe(reply.Version)
		if err := o.store.WaitVersion(ctx, reply.Version); err != nil {
			if !errors.Is(err, store.ErrSyncTimeout) {
				return nil, err
			}
			log.Warn().Msgf("orchestrator.callRemote replica behind action=%s version=%d err=%v", id, reply.Version, err)
		}
	}
	return reply.Payload, nil
}

func replyError(actionID string, target zone.Address, e *envelope.Error) error {
	switch e.Code {
	case envelope.CodeActionError:
		return &ActionError{ActionID: actionID, Zone: target, Message: e.Message}
	case envelope.CodeUnknownMessageKind:
		return fmt.Errorf("%w: %s at %s: %s", ErrUnknownMessageKind, actionID, target, e.Message)
	case envelope.CodeUnreachable:
		return &TransportError{ActionID: actionID, Target: target, Err: fmt.Errorf("%w: %s", transport.ErrUnreachable, e.Message)}
	default:
		return &TransportError{ActionID: actionID, Target: target, Err: fmt.Errorf("unknown reply code %q: %s", e.Code, e.Message)}
	}
}

// serve executes an inbound call on the zone's lifetime context and replies.
// serve answers a remote call. ticket is the limiter place reserved when the
// call was received, or nil when this zone does not own the action.
func (o *Orchestrator[S]) serve(call envelope.Envelope, ticket *limiter.Ticket) {
	ctx, span := o.tracer.Start(o.life, "action.serve "+call.ActionID,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("zonectl.action", call.ActionID),
			attribute.String("zonectl.zone", o.zone.String()),
			attribute.String("zonectl.caller", call.From.String()),
		),
	)
	defer span.End()

	reply := envelope.Envelope{
		Kind:          envelope.KindActionReply,
		To:            call.From,
		CorrelationID: call.CorrelationID,
		ActionID:      call.ActionID,
	}
	start := time.Now()
	act, ok := o.reg.lookup(call.ActionID)
	switch {
	case !ok || act.info.Zone != o.zone.Kind || ticket == nil:
		reply.Error = &envelope.Error{
			Code:    envelope.CodeUnknownMessageKind,
			Message: fmt.Sprintf("action %q not served by %s", call.ActionID, o.zone),
		}
		observability.RecordActionCall(o.zone.String(), call.ActionID, observability.PathServe, observability.OutcomeUnknown, time.Since(start))
	default:
		out, err := o.execute(ctx, act, call.From, call.Payload, ticket)
		if err != nil {
			reply.Error = &envelope.Error{Code: envelope.CodeActionError, Message: err.Error()}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			reply.Payload = out
		}
		observability.RecordActionCall(o.zone.String(), call.ActionID, observability.PathServe, outcomeOf(err), time.Since(start))
	}
	if o.store.Authoritative() {
		reply.Version = o.store.Version()
	}
	if err := o.send(o.life, reply); err != nil {
		log.Warn().Msgf("orchestrator.serve reply dropped action=%s to=%s err=%v", call.ActionID, call.From, err)
	}
}

func outcomeOf(err error) string {
	var ae *ActionError
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.As(err, &ae):
		return observability.OutcomeActionError
	case errors.Is(err, ErrUnknownMessageKind):
		return observability.OutcomeUnknown
	case errors.Is(err, ErrTransport):
		return observability.OutcomeTransportError
	default:
		return "error"
	}
}
