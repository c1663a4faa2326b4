package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/zonectl/internal/host"
	"github.com/danmuck/zonectl/internal/protocol/envelope"
	"github.com/danmuck/zonectl/internal/protocol/session"
	"github.com/danmuck/zonectl/internal/store"
	"github.com/danmuck/zonectl/internal/testutil/testlog"
	"github.com/danmuck/zonectl/internal/transport"
	"github.com/danmuck/zonectl/internal/zone"
)

func openHost(t *testing.T) *host.Host {
	t.Helper()
	cfg := host.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "host.db")
	cfg.TimerTick = 10 * time.Millisecond
	h, err := host.Open(cfg)
	if err != nil {
		t.Fatalf("open host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func runHost(t *testing.T, h *host.Host, ln net.Listener) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.CallTimeout = 5 * time.Second
	opts.Store.SyncTimeout = 2 * time.Second
	return opts
}

func newZone(t *testing.T, hc HostContext, reg *Registry[appState], opts Options) *Orchestrator[appState] {
	t.Helper()
	o, err := New(hc, reg, appState{}, opts)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", o.Zone(), err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func startZone(t *testing.T, h *host.Host, reg *Registry[appState], kind zone.Kind) *Orchestrator[appState] {
	t.Helper()
	hc, err := h.NewContext(kind)
	if err != nil {
		t.Fatalf("new context %s: %v", kind, err)
	}
	return newZone(t, hc, reg, testOptions())
}

func eventually(t *testing.T, timeout time.Duration, what string, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !ok() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func counterOf(t *testing.T, o *Orchestrator[appState]) int {
	t.Helper()
	s, err := o.GetState(context.Background())
	if err != nil {
		t.Fatalf("get state %s: %v", o.Zone(), err)
	}
	return s.Counter
}

func registerIncrement(t *testing.T, reg *Registry[appState]) Handle[int, int] {
	t.Helper()
	h, err := RegisterAction(reg, ActionDefinition[appState, int, int]{
		ID:   "counter.increment",
		Zone: zone.Background,
		Execute: func(ctx context.Context, ec ExecContext[appState], by int) (int, error) {
			next, err := ec.Store.SetState(ctx, func(s appState) appState {
				s.Counter += by
				return s
			})
			return next.Counter, err
		},
	})
	if err != nil {
		t.Fatalf("register increment: %v", err)
	}
	return h
}

func TestScenarioConcurrentEchoNeverOverlaps(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()

	var active, peak atomic.Int32
	echo, err := RegisterAction(reg, ActionDefinition[appState, int, int]{
		ID:          "echo",
		Zone:        zone.Background,
		Concurrency: 1,
		Execute: func(_ context.Context, _ ExecContext[appState], in int) (int, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return in, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	startZone(t, h, reg, zone.Background)
	popup := startZone(t, h, reg, zone.Popup)
	call := UseAction(popup, echo)

	results := make([]int, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, in := range []int{1, 2} {
		wg.Add(1)
		go func(i, in int) {
			defer wg.Done()
			results[i], errs[i] = call(context.Background(), in)
		}(i, in)
	}
	wg.Wait()
	for i, in := range []int{1, 2} {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", in, errs[i])
		}
		if results[i] != in {
			t.Fatalf("call %d resolved with %d", in, results[i])
		}
	}
	if peak.Load() != 1 {
		t.Fatalf("handler overlapped: peak=%d", peak.Load())
	}
}

func TestScenarioHandlerErrorBecomesActionError(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	boom := errors.New("boom")
	fail, err := RegisterAction(reg, ActionDefinition[appState, struct{}, struct{}]{
		ID:   "vault.fail",
		Zone: zone.Background,
		Execute: func(context.Context, ExecContext[appState], struct{}) (struct{}, error) {
			return struct{}{}, boom
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	bg := startZone(t, h, reg, zone.Background)
	popup := startZone(t, h, reg, zone.Popup)

	_, err = UseAction(popup, fail)(context.Background(), struct{}{})
	var ae *ActionError
	if !errors.As(err, &ae) {
		t.Fatalf("expected ActionError, got %T %v", err, err)
	}
	if !strings.Contains(ae.Message, "boom") || ae.Zone != bg.Address() {
		t.Fatalf("unexpected action error: %+v", ae)
	}
	if errors.Is(err, ErrTransport) {
		t.Fatalf("handler failure must not be a transport error")
	}

	_, err = UseAction(bg, fail)(context.Background(), struct{}{})
	if !errors.As(err, &ae) || !errors.Is(err, boom) {
		t.Fatalf("expected local ActionError wrapping boom, got %v", err)
	}
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	panicky, err := RegisterAction(reg, ActionDefinition[appState, int, int]{
		ID:          "panicky",
		Zone:        zone.Background,
		Concurrency: 1,
		Execute: func(context.Context, ExecContext[appState], int) (int, error) {
			panic("kaboom")
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	startZone(t, h, reg, zone.Background)
	popup := startZone(t, h, reg, zone.Popup)
	call := UseAction(popup, panicky)

	for i := 0; i < 2; i++ {
		_, err := call(context.Background(), i)
		var ae *ActionError
		if !errors.As(err, &ae) || !strings.Contains(ae.Message, "kaboom") {
			t.Fatalf("call %d: expected recovered ActionError, got %v", i, err)
		}
	}
}

func TestScenarioMutationConvergesAcrossZones(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	increment := registerIncrement(t, reg)

	bg := startZone(t, h, reg, zone.Background)
	popup := startZone(t, h, reg, zone.Popup)
	tab := startZone(t, h, reg, zone.Content)

	eventually(t, 2*time.Second, "tab replica seeded", func() bool {
		return tab.Store().Version() >= 1
	})
	if got := counterOf(t, tab); got != 0 {
		t.Fatalf("expected tab to observe 0, got %d", got)
	}

	got, err := UseAction(popup, increment)(context.Background(), 1)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if got != 1 {
		t.Fatalf("expected increment result 1, got %d", got)
	}
	if c := counterOf(t, popup); c != 1 {
		t.Fatalf("caller must observe its own mutation, got %d", c)
	}
	if c := counterOf(t, bg); c != 1 {
		t.Fatalf("background counter=%d", c)
	}
	eventually(t, 2*time.Second, "tab convergence", func() bool {
		return counterOf(t, tab) == 1
	})
}

func TestStateWritesOnlyInBackground(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	bg := startZone(t, h, reg, zone.Background)
	popup := startZone(t, h, reg, zone.Popup)
	ctx := context.Background()

	if _, err := popup.SetState(ctx, func(s appState) appState { return s }); !errors.Is(err, store.ErrReplicaWrite) {
		t.Fatalf("expected ErrReplicaWrite, got %v", err)
	}

	next, err := bg.SetState(ctx, func(s appState) appState {
		s.Tokens = append(s.Tokens, "t1")
		return s
	})
	if err != nil {
		t.Fatalf("set state: %v", err)
	}
	got, err := bg.GetState(ctx)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if len(got.Tokens) != 1 || got.Tokens[0] != "t1" || len(next.Tokens) != 1 {
		t.Fatalf("unexpected state: %+v", got)
	}

	if n, _ := h.Storage().Count(ctx); n == 0 {
		t.Fatalf("expected durable entries after set state")
	}
	if err := bg.ResetPersistence(ctx); err != nil {
		t.Fatalf("reset persistence: %v", err)
	}
	if n, _ := h.Storage().Count(ctx); n != 0 {
		t.Fatalf("expected empty storage after reset, got %d", n)
	}
	got, _ = bg.GetState(ctx)
	if len(got.Tokens) != 1 {
		t.Fatalf("reset persistence must leave memory alone: %+v", got)
	}
}

func TestScenarioEventFiresOnceWithoutPayload(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	bg := startZone(t, h, reg, zone.Background)
	popup := startZone(t, h, reg, zone.Popup)

	var remote, local atomic.Int32
	var payloadSeen atomic.Bool
	bg.Events().On("ping", func(_ context.Context, payload json.RawMessage) {
		if payload != nil {
			payloadSeen.Store(true)
		}
		remote.Add(1)
	})
	popup.Events().On("ping", func(context.Context, json.RawMessage) {
		local.Add(1)
	})

	if err := popup.Events().Emit(context.Background(), "ping", nil); err != nil {
		t.Fatalf("emit: %v", err)
	}
	eventually(t, 2*time.Second, "remote listener", func() bool { return remote.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	if remote.Load() != 1 || local.Load() != 1 {
		t.Fatalf("expected exactly one firing per zone, remote=%d local=%d", remote.Load(), local.Load())
	}
	if payloadSeen.Load() {
		t.Fatalf("expected nil payload")
	}
}

func TestScenarioAlarmKeepsFiringAfterFailure(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	reg.SetMinAlarmPeriod(10 * time.Millisecond)

	var ticks atomic.Int32
	var target atomic.Pointer[Orchestrator[appState]]
	err := reg.RegisterAlarm(AlarmDefinition[appState]{
		Name:   "maintenance.sweep",
		Period: 30 * time.Millisecond,
		When:   time.Now(),
		OnActivate: func(_ context.Context, o *Orchestrator[appState]) error {
			target.Store(o)
			if ticks.Add(1) == 1 {
				return errors.New("first tick fails")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register alarm: %v", err)
	}
	bg := startZone(t, h, reg, zone.Background)
	runHost(t, h, nil)

	eventually(t, 3*time.Second, "second tick", func() bool { return ticks.Load() >= 2 })
	if target.Load() != bg {
		t.Fatalf("alarm must receive the background orchestrator")
	}
	eventually(t, 2*time.Second, "alarm stats", func() bool {
		stats := bg.AlarmStats()
		return len(stats) == 1 && stats[0].Failures == 1 && stats[0].Runs >= 2
	})
}

func TestSecondOrchestratorOnContextFails(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	hc, err := h.NewContext(zone.Popup)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	newZone(t, hc, reg, testOptions())
	if _, err := New(hc, reg, appState{}, testOptions()); !errors.Is(err, ErrAlreadyInstantiated) {
		t.Fatalf("expected ErrAlreadyInstantiated, got %v", err)
	}
}

func TestCallsWaitForStartAndFailAfterClose(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	echo, err := RegisterAction(reg, echoDef("echo", zone.Background))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	hc, err := h.NewContext(zone.Background)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	o, err := New(hc, reg, appState{}, testOptions())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if o.Store() != nil {
		t.Fatalf("store must not be visible before start")
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := UseAction(o, echo)(short, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected call before start to wait, got %v", err)
	}

	result := make(chan error, 1)
	go func() {
		got, err := UseAction(o, echo)(context.Background(), 7)
		if err == nil && got != 7 {
			err = errors.New("wrong echo")
		}
		result <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("deferred call: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("deferred call never ran")
	}

	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := UseAction(o, echo)(context.Background(), 1); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized after close, got %v", err)
	}
	if err := o.Start(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected restart to fail, got %v", err)
	}
}

func TestActionRunsOnlyInOwningZone(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()

	var mu sync.Mutex
	ranIn := map[zone.Address]int{}
	callers := map[zone.Address]int{}
	whoami, err := RegisterAction(reg, ActionDefinition[appState, struct{}, string]{
		ID:   "zone.whoami",
		Zone: zone.Background,
		Execute: func(_ context.Context, ec ExecContext[appState], _ struct{}) (string, error) {
			mu.Lock()
			ranIn[ec.Orchestrator.Address()]++
			callers[ec.Caller]++
			mu.Unlock()
			return string(ec.Orchestrator.Address()), nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	zones := []*Orchestrator[appState]{
		startZone(t, h, reg, zone.Background),
		startZone(t, h, reg, zone.Popup),
		startZone(t, h, reg, zone.Options),
		startZone(t, h, reg, zone.Content),
	}
	for _, o := range zones {
		got, err := UseAction(o, whoami)(context.Background(), struct{}{})
		if err != nil {
			t.Fatalf("call from %s: %v", o.Zone(), err)
		}
		if got != "background" {
			t.Fatalf("call from %s ran in %s", o.Zone(), got)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(ranIn) != 1 || ranIn["background"] != len(zones) {
		t.Fatalf("unexpected executions: %v", ranIn)
	}
	if len(callers) != len(zones) {
		t.Fatalf("expected one call per caller, got %v", callers)
	}
}

func TestContentActionsNeedATargetTab(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	scan, err := RegisterAction(reg, ActionDefinition[appState, string, int]{
		ID:   "tab.scan",
		Zone: zone.Content,
		Execute: func(_ context.Context, ec ExecContext[appState], _ string) (int, error) {
			return ec.Orchestrator.RuntimeInfo().TabID, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	bg := startZone(t, h, reg, zone.Background)
	tab1 := startZone(t, h, reg, zone.Content)
	tab2 := startZone(t, h, reg, zone.Content)
	ctx := context.Background()

	if _, err := UseAction(bg, scan)(ctx, "q"); !errors.Is(err, ErrTargetRequired) {
		t.Fatalf("expected ErrTargetRequired, got %v", err)
	}
	got, err := UseAction(bg, scan)(WithTargetTab(ctx, tab2.RuntimeInfo().TabID), "q")
	if err != nil || got != tab2.RuntimeInfo().TabID {
		t.Fatalf("targeted call got=%d err=%v", got, err)
	}
	got, err = UseAction(tab1, scan)(ctx, "q")
	if err != nil || got != tab1.RuntimeInfo().TabID {
		t.Fatalf("own-tab call got=%d err=%v", got, err)
	}
	got, err = UseAction(tab1, scan)(WithTargetTab(ctx, tab2.RuntimeInfo().TabID), "q")
	if err != nil || got != tab2.RuntimeInfo().TabID {
		t.Fatalf("cross-tab call got=%d err=%v", got, err)
	}

	_, err = UseAction(bg, scan)(WithTargetTab(ctx, 999), "q")
	if !errors.Is(err, ErrTransport) || !errors.Is(err, transport.ErrUnreachable) {
		t.Fatalf("expected unreachable transport error, got %v", err)
	}
}

func TestUnknownActionAtReceiver(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	startZone(t, h, reg, zone.Background)
	popup := startZone(t, h, reg, zone.Popup)

	if _, err := popup.Call(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownMessageKind) {
		t.Fatalf("expected ErrUnknownMessageKind, got %v", err)
	}
}

func TestPendingCallRejectedWhenTargetDetaches(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	started := make(chan struct{}, 1)
	hang, err := RegisterAction(reg, ActionDefinition[appState, struct{}, struct{}]{
		ID:   "tab.hang",
		Zone: zone.Content,
		Execute: func(ctx context.Context, _ ExecContext[appState], _ struct{}) (struct{}, error) {
			started <- struct{}{}
			<-ctx.Done()
			return struct{}{}, ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	bg := startZone(t, h, reg, zone.Background)
	tabCtx, err := h.OpenTab()
	if err != nil {
		t.Fatalf("open tab: %v", err)
	}
	tab := newZone(t, tabCtx, reg, testOptions())

	result := make(chan error, 1)
	go func() {
		_, err := UseAction(bg, hang)(WithTargetTab(context.Background(), tab.RuntimeInfo().TabID), struct{}{})
		result <- err
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never started")
	}
	tabCtx.Destroy()

	select {
	case err := <-result:
		if !errors.Is(err, ErrTransport) || !errors.Is(err, ErrTargetDetached) {
			t.Fatalf("expected detached transport error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending call never rejected")
	}
	if n := len(bg.PendingCalls()); n != 0 {
		t.Fatalf("expected no pending calls, got %d", n)
	}
}

func TestRemoteCallTimeout(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	release := make(chan struct{})
	slow, err := RegisterAction(reg, ActionDefinition[appState, struct{}, struct{}]{
		ID:   "vault.slow",
		Zone: zone.Background,
		Execute: func(context.Context, ExecContext[appState], struct{}) (struct{}, error) {
			<-release
			return struct{}{}, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	startZone(t, h, reg, zone.Background)
	hc, err := h.NewContext(zone.Popup)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	opts := testOptions()
	opts.CallTimeout = 50 * time.Millisecond
	popup := newZone(t, hc, reg, opts)
	t.Cleanup(func() { close(release) })

	_, err = UseAction(popup, slow)(context.Background(), struct{}{})
	if !errors.Is(err, ErrTransport) || !errors.Is(err, ErrCallTimeout) {
		t.Fatalf("expected call timeout, got %v", err)
	}
	if n := len(popup.PendingCalls()); n != 0 {
		t.Fatalf("expected pending call removed, got %d", n)
	}
}

func TestReplicaFollowsRestartedBackground(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	increment := registerIncrement(t, reg)
	ctx := context.Background()

	bgCtx, err := h.NewContext(zone.Background)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	bg := newZone(t, bgCtx, reg, testOptions())
	popup := startZone(t, h, reg, zone.Popup)
	if _, err := UseAction(popup, increment)(ctx, 2); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if v := popup.Store().Version(); v != 2 {
		t.Fatalf("expected replica version 2, got %d", v)
	}

	_ = bg.Close()
	bgCtx.Destroy()
	eventually(t, 2*time.Second, "replica epoch reset", func() bool {
		return popup.Store().Version() == 0
	})

	restarted := startZone(t, h, reg, zone.Background)
	if c := counterOf(t, restarted); c != 2 {
		t.Fatalf("restarted background must reload durable state, got %d", c)
	}
	eventually(t, 2*time.Second, "replica resync", func() bool {
		return popup.Store().Version() == 1 && counterOf(t, popup) == 2
	})
	got, err := UseAction(popup, increment)(ctx, 1)
	if err != nil || got != 3 {
		t.Fatalf("increment after restart got=%d err=%v", got, err)
	}
	if c := counterOf(t, popup); c != 3 {
		t.Fatalf("expected replica counter 3, got %d", c)
	}
}

func TestSocketZoneCallsBackground(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	increment := registerIncrement(t, reg)
	bg := startZone(t, h, reg, zone.Background)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	runHost(t, h, ln)

	cfg := session.DefaultConfig()
	cfg.MaxDialAttempts = 3
	remote := host.NewRemoteContext(zone.Options, 0, "tcp", ln.Addr().String(), cfg)
	t.Cleanup(remote.Destroy)
	options := newZone(t, remote, reg, testOptions())

	got, err := UseAction(options, increment)(context.Background(), 5)
	if err != nil {
		t.Fatalf("remote increment: %v", err)
	}
	if got != 5 || counterOf(t, options) != 5 || counterOf(t, bg) != 5 {
		t.Fatalf("unexpected counters got=%d", got)
	}
}

func TestRemoteCallsToLimitedActionRunInArrivalOrder(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()

	hold := make(chan struct{})
	var mu sync.Mutex
	var order []int
	_, err := RegisterAction(reg, ActionDefinition[appState, int, int]{
		ID:          "queue.push",
		Zone:        zone.Background,
		Concurrency: 1,
		Execute: func(_ context.Context, _ ExecContext[appState], in int) (int, error) {
			if in == 0 {
				<-hold
			}
			mu.Lock()
			order = append(order, in)
			mu.Unlock()
			return in, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	bg := startZone(t, h, reg, zone.Background)

	port, err := h.Hub().Attach(zone.AddressOf(zone.Popup))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer port.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	send := func(i int) {
		t.Helper()
		payload, _ := json.Marshal(i)
		err := port.Send(ctx, envelope.Envelope{
			Kind:          envelope.KindActionCall,
			To:            bg.Address(),
			CorrelationID: fmt.Sprintf("call-%d", i),
			ActionID:      "queue.push",
			Payload:       payload,
		})
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	send(0)
	inFlight := func() bool {
		for _, st := range bg.LimiterStats() {
			if st.ID == "queue.push" {
				return st.InFlight == 1
			}
		}
		return false
	}
	eventually(t, 2*time.Second, "first call to hold the slot", inFlight)

	const n = 200
	for i := 1; i <= n; i++ {
		send(i)
	}
	close(hold)

	replies := 0
	for replies < n+1 {
		env, err := port.Recv(ctx)
		if err != nil {
			t.Fatalf("recv after %d replies: %v", replies, err)
		}
		if env.Kind != envelope.KindActionReply {
			continue
		}
		if env.Error != nil {
			t.Fatalf("reply %s failed: %+v", env.CorrelationID, env.Error)
		}
		replies++
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("calls ran out of arrival order: %v", order)
		}
	}
}

// slowConnect holds Connect until release is closed.
type slowConnect struct {
	*host.Context
	entered chan struct{}
	release chan struct{}
}

func (s *slowConnect) Connect(ctx context.Context, addr zone.Address) (transport.Link, error) {
	close(s.entered)
	<-s.release
	return s.Context.Connect(ctx, addr)
}

func TestCloseDuringStartDetachesLink(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	inner, err := h.NewContext(zone.Popup)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	hc := &slowConnect{Context: inner, entered: make(chan struct{}), release: make(chan struct{})}
	o, err := New(hc, reg, appState{}, testOptions())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	started := make(chan error, 1)
	go func() { started <- o.Start(context.Background()) }()
	select {
	case <-hc.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("start never reached connect")
	}
	if err := o.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(hc.release)

	select {
	case err := <-started:
		if !errors.Is(err, ErrNotInitialized) {
			t.Fatalf("expected ErrNotInitialized from start, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("start did not return after close")
	}
	addr := zone.AddressOf(zone.Popup)
	if h.Hub().Attached(addr) {
		t.Fatalf("%s still attached after close during start", addr)
	}
	port, err := h.Hub().Attach(addr)
	if err != nil {
		t.Fatalf("address not reusable: %v", err)
	}
	_ = port.Close()
	if o.Running() {
		t.Fatalf("orchestrator reports running after close")
	}
}

func TestEmitBeforeStartWaitsForBothHalves(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	reg := NewRegistry[appState]()
	bg := startZone(t, h, reg, zone.Background)
	var remote atomic.Int32
	bg.Events().On("hello", func(context.Context, json.RawMessage) { remote.Add(1) })

	hc, err := h.NewContext(zone.Popup)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	popup, err := New(hc, reg, appState{}, testOptions())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = popup.Close() })
	var local atomic.Int32
	popup.Events().On("hello", func(context.Context, json.RawMessage) { local.Add(1) })

	emitted := make(chan error, 1)
	go func() { emitted <- popup.Events().Emit(context.Background(), "hello", nil) }()
	time.Sleep(30 * time.Millisecond)
	if local.Load() != 0 {
		t.Fatalf("local listener ran before start")
	}
	if err := popup.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case err := <-emitted:
		if err != nil {
			t.Fatalf("emit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("emit still blocked after start")
	}
	if local.Load() != 1 {
		t.Fatalf("local listener fired %d times", local.Load())
	}
	eventually(t, 2*time.Second, "remote listener", func() bool { return remote.Load() == 1 })

	if err := popup.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := popup.Events().Emit(context.Background(), "hello", nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized after close, got %v", err)
	}
	if local.Load() != 1 {
		t.Fatalf("local listener ran after close")
	}
}
