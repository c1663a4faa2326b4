package host

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/zonectl/internal/alarm"
	"github.com/danmuck/zonectl/internal/protocol/envelope"
	"github.com/danmuck/zonectl/internal/testutil/testlog"
	"github.com/danmuck/zonectl/internal/zone"
)

func openHost(t *testing.T) *Host {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "host.db")
	cfg.TimerTick = 10 * time.Millisecond
	h, err := Open(cfg)
	if err != nil {
		t.Fatalf("open host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestStorageSaveLoadClear(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	ctx := context.Background()
	s := h.Storage()

	err := s.Save(ctx, map[string]json.RawMessage{
		"entries": json.RawMessage(`["a","b"]`),
		"count":   json.RawMessage(`2`),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, map[string]json.RawMessage{"entries": json.RawMessage(`["c"]`)}); err != nil {
		t.Fatalf("save replace: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || string(got["entries"]) != `["c"]` {
		t.Fatalf("unexpected entries: %v", got)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Fatalf("expected empty area, got %d", n)
	}
}

func TestStorageSurvivesReopen(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "host.db")
	cfg := DefaultConfig()
	cfg.DBPath = path
	h, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := h.Storage().Save(context.Background(), map[string]json.RawMessage{"k": json.RawMessage(`1`)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = h.Close()

	h2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer h2.Close()
	got, err := h2.Storage().Load(context.Background())
	if err != nil || string(got["k"]) != "1" {
		t.Fatalf("entry not persisted: %v err=%v", got, err)
	}
}

func TestNextTickSkipsMissedPeriods(t *testing.T) {
	testlog.Start(t)
	base := time.Unix(1000, 0)
	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{base, base.Add(10 * time.Second)},
		{base.Add(5 * time.Second), base.Add(10 * time.Second)},
		{base.Add(35 * time.Second), base.Add(40 * time.Second)},
		{base.Add(40 * time.Second), base.Add(50 * time.Second)},
	}
	for _, tc := range cases {
		if got := NextTick(base, 10*time.Second, tc.now); !got.Equal(tc.want) {
			t.Fatalf("now=%v: expected %v, got %v", tc.now, tc.want, got)
		}
	}
}

func TestTimerServiceFiresDueAndReschedules(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	ctx := context.Background()
	ts := h.Timers()
	now := time.Unix(1700000000, 0).UTC()
	ts.now = func() time.Time { return now }

	due := alarm.Timer{Name: "sweep", Period: time.Minute, NextAt: now.Add(-150 * time.Second)}
	later := alarm.Timer{Name: "later", Period: time.Minute, NextAt: now.Add(time.Minute)}
	if err := ts.Put(ctx, due); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := ts.Put(ctx, later); err != nil {
		t.Fatalf("put: %v", err)
	}

	if n, _ := ts.FireDue(ctx); n != 0 {
		t.Fatalf("fired without a listener: %d", n)
	}

	var mu sync.Mutex
	var fired []string
	done := make(chan struct{}, 1)
	cancel := ts.Listen(func(_ context.Context, name string) {
		mu.Lock()
		fired = append(fired, name)
		mu.Unlock()
		done <- struct{}{}
	})
	defer cancel()

	n, err := ts.FireDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one due timer, got %d err=%v", n, err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("listener not invoked")
	}
	mu.Lock()
	if len(fired) != 1 || fired[0] != "sweep" {
		t.Fatalf("unexpected fired: %v", fired)
	}
	mu.Unlock()

	got, ok, err := ts.Get(ctx, "sweep")
	if err != nil || !ok {
		t.Fatalf("get: ok=%t err=%v", ok, err)
	}
	if want := now.Add(30 * time.Second); !got.NextAt.Equal(want) {
		t.Fatalf("expected next_at %v, got %v", want, got.NextAt)
	}
}

func TestListenCancelOnlyRemovesOwnHandler(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	ts := h.Timers()
	cancelOld := ts.Listen(func(context.Context, string) {})
	ts.Listen(func(context.Context, string) {})
	cancelOld()
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.listener == nil {
		t.Fatalf("stale cancel removed the newer listener")
	}
}

func TestContextClaimConnectDestroy(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	bg, err := h.NewContext(zone.Background)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	if err := bg.Claim(); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := bg.Claim(); !errors.Is(err, ErrContextClaimed) {
		t.Fatalf("expected ErrContextClaimed, got %v", err)
	}
	if bg.Storage() == nil || bg.Timers() == nil {
		t.Fatalf("background should have storage and timers")
	}

	tab, _ := h.OpenTab()
	tab2, _ := h.OpenTab()
	id1, ok1 := tab.TabID()
	id2, ok2 := tab2.TabID()
	if !ok1 || !ok2 || id1 == id2 {
		t.Fatalf("expected distinct tab ids, got %d %d", id1, id2)
	}
	if tab.Storage() != nil || tab.Timers() != nil {
		t.Fatalf("content context should not reach storage or timers")
	}

	bgLink, err := bg.Connect(context.Background(), zone.AddressOf(zone.Background))
	if err != nil {
		t.Fatalf("connect bg: %v", err)
	}
	addr := zone.ContentAddress(id1)
	if _, err := tab.Connect(context.Background(), addr); err != nil {
		t.Fatalf("connect tab: %v", err)
	}
	tab.Destroy()
	recvCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	notice, err := bgLink.Recv(recvCtx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if notice.Kind != envelope.KindZoneDetach || notice.From != addr {
		t.Fatalf("unexpected notice: %+v", notice)
	}
	if err := tab.Claim(); !errors.Is(err, ErrContextDestroyed) {
		t.Fatalf("expected ErrContextDestroyed, got %v", err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	h := openHost(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, nil) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}
