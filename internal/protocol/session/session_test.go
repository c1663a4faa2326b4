package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/zonectl/internal/protocol/envelope"
	"github.com/danmuck/zonectl/internal/testutil/testlog"
	"github.com/danmuck/zonectl/internal/zone"
)

func TestRedialDelayGrowsToCap(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.Backoff.Jitter = false
	r := NewRedial(cfg, nil)
	want := map[int]time.Duration{
		1: 250 * time.Millisecond,
		2: 500 * time.Millisecond,
		3: time.Second,
		6: 5 * time.Second,
		9: 5 * time.Second,
	}
	for n, d := range want {
		if got := r.Delay(n); got != d {
			t.Fatalf("delay after failure %d got=%v want=%v", n, got, d)
		}
	}
}

func TestRedialJitterStaysInWindow(t *testing.T) {
	testlog.Start(t)
	r := NewRedial(DefaultConfig(), rand.New(rand.NewSource(7)))
	if got := r.Delay(1); got != 250*time.Millisecond {
		t.Fatalf("first delay must not jitter: %v", got)
	}
	for i := 0; i < 50; i++ {
		got := r.Delay(2)
		if got < 250*time.Millisecond || got > 750*time.Millisecond {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
}

func TestRedialStopsAtMaxDialAttempts(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.MaxDialAttempts = 3
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	r := NewRedial(cfg, nil)
	refused := errors.New("connection refused")
	for i := 1; i < 3; i++ {
		if err := r.Retry(context.Background(), refused); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
	}
	err := r.Retry(context.Background(), refused)
	if !errors.Is(err, ErrDialExhausted) || !errors.Is(err, refused) {
		t.Fatalf("expected exhausted wrapping cause, got %v", err)
	}
	if r.Attempts() != 3 {
		t.Fatalf("attempts=%d", r.Attempts())
	}
}

func TestRedialRejectedAttachIsFinal(t *testing.T) {
	testlog.Start(t)
	r := NewRedial(DefaultConfig(), nil)
	rejected := fmt.Errorf("%w: code=1", ErrAttachRejected)
	if err := r.Retry(context.Background(), rejected); !errors.Is(err, ErrAttachRejected) {
		t.Fatalf("expected rejection to end redial, got %v", err)
	}
}

func TestRedialWaitHonorsContext(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.MaxDialAttempts = 0
	cfg.Backoff = BackoffConfig{InitialDelay: time.Hour, Multiplier: 1}
	r := NewRedial(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := r.Retry(ctx, errors.New("refused")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("retry ignored ctx")
	}
}

func TestAttachRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteAttach(&buf, Attach{Address: "content:4", Nonce: "n-1"}); err != nil {
		t.Fatalf("write attach: %v", err)
	}
	if !strings.Contains(buf.String(), `"type":"zone.attach"`) {
		t.Fatalf("unexpected control line: %s", buf.String())
	}
	got, err := ReadAttach(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read attach: %v", err)
	}
	if got.Address != "content:4" || got.Nonce != "n-1" {
		t.Fatalf("unexpected attach: %+v", got)
	}
}

func TestAttachRejectsInvalidAddress(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteAttach(&buf, Attach{Address: "content"}); !errors.Is(err, ErrInvalidAttach) {
		t.Fatalf("expected ErrInvalidAttach, got %v", err)
	}
	if err := WriteAttach(&buf, Attach{}); !errors.Is(err, ErrInvalidAttach) {
		t.Fatalf("expected ErrInvalidAttach, got %v", err)
	}
}

func TestAttachAckRoundTrip(t *testing.T) {
	testlog.Start(t)
	ack := AttachAck{
		Status:      AckStatusRejected,
		Code:        409,
		Message:     "address in use",
		Address:     "popup",
		TimestampMS: 1700000000000,
	}
	var buf bytes.Buffer
	if err := WriteAttachAck(&buf, ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	got, err := ReadAttachAck(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if got.Address != "popup" || got.Code != 409 {
		t.Fatalf("unexpected ack: %+v", got)
	}
	if err := got.Accepted(); !errors.Is(err, ErrAttachRejected) {
		t.Fatalf("expected ErrAttachRejected, got %v", err)
	}
}

func TestReadAttachAckRejectsWrongType(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WriteAttach(&buf, Attach{Address: "popup"}); err != nil {
		t.Fatalf("write attach: %v", err)
	}
	if _, err := ReadAttachAck(bufio.NewReader(&buf)); !errors.Is(err, ErrInvalidAttachAck) {
		t.Fatalf("expected ErrInvalidAttachAck, got %v", err)
	}
}

func TestPendingCallsResolveOnce(t *testing.T) {
	testlog.Start(t)
	p := NewPendingCalls()
	done, ok := p.Add(PendingCall{
		CorrelationID: "corr-1",
		ActionID:      "vault.refresh",
		Target:        zone.AddressOf(zone.Background),
		CreatedAt:     time.Unix(1700000000, 0),
	})
	if !ok {
		t.Fatalf("add pending call")
	}
	if _, ok := p.Add(PendingCall{CorrelationID: "corr-1"}); ok {
		t.Fatalf("duplicate correlation id accepted")
	}
	reply := envelope.Envelope{Kind: envelope.KindActionReply, CorrelationID: "corr-1", Payload: []byte(`1`)}
	if !p.Resolve(reply) {
		t.Fatalf("expected first reply to resolve")
	}
	if p.Resolve(reply) {
		t.Fatalf("duplicate reply should be dropped")
	}
	res := <-done
	if res.Err != nil || string(res.Reply.Payload) != "1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if p.Len() != 0 {
		t.Fatalf("expected empty table, got %d", p.Len())
	}
}

func TestPendingCallsRejectTarget(t *testing.T) {
	testlog.Start(t)
	p := NewPendingCalls()
	detached := zone.ContentAddress(5)
	a, _ := p.Add(PendingCall{CorrelationID: "a", Target: detached})
	b, _ := p.Add(PendingCall{CorrelationID: "b", Target: detached})
	if _, ok := p.Add(PendingCall{CorrelationID: "c", Target: zone.AddressOf(zone.Background)}); !ok {
		t.Fatalf("add c")
	}
	errGone := errors.New("gone")
	n := p.RejectTarget(detached, func(PendingCall) error { return errGone })
	if n != 2 {
		t.Fatalf("expected 2 rejected, got %d", n)
	}
	for _, ch := range []<-chan Result{a, b} {
		if res := <-ch; !errors.Is(res.Err, errGone) {
			t.Fatalf("expected errGone, got %+v", res)
		}
	}
	if _, ok := p.Get("c"); !ok {
		t.Fatalf("unrelated call should remain pending")
	}
	if n := p.RejectAll(func(PendingCall) error { return errGone }); n != 1 {
		t.Fatalf("expected 1 rejected, got %d", n)
	}
}
