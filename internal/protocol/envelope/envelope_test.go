package envelope

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/zonectl/internal/protocol/frame"
	"github.com/danmuck/zonectl/internal/protocol/schema"
	"github.com/danmuck/zonectl/internal/testutil/testlog"
	"github.com/danmuck/zonectl/internal/zone"
)

func TestActionCallRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Envelope{
		Kind:          KindActionCall,
		MessageID:     7,
		From:          zone.ContentAddress(3),
		To:            zone.AddressOf(zone.Background),
		CorrelationID: "corr-1",
		ActionID:      "vault.refresh",
		Payload:       []byte(`{"force":true}`),
		TimestampMS:   1700000000000,
	}
	b, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Kind != in.Kind || out.MessageID != 7 || out.From != in.From || out.To != in.To {
		t.Fatalf("routing mismatch: %+v", out)
	}
	if out.CorrelationID != "corr-1" || out.ActionID != "vault.refresh" {
		t.Fatalf("ids mismatch: %+v", out)
	}
	if !bytes.Equal(out.Payload, in.Payload) || out.TimestampMS != in.TimestampMS {
		t.Fatalf("payload mismatch: %+v", out)
	}
}

func TestActionReplyErrorRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := Envelope{
		Kind:          KindActionReply,
		From:          zone.AddressOf(zone.Background),
		To:            zone.AddressOf(zone.Popup),
		CorrelationID: "corr-2",
		Version:       4,
		Error:         &Error{Code: "action_error", Message: "boom"},
	}
	f, err := ToFrame(in)
	if err != nil {
		t.Fatalf("to frame: %v", err)
	}
	if f.Header.Flags&frame.FlagIsResponse == 0 || f.Header.Flags&frame.FlagIsError == 0 {
		t.Fatalf("expected response+error flags, got %#x", f.Header.Flags)
	}
	out, err := FromFrame(f)
	if err != nil {
		t.Fatalf("from frame: %v", err)
	}
	if out.Error == nil || out.Error.Code != "action_error" || out.Error.Message != "boom" {
		t.Fatalf("error mismatch: %+v", out.Error)
	}
	if out.Version != 4 || out.Payload != nil {
		t.Fatalf("unexpected reply: %+v", out)
	}
}

func TestBroadcastEventHasNoTarget(t *testing.T) {
	testlog.Start(t)
	in := Envelope{
		Kind:      KindEvent,
		From:      zone.AddressOf(zone.Popup),
		EventName: "vault.invalidated",
	}
	f, err := ToFrame(in)
	if err != nil {
		t.Fatalf("to frame: %v", err)
	}
	if f.Header.Flags&frame.FlagBroadcast == 0 {
		t.Fatalf("expected broadcast flag")
	}
	out, err := FromFrame(f)
	if err != nil {
		t.Fatalf("from frame: %v", err)
	}
	if !out.IsBroadcast() || out.EventName != "vault.invalidated" {
		t.Fatalf("unexpected event: %+v", out)
	}
	if len(out.Payload) != 0 {
		t.Fatalf("expected empty payload, got %q", out.Payload)
	}
}

func TestDirectedStateBroadcastKeepsTarget(t *testing.T) {
	testlog.Start(t)
	in := Envelope{
		Kind:    KindStateBroadcast,
		From:    zone.AddressOf(zone.Background),
		To:      zone.ContentAddress(9),
		Version: 12,
		Payload: []byte(`{"count":3}`),
	}
	b, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.To != zone.ContentAddress(9) || out.Version != 12 {
		t.Fatalf("unexpected snapshot envelope: %+v", out)
	}
}

func TestValidateRejectsIncompleteEnvelopes(t *testing.T) {
	testlog.Start(t)
	bad := []Envelope{
		{Kind: KindActionCall, CorrelationID: "c", ActionID: "a", To: "background"},
		{Kind: KindActionCall, From: "popup", ActionID: "a", To: "background"},
		{Kind: KindActionCall, From: "popup", CorrelationID: "c", ActionID: "a"},
		{Kind: KindActionReply, From: "background", To: "popup"},
		{Kind: KindEvent, From: "popup"},
		{Kind: KindStateBroadcast, From: "background"},
		{Kind: Kind(99), From: "background"},
	}
	for i, e := range bad {
		if _, err := Marshal(e); !errors.Is(err, ErrInvalidEnvelope) {
			t.Fatalf("case %d: expected ErrInvalidEnvelope, got %v", i, err)
		}
	}
}

func TestUnmarshalRejectsTrailingBytes(t *testing.T) {
	testlog.Start(t)
	b, err := Marshal(Envelope{Kind: KindZoneDetach, From: "popup"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b = append(b, 0x00)
	if _, err := Unmarshal(b); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestFromFrameRejectsSchemaViolation(t *testing.T) {
	testlog.Start(t)
	f := frame.Frame{Header: frame.Header{MessageType: schema.MsgStateRequest}}
	var ve schema.ValidationError
	if _, err := FromFrame(f); !errors.As(err, &ve) {
		t.Fatalf("expected schema.ValidationError, got %v", err)
	}
}
