package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/zonectl/internal/zone"
)

const (
	controlTypeAttach    = "zone.attach"
	controlTypeAttachAck = "zone.attach.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"
)

var (
	ErrInvalidAttach          = errors.New("session: invalid attach")
	ErrInvalidAttachAck       = errors.New("session: invalid attach ack")
	ErrAttachRejected         = errors.New("session: attach rejected")
	ErrControlMessageTooLarge = errors.New("session: control message too large")
)

// Attach is the zone->hub session-start payload.
type Attach struct {
	Address      string `json:"address"`
	PeerIdentity string `json:"peer_identity,omitempty"`
	Nonce        string `json:"nonce,omitempty"`
}

func (a Attach) Validate() error {
	if strings.TrimSpace(a.Address) == "" {
		return fmt.Errorf("%w: missing address", ErrInvalidAttach)
	}
	if _, err := zone.Address(a.Address).Parse(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAttach, err)
	}
	return nil
}

// AttachAck is the hub->zone attach response.
type AttachAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	Address     string `json:"address"`
	Nonce       string `json:"nonce,omitempty"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a AttachAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidAttachAck)
	}
	if strings.TrimSpace(a.Address) == "" {
		return fmt.Errorf("%w: missing address", ErrInvalidAttachAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidAttachAck)
	}
	return nil
}

// Accepted returns nil for an accepted ack and ErrAttachRejected otherwise.
func (a AttachAck) Accepted() error {
	if a.Status == AckStatusAccepted {
		return nil
	}
	return fmt.Errorf("%w: code=%d message=%s", ErrAttachRejected, a.Code, a.Message)
}

type controlEnvelope struct {
	Type   string     `json:"type"`
	Attach *Attach    `json:"attach,omitempty"`
	Ack    *AttachAck `json:"ack,omitempty"`
}

func WriteAttach(w io.Writer, attach Attach) error {
	if err := attach.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type:   controlTypeAttach,
		Attach: &attach,
	})
}

func ReadAttach(r *bufio.Reader) (Attach, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Attach{}, err
	}
	if env.Type != controlTypeAttach || env.Attach == nil {
		return Attach{}, fmt.Errorf("%w: unexpected control type", ErrInvalidAttach)
	}
	if err := env.Attach.Validate(); err != nil {
		return Attach{}, err
	}
	return *env.Attach, nil
}

func WriteAttachAck(w io.Writer, ack AttachAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type: controlTypeAttachAck,
		Ack:  &ack,
	})
}

func ReadAttachAck(r *bufio.Reader) (AttachAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return AttachAck{}, err
	}
	if env.Type != controlTypeAttachAck || env.Ack == nil {
		return AttachAck{}, fmt.Errorf("%w: unexpected control type", ErrInvalidAttachAck)
	}
	if err := env.Ack.Validate(); err != nil {
		return AttachAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return nil
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > 128*1024 {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
