// Package envelope is the typed message shape exchanged between zones and
// its frame/TLV encoding.
package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/zonectl/internal/protocol/frame"
	"github.com/danmuck/zonectl/internal/protocol/schema"
	"github.com/danmuck/zonectl/internal/protocol/tlv"
	"github.com/danmuck/zonectl/internal/zone"
)

var ErrInvalidEnvelope = errors.New("envelope: invalid envelope")

// Kind mirrors the frame message type.
type Kind uint32

const (
	KindActionCall     = Kind(schema.MsgActionCall)
	KindActionReply    = Kind(schema.MsgActionReply)
	KindEvent          = Kind(schema.MsgEvent)
	KindStateBroadcast = Kind(schema.MsgStateBroadcast)
	KindStateRequest   = Kind(schema.MsgStateRequest)
	KindZoneDetach     = Kind(schema.MsgZoneDetach)
)

func (k Kind) String() string {
	return schema.MessageName(uint32(k))
}

// Reply error codes.
const (
	CodeActionError        = "action_error"
	CodeUnknownMessageKind = "unknown_message_kind"
	CodeUnreachable        = "unreachable"
)

// Error is the failure half of an action reply.
type Error struct {
	Code    string
	Message string
}

// Envelope is one message between zones. To is zone.Broadcast for fan-out.
type Envelope struct {
	Kind          Kind
	MessageID     uint64
	From          zone.Address
	To            zone.Address
	CorrelationID string
	ActionID      string
	EventName     string
	Payload       []byte
	Error         *Error
	Version       uint64
	TimestampMS   uint64
}

func (e Envelope) IsBroadcast() bool {
	return e.To == zone.Broadcast
}

// Validate enforces the per-kind fields the runtime relies on.
func (e Envelope) Validate() error {
	if strings.TrimSpace(string(e.From)) == "" {
		return fmt.Errorf("%w: missing from", ErrInvalidEnvelope)
	}
	switch e.Kind {
	case KindActionCall:
		if strings.TrimSpace(e.CorrelationID) == "" {
			return fmt.Errorf("%w: action.call missing correlation_id", ErrInvalidEnvelope)
		}
		if strings.TrimSpace(e.ActionID) == "" {
			return fmt.Errorf("%w: action.call missing action_id", ErrInvalidEnvelope)
		}
		if e.IsBroadcast() {
			return fmt.Errorf("%w: action.call requires a target", ErrInvalidEnvelope)
		}
	case KindActionReply:
		if strings.TrimSpace(e.CorrelationID) == "" {
			return fmt.Errorf("%w: action.reply missing correlation_id", ErrInvalidEnvelope)
		}
		if e.IsBroadcast() {
			return fmt.Errorf("%w: action.reply requires a target", ErrInvalidEnvelope)
		}
		if e.Error != nil && strings.TrimSpace(e.Error.Code) == "" {
			return fmt.Errorf("%w: action.reply error missing code", ErrInvalidEnvelope)
		}
	case KindEvent:
		if strings.TrimSpace(e.EventName) == "" {
			return fmt.Errorf("%w: event missing name", ErrInvalidEnvelope)
		}
	case KindStateBroadcast:
		if e.Version == 0 {
			return fmt.Errorf("%w: state.broadcast missing version", ErrInvalidEnvelope)
		}
	case KindStateRequest, KindZoneDetach:
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidEnvelope, uint32(e.Kind))
	}
	return nil
}

// Fields returns the TLV field list of e.
func (e Envelope) Fields() []tlv.Field {
	fields := []tlv.Field{tlv.String(schema.FieldFrom, string(e.From))}
	switch e.Kind {
	case KindActionCall:
		fields = append(fields,
			tlv.String(schema.FieldCorrelationID, e.CorrelationID),
			tlv.String(schema.FieldActionID, e.ActionID),
			tlv.String(schema.FieldTo, string(e.To)),
			tlv.Bytes(schema.FieldPayload, nonNil(e.Payload)),
		)
	case KindActionReply:
		fields = append(fields,
			tlv.String(schema.FieldCorrelationID, e.CorrelationID),
			tlv.String(schema.FieldTo, string(e.To)),
			tlv.U64(schema.FieldVersion, e.Version),
		)
		if e.ActionID != "" {
			fields = append(fields, tlv.String(schema.FieldActionID, e.ActionID))
		}
		if e.Payload != nil {
			fields = append(fields, tlv.Bytes(schema.FieldPayload, e.Payload))
		}
		if e.Error != nil {
			fields = append(fields,
				tlv.String(schema.FieldErrorCode, e.Error.Code),
				tlv.String(schema.FieldErrorMessage, e.Error.Message),
			)
		}
	case KindEvent:
		fields = append(fields,
			tlv.String(schema.FieldEventName, e.EventName),
			tlv.Bytes(schema.FieldPayload, nonNil(e.Payload)),
		)
	case KindStateBroadcast:
		fields = append(fields,
			tlv.U64(schema.FieldVersion, e.Version),
			tlv.Bytes(schema.FieldPayload, nonNil(e.Payload)),
		)
	}
	if e.Kind != KindActionCall && e.Kind != KindActionReply && !e.IsBroadcast() {
		fields = append(fields, tlv.String(schema.FieldTo, string(e.To)))
	}
	if e.TimestampMS != 0 {
		fields = append(fields, tlv.U64(schema.FieldTimestampMS, e.TimestampMS))
	}
	return fields
}

// ToFrame builds the wire frame for e.
func ToFrame(e Envelope) (frame.Frame, error) {
	if err := e.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := e.Fields()
	if err := schema.Validate(uint32(e.Kind), fields); err != nil {
		return frame.Frame{}, err
	}
	var flags uint32
	if e.Kind == KindActionReply {
		flags |= frame.FlagIsResponse
		if e.Error != nil {
			flags |= frame.FlagIsError
		}
	}
	if e.IsBroadcast() {
		flags |= frame.FlagBroadcast
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   e.MessageID,
			MessageType: uint32(e.Kind),
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

// FromFrame decodes a wire frame into an envelope.
func FromFrame(f frame.Frame) (Envelope, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Envelope{}, err
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return Envelope{}, err
	}
	e := Envelope{
		Kind:          Kind(f.Header.MessageType),
		MessageID:     f.Header.MessageID,
		From:          zone.Address(tlv.StringField(fields, schema.FieldFrom)),
		To:            zone.Address(tlv.StringField(fields, schema.FieldTo)),
		CorrelationID: tlv.StringField(fields, schema.FieldCorrelationID),
		ActionID:      tlv.StringField(fields, schema.FieldActionID),
		EventName:     tlv.StringField(fields, schema.FieldEventName),
		Payload:       tlv.BytesField(fields, schema.FieldPayload),
		Version:       tlv.U64Field(fields, schema.FieldVersion),
		TimestampMS:   tlv.U64Field(fields, schema.FieldTimestampMS),
	}
	if code := tlv.StringField(fields, schema.FieldErrorCode); code != "" {
		e.Error = &Error{Code: code, Message: tlv.StringField(fields, schema.FieldErrorMessage)}
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Marshal encodes e as complete frame bytes.
func Marshal(e Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, e, frame.DefaultLimits()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes exactly one frame from b.
func Unmarshal(b []byte) (Envelope, error) {
	r := bytes.NewReader(b)
	e, err := Read(r, frame.DefaultLimits())
	if err != nil {
		return Envelope{}, err
	}
	if r.Len() != 0 {
		return Envelope{}, fmt.Errorf("%w: %d trailing bytes", ErrInvalidEnvelope, r.Len())
	}
	return e, nil
}

func Write(w io.Writer, e Envelope, limits frame.Limits) error {
	f, err := ToFrame(e)
	if err != nil {
		return err
	}
	return frame.WriteFrame(w, f, limits)
}

func Read(r io.Reader, limits frame.Limits) (Envelope, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return Envelope{}, err
	}
	return FromFrame(f)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
