package schema

import (
	"fmt"

	"github.com/danmuck/zonectl/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in the frame header.
const (
	MsgActionCall     uint32 = 1
	MsgActionReply    uint32 = 2
	MsgEvent          uint32 = 3
	MsgStateBroadcast uint32 = 4
	MsgStateRequest   uint32 = 5
	MsgZoneDetach     uint32 = 6
)

// Field IDs carried in the TLV payload.
const (
	FieldCorrelationID uint16 = 1
	FieldActionID      uint16 = 2
	FieldFrom          uint16 = 3
	FieldTo            uint16 = 4
	FieldPayload       uint16 = 5
	FieldErrorCode     uint16 = 6
	FieldErrorMessage  uint16 = 7
	FieldVersion       uint16 = 8
	FieldTimestampMS   uint16 = 9
	FieldEventName     uint16 = 10
)

// MessageName returns the log name of a message type.
func MessageName(messageType uint32) string {
	switch messageType {
	case MsgActionCall:
		return "action.call"
	case MsgActionReply:
		return "action.reply"
	case MsgEvent:
		return "event"
	case MsgStateBroadcast:
		return "state.broadcast"
	case MsgStateRequest:
		return "state.request"
	case MsgZoneDetach:
		return "zone.detach"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgActionCall: {
		{FieldCorrelationID, tlv.TypeString},
		{FieldActionID, tlv.TypeString},
		{FieldFrom, tlv.TypeString},
		{FieldTo, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgActionReply: {
		{FieldCorrelationID, tlv.TypeString},
		{FieldFrom, tlv.TypeString},
		{FieldTo, tlv.TypeString},
		{FieldVersion, tlv.TypeU64},
	},
	MsgEvent: {
		{FieldFrom, tlv.TypeString},
		{FieldEventName, tlv.TypeString},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgStateBroadcast: {
		{FieldFrom, tlv.TypeString},
		{FieldVersion, tlv.TypeU64},
		{FieldPayload, tlv.TypeBytes},
	},
	MsgStateRequest: {
		{FieldFrom, tlv.TypeString},
	},
	MsgZoneDetach: {
		{FieldFrom, tlv.TypeString},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	log.Trace().Msgf("schema.Validate message_type=%d fields=%d", messageType, len(fields))
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Msgf("schema.Validate unknown message_type=%d", messageType)
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().Msgf(
				"schema.Validate missing field message_type=%d field_id=%d",
				messageType,
				req.ID,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().Msgf(
				"schema.Validate type mismatch message_type=%d field_id=%d got=%d want=%d",
				messageType,
				req.ID,
				f.Type,
				req.Type,
			)
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
