// Package wire defines the JSON frames exchanged over the consultation and
// notification WebSocket streams. Both the API handlers and the client
// transport encode and decode through it.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/villagehealth/portal/internal/core/domain"
)

// Frame types, client to server.
const (
	TypeSend  = "send"
	TypeClose = "close"
)

// Frame types, server to client.
const (
	TypeJoined         = "joined"
	TypeMessage        = "message"
	TypeAck            = "ack"
	TypeCloseResult    = "close_result"
	TypePresence       = "presence"
	TypeCloseRequested = "close_requested"
	TypeClosed         = "closed"
	TypeError          = "error"
	TypeNotification   = "notification"
	TypeSuperseded     = "superseded"
)

// Error codes carried by error frames.
const (
	CodeNotFound        = "not_found"
	CodeUnauthorized    = "unauthorized"
	CodeAlreadyClosed   = "already_closed"
	CodeInvalidArgument = "invalid_argument"
	CodeInternal        = "internal"
)

// Frame is one WebSocket text message. RequestID pairs a reply with the
// client frame that caused it.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewFrame encodes payload into a frame of type typ.
func NewFrame(typ, requestID string, payload any) (Frame, error) {
	f := Frame{Type: typ, RequestID: requestID}
	if payload == nil {
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", typ, err)
	}
	f.Payload = raw
	return f, nil
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return nil
}

type SendPayload struct {
	ClientMessageID string `json:"clientMessageId"`
	Body            string `json:"body"`
}

type JoinedPayload struct {
	Consultation domain.Consultation `json:"consultation"`
	Backlog      []domain.Message    `json:"backlog"`
	Online       []string            `json:"online"`
}

type PresencePayload struct {
	ParticipantID string `json:"participantId"`
	Online        bool   `json:"online"`
}

// ByPayload names who requested or performed a close.
type ByPayload struct {
	By string `json:"by"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// ErrorFor converts a service error into its frame payload.
func ErrorFor(err error) ErrorPayload {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return ErrorPayload{Code: CodeInvalidArgument, Message: ve.Message, Field: ve.Field}
	case errors.Is(err, domain.ErrValidation):
		return ErrorPayload{Code: CodeInvalidArgument, Message: err.Error()}
	case errors.Is(err, domain.ErrNotFound):
		return ErrorPayload{Code: CodeNotFound, Message: "consultation not found"}
	case errors.Is(err, domain.ErrUnauthorized):
		return ErrorPayload{Code: CodeUnauthorized, Message: "not a participant of this consultation"}
	case errors.Is(err, domain.ErrAlreadyClosed):
		return ErrorPayload{Code: CodeAlreadyClosed, Message: "consultation already closed"}
	default:
		return ErrorPayload{Code: CodeInternal, Message: "internal error"}
	}
}

// Err converts the payload back into the matching domain error.
func (p ErrorPayload) Err() error {
	switch p.Code {
	case CodeInvalidArgument:
		return &domain.ValidationError{Field: p.Field, Message: p.Message}
	case CodeNotFound:
		return fmt.Errorf("%s: %w", p.Message, domain.ErrNotFound)
	case CodeUnauthorized:
		return fmt.Errorf("%s: %w", p.Message, domain.ErrUnauthorized)
	case CodeAlreadyClosed:
		return domain.ErrAlreadyClosed
	default:
		return fmt.Errorf("server error: %s", p.Message)
	}
}

// EventFrame converts a channel event into its server frame.
func EventFrame(ev domain.ChannelEvent) (Frame, error) {
	switch ev.Kind {
	case domain.EventMessage:
		return NewFrame(TypeMessage, "", ev.Message)
	case domain.EventPresence:
		return NewFrame(TypePresence, "", PresencePayload{ParticipantID: ev.ParticipantID, Online: ev.Online})
	case domain.EventCloseRequested:
		return NewFrame(TypeCloseRequested, "", ByPayload{By: ev.By})
	case domain.EventClosed:
		return NewFrame(TypeClosed, "", ByPayload{By: ev.By})
	default:
		return Frame{}, fmt.Errorf("unknown channel event %q", ev.Kind)
	}
}

// ParseEvent converts a server frame back into a channel event. ok is false
// for frames that are not events.
func ParseEvent(f Frame) (ev domain.ChannelEvent, ok bool, err error) {
	switch f.Type {
	case TypeMessage:
		var m domain.Message
		if err := f.Decode(&m); err != nil {
			return ev, true, err
		}
		return domain.ChannelEvent{Kind: domain.EventMessage, Message: &m}, true, nil
	case TypePresence:
		var p PresencePayload
		if err := f.Decode(&p); err != nil {
			return ev, true, err
		}
		return domain.ChannelEvent{Kind: domain.EventPresence, ParticipantID: p.ParticipantID, Online: p.Online}, true, nil
	case TypeCloseRequested, TypeClosed:
		var p ByPayload
		if err := f.Decode(&p); err != nil {
			return ev, true, err
		}
		kind := domain.EventCloseRequested
		if f.Type == TypeClosed {
			kind = domain.EventClosed
		}
		return domain.ChannelEvent{Kind: kind, By: p.By}, true, nil
	default:
		return ev, false, nil
	}
}
