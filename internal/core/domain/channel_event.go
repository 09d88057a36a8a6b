package domain

// ChannelEventKind enumerates live events on a consultation stream.
type ChannelEventKind string

const (
	EventMessage        ChannelEventKind = "message"
	EventPresence       ChannelEventKind = "presence"
	EventCloseRequested ChannelEventKind = "close_requested"
	EventClosed         ChannelEventKind = "closed"
)

// ChannelEvent is delivered to each joined participant of a consultation.
type ChannelEvent struct {
	Kind          ChannelEventKind `json:"kind"`
	Message       *Message         `json:"message,omitempty"`
	ParticipantID string           `json:"participantId,omitempty"`
	Online        bool             `json:"online,omitempty"`
	By            string           `json:"by,omitempty"`
}
