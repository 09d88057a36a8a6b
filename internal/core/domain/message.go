package domain

import "time"

// Message is one chat entry. SequenceNumber is assigned by the server and is
// strictly increasing within a consultation.
type Message struct {
	ID              string    `json:"id"`
	ConsultationID  string    `json:"consultationId"`
	SenderID        string    `json:"senderId"`
	SenderRole      Role      `json:"senderRole"`
	Body            string    `json:"body"`
	SequenceNumber  int64     `json:"sequenceNumber"`
	SentAt          time.Time `json:"sentAt"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
}

// MaxMessageBody bounds a message body in bytes.
const MaxMessageBody = 4096
