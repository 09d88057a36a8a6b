package domain

import "time"

type NotificationKind string

const (
	KindToast      NotificationKind = "toast"
	KindPersistent NotificationKind = "persistent"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is an alert for one recipient. Toasts are never stored;
// persistent notifications stay until marked read.
type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipientId"`
	Kind        NotificationKind `json:"kind"`
	Severity    Severity         `json:"severity"`
	Message     string           `json:"message"`
	CreatedAt   time.Time        `json:"createdAt"`
	Read        bool             `json:"read"`
}

func (k NotificationKind) Valid() bool {
	return k == KindToast || k == KindPersistent
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeveritySuccess, SeverityWarning, SeverityError:
		return true
	}
	return false
}
