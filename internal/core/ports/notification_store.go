package ports

import (
	"context"
	"time"

	"github.com/villagehealth/portal/internal/core/domain"
)

// NotificationStore retains persistent notifications.
type NotificationStore interface {
	// Save returns domain.ErrConflict when the id already exists.
	Save(ctx context.Context, n *domain.Notification) error
	FindByID(ctx context.Context, id string) (*domain.Notification, error)
	// Unread returns the recipient's unread notifications oldest first.
	Unread(ctx context.Context, recipientID string) ([]domain.Notification, error)
	MarkRead(ctx context.Context, id string) error
}

// Debouncer collapses repeated keys within a window. Admit reports true for
// the first occurrence of key inside the window. Forget releases a key so
// the next Admit succeeds again.
type Debouncer interface {
	Admit(ctx context.Context, key string, window time.Duration) (bool, error)
	Forget(ctx context.Context, key string) error
}

// NotificationInput is the DTO for notifications arriving from outside the
// process (MQTT, admin API).
type NotificationInput struct {
	RecipientID string
	Kind        string
	Severity    string
	Message     string
}

// Notifier is the publish side of the notification hub.
type Notifier interface {
	Publish(ctx context.Context, n domain.Notification) (*domain.Notification, error)
}

// NotificationIngester turns external input into published notifications.
type NotificationIngester interface {
	Ingest(ctx context.Context, in NotificationInput) error
}
