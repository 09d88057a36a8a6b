package ports

import (
	"context"

	"github.com/villagehealth/portal/internal/core/domain"
)

// NotificationSubscription yields the backlog, then live notifications.
// Next returns domain.ErrEndOfStream once the subscription is closed or
// superseded.
type NotificationSubscription interface {
	Next(ctx context.Context) (domain.Notification, error)
	Close()
}

// NotificationService is the subscribe side of the notification hub.
type NotificationService interface {
	Notifier
	Subscribe(ctx context.Context, recipientID string) (NotificationSubscription, error)
	MarkRead(ctx context.Context, recipientID, notificationID string) error
	Unread(ctx context.Context, recipientID string) ([]domain.Notification, error)
}
