package ports

import (
	"context"

	"github.com/villagehealth/portal/internal/core/domain"
)

// ConsultationRepository persists consultations.
type ConsultationRepository interface {
	Create(ctx context.Context, c *domain.Consultation) error
	// FindByID returns domain.ErrNotFound for unknown ids.
	FindByID(ctx context.Context, id string) (*domain.Consultation, error)
	Update(ctx context.Context, c *domain.Consultation) error
}

// MessageRepository persists consultation messages.
type MessageRepository interface {
	// Append stores m. It returns domain.ErrConflict when the sequence
	// number is already taken in the consultation.
	Append(ctx context.Context, m *domain.Message) error
	// Range returns messages with after < seq <= upto in ascending order.
	// upto <= 0 means no upper bound; limit <= 0 means no limit.
	Range(ctx context.Context, consultationID string, after, upto int64, limit int) ([]domain.Message, error)
	LastSequence(ctx context.Context, consultationID string) (int64, error)
	FindByClientID(ctx context.Context, consultationID, clientMessageID string) (*domain.Message, error)
}
