package ports

import (
	"context"

	"github.com/villagehealth/portal/internal/core/domain"
)

// CreateConsultationInput is passed from the transport layer to the
// consultation service.
type CreateConsultationInput struct {
	VillagerID string
	DoctorID   string
	Actor      domain.Actor
}

// Participation is one joined participant of a consultation room. Events is
// closed when the participant leaves or the consultation closes.
type Participation interface {
	Joined() Joined
	Events() <-chan domain.ChannelEvent
	Leave()
}

// ConsultationService defines the server-side use cases of a consultation.
type ConsultationService interface {
	Create(ctx context.Context, in CreateConsultationInput) (*domain.Consultation, error)
	Get(ctx context.Context, id string, actor domain.Actor) (*domain.Consultation, error)
	Join(ctx context.Context, id string, actor domain.Actor, afterSequence int64) (Participation, error)
	Send(ctx context.Context, id string, actor domain.Actor, clientMessageID, body string) (domain.Message, error)
	History(ctx context.Context, id string, actor domain.Actor, after, upto int64, limit int) ([]domain.Message, error)
	Close(ctx context.Context, id string, actor domain.Actor) (domain.CloseOutcome, error)
}
