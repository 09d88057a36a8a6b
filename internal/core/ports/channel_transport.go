package ports

import (
	"context"

	"github.com/villagehealth/portal/internal/core/domain"
)

// ConnectRequest opens a live stream for one consultation, replaying every
// message after AfterSequence.
type ConnectRequest struct {
	ConsultationID string
	AfterSequence  int64
	Session        *domain.Session
}

// SendRequest carries one outgoing message. ClientMessageID makes retries
// idempotent.
type SendRequest struct {
	ClientMessageID string
	Body            string
}

// Joined is the server's answer to a successful connect.
type Joined struct {
	Consultation domain.Consultation
	Backlog      []domain.Message
	Online       []string
}

// ChannelConn is one live connection to a consultation.
type ChannelConn interface {
	Send(ctx context.Context, req SendRequest) (domain.Message, error)
	End(ctx context.Context) (domain.CloseOutcome, error)
	// Recv blocks for the next event. Any error means the connection is gone.
	Recv(ctx context.Context) (domain.ChannelEvent, error)
	Close() error
}

// ChannelTransport dials consultation streams and fetches history ranges.
// Domain failures (NotFound, Unauthorized, AlreadyClosed) are returned as
// the matching domain errors; anything else is a transport failure.
type ChannelTransport interface {
	Connect(ctx context.Context, req ConnectRequest) (ChannelConn, *Joined, error)
	FetchHistory(ctx context.Context, session *domain.Session, consultationID string, after, upto int64) ([]domain.Message, error)
}
