package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
)

type ingestService struct {
	notifier ports.Notifier
	log      zerolog.Logger
}

// NewIngestService returns a NotificationIngester publishing through notifier.
func NewIngestService(notifier ports.Notifier, log zerolog.Logger) ports.NotificationIngester {
	return &ingestService{notifier: notifier, log: log}
}

// Ingest normalises one external notification and publishes it. Collapsed
// duplicates are not an error.
func (s *ingestService) Ingest(ctx context.Context, in ports.NotificationInput) error {
	n := domain.Notification{
		RecipientID: strings.TrimSpace(in.RecipientID),
		Kind:        domain.NotificationKind(strings.ToLower(strings.TrimSpace(in.Kind))),
		Severity:    domain.Severity(strings.ToLower(strings.TrimSpace(in.Severity))),
		Message:     strings.TrimSpace(in.Message),
	}
	if n.Severity == "" {
		n.Severity = domain.SeverityInfo
	}

	published, err := s.notifier.Publish(ctx, n)
	if err != nil {
		return fmt.Errorf("ingest notification: %w", err)
	}
	if published == nil {
		s.log.Debug().Str("recipient_id", n.RecipientID).Str("kind", string(n.Kind)).Msg("duplicate notification collapsed")
		return nil
	}

	s.log.Info().
		Str("recipient_id", n.RecipientID).
		Str("kind", string(n.Kind)).
		Str("notification_id", published.ID).
		Msg("notification ingested")
	return nil
}
