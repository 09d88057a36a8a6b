package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
	"github.com/villagehealth/portal/internal/pkg/wire"
)

// ErrSuperseded ends a feed whose user opened a newer stream elsewhere.
var ErrSuperseded = errors.New("notification feed superseded")

// Feed mirrors the server's notification stream into a local notifier.
type Feed struct {
	api *Client
	log zerolog.Logger

	initialDelay time.Duration
	maxDelay     time.Duration
}

func NewFeed(api *Client, log zerolog.Logger) *Feed {
	return &Feed{
		api:          api,
		log:          log,
		initialDelay: 500 * time.Millisecond,
		maxDelay:     30 * time.Second,
	}
}

// Run publishes the session user's server notifications into sink until ctx
// ends, the session is rejected or the server supersedes this client.
// Dropped connections are retried with exponential backoff.
func (f *Feed) Run(ctx context.Context, session *domain.Session, sink ports.Notifier) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialDelay
	b.MaxInterval = f.maxDelay
	b.Reset()

	for {
		err := f.stream(ctx, session, sink, b)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrSuperseded),
			errors.Is(err, domain.ErrSessionExpired),
			errors.Is(err, domain.ErrUnauthorized):
			return err
		}

		delay := b.NextBackOff()
		f.log.Warn().Err(err).Dur("retry_in", delay).Msg("notification feed dropped")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (f *Feed) stream(ctx context.Context, session *domain.Session, sink ports.Notifier, b *backoff.ExponentialBackOff) error {
	ws, err := f.api.dial(ctx, "/v1/notifications/ws", nil, session.Token)
	if err != nil {
		if refused(err) {
			if _, perr := f.api.Unread(ctx, session); perr != nil {
				return perr
			}
		}
		return fmt.Errorf("dial notification feed: %w", err)
	}
	defer ws.Close()
	b.Reset()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		var fr wire.Frame
		if err := websocket.JSON.Receive(ws, &fr); err != nil {
			return err
		}

		switch fr.Type {
		case wire.TypeNotification:
			var n domain.Notification
			if err := fr.Decode(&n); err != nil {
				f.log.Warn().Err(err).Msg("dropping malformed notification")
				continue
			}
			if _, err := sink.Publish(ctx, n); err != nil {
				f.log.Warn().Err(err).Str("notification_id", n.ID).Msg("failed to publish remote notification")
			}
		case wire.TypeSuperseded:
			return ErrSuperseded
		case wire.TypeError:
			var p wire.ErrorPayload
			if err := fr.Decode(&p); err != nil {
				return err
			}
			return p.Err()
		}
	}
}
