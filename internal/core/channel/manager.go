// Package channel is the client side of a consultation: it keeps one live
// connection per opened consultation, reconnects with backoff, and hands the
// caller a gap-free ordered message stream.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
)

// SessionSource yields the current session. SessionManager implements it.
type SessionSource interface {
	Current() (*domain.Session, error)
}

// Manager opens consultation handles and releases them all on logout.
type Manager struct {
	transport ports.ChannelTransport
	sessions  SessionSource
	notifier  ports.Notifier
	policy    ReconnectPolicy
	log       zerolog.Logger

	mu      sync.Mutex
	handles map[*Handle]struct{}
}

func NewManager(transport ports.ChannelTransport, sessions SessionSource, notifier ports.Notifier, policy ReconnectPolicy, log zerolog.Logger) *Manager {
	return &Manager{
		transport: transport,
		sessions:  sessions,
		notifier:  notifier,
		policy:    policy.withDefaults(),
		log:       log,
		handles:   make(map[*Handle]struct{}),
	}
}

// Open connects to a consultation as the current session's user. It fails
// with domain.ErrNotFound, domain.ErrUnauthorized, domain.ErrAlreadyClosed
// or the session's error.
func (m *Manager) Open(ctx context.Context, consultationID string) (*Handle, error) {
	sess, err := m.sessions.Current()
	if err != nil {
		return nil, err
	}

	conn, joined, err := m.transport.Connect(ctx, ports.ConnectRequest{ConsultationID: consultationID, Session: sess})
	if err != nil {
		return nil, err
	}

	h := newHandle(m, consultationID, sess.User.ID)
	l := h.attach(conn, joined)

	m.mu.Lock()
	m.handles[h] = struct{}{}
	m.mu.Unlock()

	go h.run(l)
	return h, nil
}

// ReleaseAll releases every open handle.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	delete(m.handles, h)
	m.mu.Unlock()
}

func (m *Manager) toast(ctx context.Context, recipientID string, severity domain.Severity, msg string) {
	if m.notifier == nil || recipientID == "" {
		return
	}
	if _, err := m.notifier.Publish(ctx, domain.Notification{
		RecipientID: recipientID,
		Kind:        domain.KindToast,
		Severity:    severity,
		Message:     msg,
	}); err != nil {
		m.log.Warn().Err(err).Msg("failed to publish channel toast")
	}
}

// terminal reports whether err ends a handle instead of triggering a
// reconnect.
func terminal(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrUnauthorized) ||
		errors.Is(err, domain.ErrAlreadyClosed) ||
		errors.Is(err, domain.ErrSessionExpired)
}

// rejected reports whether the server refused a send, as opposed to the
// connection failing underneath it.
func rejected(err error) bool {
	return terminal(err) || errors.Is(err, domain.ErrValidation)
}
