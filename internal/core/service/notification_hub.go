package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
	"github.com/villagehealth/portal/internal/pkg/metrics"
)

const (
	// DefaultDebounceWindow collapses identical notifications published this
	// close together.
	DefaultDebounceWindow = 2 * time.Second

	toastLaneCapacity = 32
)

// NotificationHub fans notifications in from every producer and out to the
// single active subscription of each recipient.
type NotificationHub struct {
	store     ports.NotificationStore
	debouncer ports.Debouncer
	window    time.Duration
	log       zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex // guards queues only
	queues map[string]*recipientQueue
}

// recipientQueue serialises everything that touches one recipient.
type recipientQueue struct {
	mu     sync.Mutex
	active *Subscription
}

// NewNotificationHub returns a hub backed by store. A window <= 0 uses
// DefaultDebounceWindow.
func NewNotificationHub(store ports.NotificationStore, debouncer ports.Debouncer, window time.Duration, log zerolog.Logger) *NotificationHub {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &NotificationHub{
		store:     store,
		debouncer: debouncer,
		window:    window,
		log:       log,
		now:       time.Now,
		queues:    make(map[string]*recipientQueue),
	}
}

func (h *NotificationHub) queue(recipientID string) *recipientQueue {
	h.mu.Lock()
	defer h.mu.Unlock()
	q, ok := h.queues[recipientID]
	if !ok {
		q = &recipientQueue{}
		h.queues[recipientID] = q
	}
	return q
}

// Publish enqueues n for delivery. It returns nil, nil when n was collapsed
// into an identical notification published within the debounce window, or
// when a persistent notification with the same id is already stored.
func (h *NotificationHub) Publish(ctx context.Context, n domain.Notification) (*domain.Notification, error) {
	return h.publish(ctx, n, true)
}

// Mirror delivers a notification that another hub already accepted, keeping
// its id. It skips the debounce window: the origin has applied it, and two
// mirrored notifications with the same text are still distinct.
func (h *NotificationHub) Mirror(ctx context.Context, n domain.Notification) (*domain.Notification, error) {
	if n.ID == "" {
		return nil, &domain.ValidationError{Field: "id", Message: "mirrored notification needs an id"}
	}
	return h.publish(ctx, n, false)
}

func (h *NotificationHub) publish(ctx context.Context, n domain.Notification, debounce bool) (*domain.Notification, error) {
	if err := validateNotification(n); err != nil {
		return nil, err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = h.now().UTC()
	}
	n.Read = false

	var key string
	if debounce {
		key = debounceKey(n)
		if !h.admit(ctx, key, n) {
			return nil, nil
		}
	}

	q := h.queue(n.RecipientID)
	q.mu.Lock()
	defer q.mu.Unlock()

	switch n.Kind {
	case domain.KindPersistent:
		if err := h.store.Save(ctx, &n); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return nil, nil
			}
			if debounce {
				h.forget(ctx, key, n)
			}
			return nil, fmt.Errorf("publish notification: %w", err)
		}
		if q.active != nil {
			q.active.pushPersistent(n)
		}
	case domain.KindToast:
		if q.active == nil {
			metrics.ToastsDroppedTotal.WithLabelValues("no_subscriber").Inc()
			h.log.Debug().Str("recipient_id", n.RecipientID).Msg("toast dropped, no subscriber")
			return &n, nil
		}
		q.active.pushToast(n)
	}

	metrics.NotificationsPublishedTotal.WithLabelValues(string(n.Kind)).Inc()
	return &n, nil
}

func debounceKey(n domain.Notification) string {
	return strings.Join([]string{n.RecipientID, string(n.Kind), n.Message}, "|")
}

// forget releases a debounce key claimed for a notification that was not
// stored, so a retry is not collapsed into the failed attempt.
func (h *NotificationHub) forget(ctx context.Context, key string, n domain.Notification) {
	if h.debouncer == nil {
		return
	}
	if err := h.debouncer.Forget(ctx, key); err != nil {
		h.log.Warn().Err(err).Str("recipient_id", n.RecipientID).Msg("failed to release debounce key")
	}
}

// admit applies the debounce window. A failing debouncer never blocks a
// notification.
func (h *NotificationHub) admit(ctx context.Context, key string, n domain.Notification) bool {
	if h.debouncer == nil {
		return true
	}
	ok, err := h.debouncer.Admit(ctx, key, h.window)
	if err != nil {
		h.log.Warn().Err(err).Str("recipient_id", n.RecipientID).Msg("debounce check failed, publishing anyway")
		return true
	}
	if !ok {
		metrics.NotificationsDedupTotal.WithLabelValues("hit").Inc()
		h.log.Debug().Str("recipient_id", n.RecipientID).Str("kind", string(n.Kind)).Msg("duplicate notification collapsed")
		return false
	}
	metrics.NotificationsDedupTotal.WithLabelValues("miss").Inc()
	return true
}

// Subscribe starts a stream for recipientID: first every unread persistent
// notification, then live ones. A previous subscription of the same
// recipient is terminated.
func (h *NotificationHub) Subscribe(ctx context.Context, recipientID string) (ports.NotificationSubscription, error) {
	if recipientID == "" {
		return nil, domain.ErrUnauthorized
	}
	q := h.queue(recipientID)
	q.mu.Lock()
	defer q.mu.Unlock()

	backlog, err := h.store.Unread(ctx, recipientID)
	if err != nil {
		return nil, fmt.Errorf("subscribe: load backlog: %w", err)
	}

	if q.active != nil {
		q.active.terminate()
	}
	sub := newSubscription(q, backlog)
	q.active = sub
	return sub, nil
}

// MarkRead marks a persistent notification read. Repeating it is a no-op; a
// notification owned by someone else yields ErrUnauthorized.
func (h *NotificationHub) MarkRead(ctx context.Context, recipientID, notificationID string) error {
	q := h.queue(recipientID)
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := h.store.FindByID(ctx, notificationID)
	if err != nil {
		return err
	}
	if n.RecipientID != recipientID {
		return domain.ErrUnauthorized
	}
	if n.Read {
		return nil
	}
	if err := h.store.MarkRead(ctx, notificationID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if q.active != nil {
		q.active.discard(notificationID)
	}
	return nil
}

// Unread lists the recipient's unread persistent notifications.
func (h *NotificationHub) Unread(ctx context.Context, recipientID string) ([]domain.Notification, error) {
	return h.store.Unread(ctx, recipientID)
}

func validateNotification(n domain.Notification) error {
	switch {
	case strings.TrimSpace(n.RecipientID) == "":
		return &domain.ValidationError{Field: "recipientId", Message: "recipient is required"}
	case !n.Kind.Valid():
		return &domain.ValidationError{Field: "kind", Message: "kind must be toast or persistent"}
	case !n.Severity.Valid():
		return &domain.ValidationError{Field: "severity", Message: "severity must be info, success, warning or error"}
	case strings.TrimSpace(n.Message) == "":
		return &domain.ValidationError{Field: "message", Message: "message is required"}
	}
	return nil
}

// Subscription is one recipient's notification stream.
type Subscription struct {
	q *recipientQueue

	mu         sync.Mutex
	persistent []domain.Notification
	toasts     []domain.Notification
	ended      bool
	signal     chan struct{}
}

func newSubscription(q *recipientQueue, backlog []domain.Notification) *Subscription {
	return &Subscription{
		q:          q,
		persistent: append([]domain.Notification(nil), backlog...),
		signal:     make(chan struct{}, 1),
	}
}

// Next blocks until a notification is available. Persistent and toast lanes
// are independent; pending persistent notifications are handed out first.
func (s *Subscription) Next(ctx context.Context) (domain.Notification, error) {
	for {
		s.mu.Lock()
		switch {
		case len(s.persistent) > 0:
			n := s.persistent[0]
			s.persistent = s.persistent[1:]
			s.mu.Unlock()
			return n, nil
		case len(s.toasts) > 0:
			n := s.toasts[0]
			s.toasts = s.toasts[1:]
			s.mu.Unlock()
			return n, nil
		case s.ended:
			s.mu.Unlock()
			return domain.Notification{}, domain.ErrEndOfStream
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-ctx.Done():
			return domain.Notification{}, ctx.Err()
		}
	}
}

// Close ends the subscription and unblocks a pending Next.
func (s *Subscription) Close() {
	s.q.mu.Lock()
	if s.q.active == s {
		s.q.active = nil
	}
	s.q.mu.Unlock()
	s.terminate()
}

func (s *Subscription) terminate() {
	s.mu.Lock()
	s.ended = true
	s.persistent = nil
	s.toasts = nil
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) pushPersistent(n domain.Notification) {
	s.mu.Lock()
	if !s.ended {
		s.persistent = append(s.persistent, n)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) pushToast(n domain.Notification) {
	s.mu.Lock()
	if !s.ended {
		if len(s.toasts) >= toastLaneCapacity {
			s.toasts = s.toasts[1:]
			metrics.ToastsDroppedTotal.WithLabelValues("overflow").Inc()
		}
		s.toasts = append(s.toasts, n)
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) discard(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.persistent {
		if n.ID == id {
			s.persistent = append(s.persistent[:i], s.persistent[i+1:]...)
			return
		}
	}
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
