package memory

import (
	"context"
	"sync"

	"github.com/villagehealth/portal/internal/core/domain"
)

type NotificationStore struct {
	mu    sync.RWMutex
	order []string
	items map[string]domain.Notification
}

func NewNotificationStore() *NotificationStore {
	return &NotificationStore{items: make(map[string]domain.Notification)}
}

func (s *NotificationStore) Save(_ context.Context, n *domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[n.ID]; exists {
		return domain.ErrConflict
	}
	s.items[n.ID] = *n
	s.order = append(s.order, n.ID)
	return nil
}

func (s *NotificationStore) FindByID(_ context.Context, id string) (*domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &n, nil
}

func (s *NotificationStore) Unread(_ context.Context, recipientID string) ([]domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Notification
	for _, id := range s.order {
		n := s.items[id]
		if n.RecipientID == recipientID && !n.Read {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *NotificationStore) MarkRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.Read = true
	s.items[id] = n
	return nil
}
