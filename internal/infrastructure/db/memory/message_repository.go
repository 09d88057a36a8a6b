package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/villagehealth/portal/internal/core/domain"
)

// MessageRepository keeps each consultation's messages sorted by sequence.
type MessageRepository struct {
	mu   sync.RWMutex
	logs map[string][]domain.Message
}

func NewMessageRepository() *MessageRepository {
	return &MessageRepository{logs: make(map[string][]domain.Message)}
}

func (r *MessageRepository) Append(_ context.Context, m *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := r.logs[m.ConsultationID]
	i := sort.Search(len(log), func(i int) bool { return log[i].SequenceNumber >= m.SequenceNumber })
	if i < len(log) && log[i].SequenceNumber == m.SequenceNumber {
		return domain.ErrConflict
	}
	log = append(log, domain.Message{})
	copy(log[i+1:], log[i:])
	log[i] = *m
	r.logs[m.ConsultationID] = log
	return nil
}

func (r *MessageRepository) Range(_ context.Context, consultationID string, after, upto int64, limit int) ([]domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Message
	for _, m := range r.logs[consultationID] {
		if m.SequenceNumber <= after {
			continue
		}
		if upto > 0 && m.SequenceNumber > upto {
			break
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MessageRepository) LastSequence(_ context.Context, consultationID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	log := r.logs[consultationID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].SequenceNumber, nil
}

func (r *MessageRepository) FindByClientID(_ context.Context, consultationID, clientMessageID string) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.logs[consultationID] {
		if clientMessageID != "" && m.ClientMessageID == clientMessageID {
			out := m
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}
