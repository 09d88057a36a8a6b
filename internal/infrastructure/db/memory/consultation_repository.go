package memory

import (
	"context"
	"sync"

	"github.com/villagehealth/portal/internal/core/domain"
)

type ConsultationRepository struct {
	mu    sync.RWMutex
	items map[string]domain.Consultation
}

func NewConsultationRepository() *ConsultationRepository {
	return &ConsultationRepository{items: make(map[string]domain.Consultation)}
}

func (r *ConsultationRepository) Create(_ context.Context, c *domain.Consultation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[c.ID]; exists {
		return domain.ErrConflict
	}
	r.items[c.ID] = *c
	return nil
}

func (r *ConsultationRepository) FindByID(_ context.Context, id string) (*domain.Consultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

func (r *ConsultationRepository) Update(_ context.Context, c *domain.Consultation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[c.ID]; !ok {
		return domain.ErrNotFound
	}
	r.items[c.ID] = *c
	return nil
}
