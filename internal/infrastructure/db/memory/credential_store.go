package memory

import (
	"context"
	"sync"
)

// CredentialStore keeps the serialized session in memory.
type CredentialStore struct {
	mu    sync.Mutex
	value []byte
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{}
}

func (s *CredentialStore) Read(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value == nil {
		return nil, nil
	}
	return append([]byte(nil), s.value...), nil
}

func (s *CredentialStore) Write(_ context.Context, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = append([]byte(nil), value...)
	return nil
}

func (s *CredentialStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = nil
	return nil
}
