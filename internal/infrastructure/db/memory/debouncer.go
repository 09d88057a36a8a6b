package memory

import (
	"context"
	"sync"
	"time"
)

// Debouncer admits a key once per window.
type Debouncer struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewDebouncer() *Debouncer {
	return &Debouncer{seen: make(map[string]time.Time), now: time.Now}
}

func (d *Debouncer) Admit(_ context.Context, key string, window time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, until := range d.seen {
		if !now.Before(until) {
			delete(d.seen, k)
		}
	}
	if until, ok := d.seen[key]; ok && now.Before(until) {
		return false, nil
	}
	d.seen[key] = now.Add(window)
	return true, nil
}

func (d *Debouncer) Forget(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}
