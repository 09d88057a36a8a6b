package channel

import (
	"sort"

	"github.com/villagehealth/portal/internal/core/domain"
)

// sequencer turns an unordered, possibly duplicated message feed into a
// gap-free ascending one.
type sequencer struct {
	last    int64
	pending map[int64]domain.Message
}

func newSequencer() *sequencer {
	return &sequencer{pending: make(map[int64]domain.Message)}
}

// offer accepts m and returns the messages that became deliverable, in
// order. Duplicates and already delivered sequence numbers are dropped.
func (s *sequencer) offer(m domain.Message) []domain.Message {
	if m.SequenceNumber <= s.last {
		return nil
	}
	if _, dup := s.pending[m.SequenceNumber]; dup {
		return nil
	}
	s.pending[m.SequenceNumber] = m
	return s.drain()
}

func (s *sequencer) drain() []domain.Message {
	var ready []domain.Message
	for {
		next, ok := s.pending[s.last+1]
		if !ok {
			return ready
		}
		delete(s.pending, next.SequenceNumber)
		s.last = next.SequenceNumber
		ready = append(ready, next)
	}
}

// gap returns the missing range (from..to inclusive) below the lowest
// buffered message, or ok=false when nothing is buffered.
func (s *sequencer) gap() (from, to int64, ok bool) {
	if len(s.pending) == 0 {
		return 0, 0, false
	}
	keys := make([]int64, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return s.last + 1, keys[0] - 1, true
}

func (s *sequencer) lastDelivered() int64 {
	return s.last
}
