package channel

import (
	"testing"

	"github.com/villagehealth/portal/internal/core/domain"
)

func msg(seq int64) domain.Message {
	return domain.Message{ConsultationID: "c1", SequenceNumber: seq, Body: "m"}
}

func TestSequencer_ShuffledAndDuplicated(t *testing.T) {
	s := newSequencer()
	var out []int64
	for _, seq := range []int64{3, 1, 1, 2, 5, 3, 4, 4, 6} {
		for _, m := range s.offer(msg(seq)) {
			out = append(out, m.SequenceNumber)
		}
	}

	if len(out) != 6 {
		t.Fatalf("expected 6 deliveries, got %v", out)
	}
	for i, seq := range out {
		if seq != int64(i+1) {
			t.Fatalf("expected gap-free ascending output, got %v", out)
		}
	}
	if s.lastDelivered() != 6 {
		t.Fatalf("expected last delivered 6, got %d", s.lastDelivered())
	}
}

func TestSequencer_Gap(t *testing.T) {
	s := newSequencer()
	if _, _, ok := s.gap(); ok {
		t.Fatal("expected no gap on an empty sequencer")
	}

	s.offer(msg(1))
	s.offer(msg(5))
	s.offer(msg(7))

	from, to, ok := s.gap()
	if !ok || from != 2 || to != 4 {
		t.Fatalf("expected gap 2..4, got %d..%d ok=%v", from, to, ok)
	}

	for _, seq := range []int64{2, 3, 4} {
		s.offer(msg(seq))
	}
	from, to, ok = s.gap()
	if !ok || from != 6 || to != 6 {
		t.Fatalf("expected gap 6..6, got %d..%d ok=%v", from, to, ok)
	}
}

func TestSequencer_DropsAlreadyDelivered(t *testing.T) {
	s := newSequencer()
	s.offer(msg(1))
	s.offer(msg(2))
	if ready := s.offer(msg(1)); len(ready) != 0 {
		t.Fatalf("expected replayed message to be dropped, got %v", ready)
	}
}
