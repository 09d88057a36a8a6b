package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/villagehealth/portal/internal/core/ports"
)

type recordingIngester struct {
	mu   sync.Mutex
	got  map[string][]string
	err  error
	seen chan struct{}
}

func newRecordingIngester(buffer int) *recordingIngester {
	return &recordingIngester{got: make(map[string][]string), seen: make(chan struct{}, buffer)}
}

func (r *recordingIngester) Ingest(_ context.Context, in ports.NotificationInput) error {
	r.mu.Lock()
	r.got[in.RecipientID] = append(r.got[in.RecipientID], in.Message)
	r.mu.Unlock()
	r.seen <- struct{}{}
	return r.err
}

func waitFor(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", i, n)
		}
	}
}

func TestDispatcher_PreservesPerRecipientOrder(t *testing.T) {
	ing := newRecordingIngester(64)
	d := NewDispatcher(4, ing, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	var batch []ports.NotificationInput
	for _, msg := range []string{"a", "b", "c", "d", "e"} {
		batch = append(batch,
			ports.NotificationInput{RecipientID: "v1", Kind: "toast", Message: msg},
			ports.NotificationInput{RecipientID: "d1", Kind: "toast", Message: msg},
		)
	}
	if err := d.EnqueueBatch(ctx, batch); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, ing.seen, len(batch))

	ing.mu.Lock()
	defer ing.mu.Unlock()
	for _, recipient := range []string{"v1", "d1"} {
		got := ing.got[recipient]
		want := []string{"a", "b", "c", "d", "e"}
		if len(got) != len(want) {
			t.Fatalf("%s: expected %v, got %v", recipient, want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s: expected %v, got %v", recipient, want, got)
			}
		}
	}
}

func TestDispatcher_ShardIndexIsStable(t *testing.T) {
	d := NewDispatcher(0, newRecordingIngester(1), zerolog.Nop())
	if len(d.workers) != defaultWorkers {
		t.Fatalf("expected %d workers, got %d", defaultWorkers, len(d.workers))
	}
	first := d.shardIndex("villager-42")
	for i := 0; i < 10; i++ {
		if d.shardIndex("villager-42") != first {
			t.Fatal("shard index must be deterministic")
		}
	}
}

func TestDispatcher_ContinuesAfterIngestError(t *testing.T) {
	ing := newRecordingIngester(8)
	ing.err = errors.New("boom")
	d := NewDispatcher(1, ing, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	for _, msg := range []string{"x", "y"} {
		if err := d.Enqueue(ctx, ports.NotificationInput{RecipientID: "v1", Message: msg}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitFor(t, ing.seen, 2)
}

func TestDispatcher_EnqueueAfterStop(t *testing.T) {
	d := NewDispatcher(1, newRecordingIngester(1), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()
	d.Wait()

	deadline := time.Now().Add(time.Second)
	for {
		// Fill the buffer so the only ready case is the stop signal.
		err := d.Enqueue(context.Background(), ports.NotificationInput{RecipientID: "v1"})
		if errors.Is(err, ErrStopped) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected ErrStopped, last error %v", err)
		}
	}
}
