package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/infrastructure/db/memory"
)

type stubDebouncer struct {
	admit bool
	err   error
	keys  []string
}

func (d *stubDebouncer) Admit(_ context.Context, key string, _ time.Duration) (bool, error) {
	d.keys = append(d.keys, key)
	return d.admit, d.err
}

func (d *stubDebouncer) Forget(context.Context, string) error { return d.err }

// flakyStore fails the first failures Saves.
type flakyStore struct {
	*memory.NotificationStore
	failures int
}

func (s *flakyStore) Save(ctx context.Context, n *domain.Notification) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("transient store failure")
	}
	return s.NotificationStore.Save(ctx, n)
}

func newTestHub() *NotificationHub {
	return NewNotificationHub(memory.NewNotificationStore(), memory.NewDebouncer(), time.Minute, zerolog.Nop())
}

func persistent(recipient, msg string) domain.Notification {
	return domain.Notification{RecipientID: recipient, Kind: domain.KindPersistent, Severity: domain.SeverityInfo, Message: msg}
}

func toast(recipient, msg string) domain.Notification {
	return domain.Notification{RecipientID: recipient, Kind: domain.KindToast, Severity: domain.SeveritySuccess, Message: msg}
}

func nextWithin(t *testing.T, sub interface {
	Next(context.Context) (domain.Notification, error)
}, d time.Duration) (domain.Notification, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return sub.Next(ctx)
}

func TestNotificationHub_PersistentRoundTrip(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	published, err := hub.Publish(ctx, persistent("v1", "Report reviewed"))
	if err != nil || published == nil {
		t.Fatalf("publish: %v %v", published, err)
	}

	sub, err := hub.Subscribe(ctx, "v1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	got, err := nextWithin(t, sub, time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got.ID != published.ID {
		t.Fatalf("expected %s, got %s", published.ID, got.ID)
	}

	if err := hub.MarkRead(ctx, "v1", got.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	sub.Close()

	fresh, err := hub.Subscribe(ctx, "v1")
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if _, err := nextWithin(t, fresh, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected nothing redelivered, got %v", err)
	}

	other, err := hub.Subscribe(ctx, "v2")
	if err != nil {
		t.Fatalf("subscribe v2: %v", err)
	}
	if _, err := nextWithin(t, other, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second recipient must not see v1's notification, got %v", err)
	}
}

func TestNotificationHub_PersistentRedeliveredUntilRead(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	if _, err := hub.Publish(ctx, persistent("d1", "New consultation")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i := 0; i < 2; i++ {
		sub, err := hub.Subscribe(ctx, "d1")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if _, err := nextWithin(t, sub, time.Second); err != nil {
			t.Fatalf("subscription %d: expected backlog, got %v", i, err)
		}
		sub.Close()
	}
}

func TestNotificationHub_ToastWithoutSubscriberIsDropped(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	if _, err := hub.Publish(ctx, toast("v1", "Login Successful")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	sub, _ := hub.Subscribe(ctx, "v1")
	if _, err := nextWithin(t, sub, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected dropped toast, got %v", err)
	}
}

func TestNotificationHub_ToastDeliveredLive(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	sub, _ := hub.Subscribe(ctx, "v1")
	done := make(chan domain.Notification, 1)
	go func() {
		n, err := nextWithin(t, sub, 2*time.Second)
		if err == nil {
			done <- n
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := hub.Publish(ctx, toast("v1", "Login Successful")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	n, ok := <-done
	if !ok || n.Message != "Login Successful" {
		t.Fatalf("expected live toast, got %+v ok=%v", n, ok)
	}
}

func TestNotificationHub_NewSubscriptionSupersedesPrior(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()

	first, _ := hub.Subscribe(ctx, "v1")
	second, _ := hub.Subscribe(ctx, "v1")

	if _, err := nextWithin(t, first, time.Second); !errors.Is(err, domain.ErrEndOfStream) {
		t.Fatalf("expected superseded stream to end, got %v", err)
	}
	if _, err := hub.Publish(ctx, toast("v1", "hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n, err := nextWithin(t, second, time.Second); err != nil || n.Message != "hello" {
		t.Fatalf("expected toast on new subscription, got %+v %v", n, err)
	}
}

func TestNotificationHub_CloseUnblocksNext(t *testing.T) {
	hub := newTestHub()
	sub, _ := hub.Subscribe(context.Background(), "v1")

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	sub.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrEndOfStream) {
			t.Fatalf("expected ErrEndOfStream, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next still blocked after Close")
	}
}

func TestNotificationHub_DebounceCollapsesDuplicates(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()
	sub, _ := hub.Subscribe(ctx, "v1")

	first, _ := hub.Publish(ctx, toast("v1", "Login Successful"))
	second, _ := hub.Publish(ctx, toast("v1", "Login Successful"))
	if first == nil {
		t.Fatalf("expected first publish to pass")
	}
	if second != nil {
		t.Fatalf("expected duplicate to collapse, got %+v", second)
	}

	if _, err := nextWithin(t, sub, time.Second); err != nil {
		t.Fatalf("expected one toast: %v", err)
	}
	if _, err := nextWithin(t, sub, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected exactly one delivery, got %v", err)
	}
}

func TestNotificationHub_DebouncerErrorPublishesAnyway(t *testing.T) {
	debouncer := &stubDebouncer{err: errors.New("redis timeout")}
	hub := NewNotificationHub(memory.NewNotificationStore(), debouncer, time.Minute, zerolog.Nop())

	n, err := hub.Publish(context.Background(), persistent("v1", "Report submitted"))
	if err != nil || n == nil {
		t.Fatalf("expected publish despite debouncer error, got %v %v", n, err)
	}
	if len(debouncer.keys) != 1 || debouncer.keys[0] != "v1|persistent|Report submitted" {
		t.Errorf("unexpected debounce keys: %v", debouncer.keys)
	}
}

func TestNotificationHub_MarkRead(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()
	n, _ := hub.Publish(ctx, persistent("v1", "Consultation closed"))

	if err := hub.MarkRead(ctx, "v2", n.ID); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign recipient, got %v", err)
	}
	if err := hub.MarkRead(ctx, "v1", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := hub.MarkRead(ctx, "v1", n.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if err := hub.MarkRead(ctx, "v1", n.ID); err != nil {
		t.Fatalf("second mark read should be a no-op, got %v", err)
	}
	unread, _ := hub.Unread(ctx, "v1")
	if len(unread) != 0 {
		t.Fatalf("expected no unread, got %d", len(unread))
	}
}

func TestNotificationHub_MarkReadRemovesPending(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()
	a, _ := hub.Publish(ctx, persistent("v1", "first"))
	b, _ := hub.Publish(ctx, persistent("v1", "second"))

	sub, _ := hub.Subscribe(ctx, "v1")
	if err := hub.MarkRead(ctx, "v1", a.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	got, err := nextWithin(t, sub, time.Second)
	if err != nil || got.ID != b.ID {
		t.Fatalf("expected %s after marking %s read, got %+v %v", b.ID, a.ID, got, err)
	}
}

func TestNotificationHub_PublishValidation(t *testing.T) {
	hub := newTestHub()
	_, err := hub.Publish(context.Background(), domain.Notification{RecipientID: "v1", Kind: "banner", Severity: domain.SeverityInfo, Message: "x"})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "kind" {
		t.Fatalf("expected kind validation error, got %v", err)
	}
}

func TestNotificationHub_RetryAfterFailedSaveIsStored(t *testing.T) {
	store := &flakyStore{NotificationStore: memory.NewNotificationStore(), failures: 1}
	hub := NewNotificationHub(store, memory.NewDebouncer(), time.Minute, zerolog.Nop())
	ctx := context.Background()

	if _, err := hub.Publish(ctx, persistent("v1", "Lab results ready")); err == nil {
		t.Fatalf("expected the store failure to surface")
	}
	n, err := hub.Publish(ctx, persistent("v1", "Lab results ready"))
	if err != nil || n == nil {
		t.Fatalf("retry should be stored, got %v %v", n, err)
	}
	unread, _ := hub.Unread(ctx, "v1")
	if len(unread) != 1 {
		t.Fatalf("expected 1 unread after retry, got %d", len(unread))
	}

	if again, err := hub.Publish(ctx, persistent("v1", "Lab results ready")); err != nil || again != nil {
		t.Fatalf("duplicate after a stored publish should collapse, got %v %v", again, err)
	}
}

func TestNotificationHub_MirrorSkipsDebounce(t *testing.T) {
	hub := newTestHub()
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first := persistent("v1", "New consultation scheduled")
	first.ID, first.CreatedAt = "srv-1", created
	second := persistent("v1", "New consultation scheduled")
	second.ID, second.CreatedAt = "srv-2", created.Add(10*time.Minute)

	for _, n := range []domain.Notification{first, second} {
		got, err := hub.Mirror(ctx, n)
		if err != nil || got == nil || got.ID != n.ID {
			t.Fatalf("mirror %s: %v %v", n.ID, got, err)
		}
	}
	if dup, err := hub.Mirror(ctx, first); err != nil || dup != nil {
		t.Fatalf("re-mirroring a stored id should be a no-op, got %v %v", dup, err)
	}

	unread, _ := hub.Unread(ctx, "v1")
	if len(unread) != 2 {
		t.Fatalf("expected both mirrored notifications, got %d", len(unread))
	}

	var ve *domain.ValidationError
	if _, err := hub.Mirror(ctx, persistent("v1", "no id")); !errors.As(err, &ve) || ve.Field != "id" {
		t.Fatalf("expected id validation error, got %v", err)
	}
}
