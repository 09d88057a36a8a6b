package mqtt

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/villagehealth/portal/internal/core/ports"
)

type captureSink struct {
	got []ports.NotificationInput
}

func (s *captureSink) Enqueue(_ context.Context, in ports.NotificationInput) error {
	s.got = append(s.got, in)
	return nil
}

func newTestBridge() (*Bridge, *captureSink) {
	sink := &captureSink{}
	return NewBridge(Config{Broker: "tcp://127.0.0.1:1883", ClientID: "test"}, sink, zerolog.Nop()), sink
}

func TestBridge_ForwardsPayload(t *testing.T) {
	b, sink := newTestBridge()

	err := b.handle("portal/notifications/v1", []byte(`{"recipientId":"v1","kind":"persistent","severity":"info","message":"Lab results ready"}`))
	require.NoError(t, err)
	require.Len(t, sink.got, 1)
	assert.Equal(t, ports.NotificationInput{RecipientID: "v1", Kind: "persistent", Severity: "info", Message: "Lab results ready"}, sink.got[0])
}

func TestBridge_RecipientFromTopic(t *testing.T) {
	b, sink := newTestBridge()

	require.NoError(t, b.handle("portal/notifications/d7", []byte(`{"kind":"toast","message":"New patient waiting"}`)))
	require.Len(t, sink.got, 1)
	assert.Equal(t, "d7", sink.got[0].RecipientID)
}

func TestBridge_RejectsBadEvents(t *testing.T) {
	b, sink := newTestBridge()

	assert.Error(t, b.handle("portal/notifications/v1", []byte(`not json`)))
	assert.Error(t, b.handle("portal/notifications/", []byte(`{"kind":"toast","message":"x"}`)))
	assert.Empty(t, sink.got)
}

func TestNewBridge_DefaultTopic(t *testing.T) {
	b, _ := newTestBridge()
	assert.Equal(t, DefaultTopic, b.cfg.Topic)
}
