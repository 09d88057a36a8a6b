package remote

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/villagehealth/portal/internal/api"
	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
	"github.com/villagehealth/portal/internal/core/service"
	"github.com/villagehealth/portal/internal/infrastructure/db/memory"
)

type testPortal struct {
	api           *Client
	hub           *service.NotificationHub
	consultations *service.ConsultationService
}

func newTestPortal(t *testing.T) *testPortal {
	t.Helper()
	log := zerolog.Nop()
	users := memory.NewUserRepository()
	hub := service.NewNotificationHub(memory.NewNotificationStore(), memory.NewDebouncer(), 0, log)
	consultations := service.NewConsultationService(
		memory.NewConsultationRepository(),
		memory.NewMessageRepository(),
		users,
		hub,
		log,
	)
	e := api.NewRouter(api.Deps{
		Auth:          service.NewAuthService(users, "secret", time.Hour),
		Consultations: consultations,
		Notifications: hub,
		JWTSecret:     "secret",
		Log:           log,
		Registry:      prometheus.NewRegistry(),
	})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &testPortal{
		api:           NewClient(Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, log),
		hub:           hub,
		consultations: consultations,
	}
}

func registration(email string, role domain.Role) ports.RegistrationInput {
	in := ports.RegistrationInput{
		Email:           email,
		FullName:        "Test " + string(role),
		PhoneNumber:     "+233200000000",
		Role:            string(role),
		Password:        "secret1",
		ConfirmPassword: "secret1",
	}
	switch role {
	case domain.RoleVillager:
		in.Village = "Nkoranza"
	case domain.RoleDoctor:
		in.Specialization = "General practice"
		in.LicenseNumber = "GH-1001"
	}
	return in
}

func (p *testPortal) register(t *testing.T, email string, role domain.Role) *domain.Session {
	t.Helper()
	sess, err := p.api.Register(context.Background(), registration(email, role))
	require.NoError(t, err)
	return sess
}

func (p *testPortal) consultation(t *testing.T, doctor, villager *domain.Session) *domain.Consultation {
	t.Helper()
	c, err := p.consultations.Create(context.Background(), ports.CreateConsultationInput{
		VillagerID: villager.User.ID,
		Actor:      doctor.User.Actor(),
	})
	require.NoError(t, err)
	return c
}

func TestClient_RegisterAndLogin(t *testing.T) {
	p := newTestPortal(t)
	ctx := context.Background()

	reg := p.register(t, "dr.ama@clinic.org", domain.RoleDoctor)
	assert.Equal(t, domain.RoleDoctor, reg.User.Role)
	assert.Equal(t, domain.DoctorAttributes{Specialization: "General practice", LicenseNumber: "GH-1001"}, reg.User.Attributes)

	sess, err := p.api.Login(ctx, "DR.AMA@clinic.org", "secret1")
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, sess.User.ID)
	assert.NotEmpty(t, sess.Token)
	assert.False(t, sess.IssuedAt.IsZero())
	assert.Equal(t, time.Hour, sess.ExpiresAt.Sub(sess.IssuedAt))
}

func TestClient_ErrorMapping(t *testing.T) {
	p := newTestPortal(t)
	ctx := context.Background()
	p.register(t, "kofi@village.org", domain.RoleVillager)

	_, err := p.api.Login(ctx, "kofi@village.org", "wrong-password")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	_, err = p.api.Register(ctx, registration("kofi@village.org", domain.RoleVillager))
	assert.ErrorIs(t, err, domain.ErrUserExists)

	bad := registration("ama@village.org", domain.RoleVillager)
	bad.ConfirmPassword = "secret2"
	_, err = p.api.Register(ctx, bad)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "confirmPassword", ve.Field)

	_, err = p.api.Unread(ctx, &domain.Session{Token: "not-a-token"})
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestChannelTransport_RoundTrip(t *testing.T) {
	p := newTestPortal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	doctor := p.register(t, "dr.ama@clinic.org", domain.RoleDoctor)
	villager := p.register(t, "kofi@village.org", domain.RoleVillager)
	c := p.consultation(t, doctor, villager)
	transport := NewChannelTransport(p.api, zerolog.Nop())

	vconn, joined, err := transport.Connect(ctx, ports.ConnectRequest{ConsultationID: c.ID, Session: villager})
	require.NoError(t, err)
	defer vconn.Close()
	assert.Equal(t, c.ID, joined.Consultation.ID)
	assert.Empty(t, joined.Backlog)

	dconn, _, err := transport.Connect(ctx, ports.ConnectRequest{ConsultationID: c.ID, Session: doctor})
	require.NoError(t, err)
	defer dconn.Close()

	msg, err := vconn.Send(ctx, ports.SendRequest{ClientMessageID: "c1", Body: "Fever since Monday"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.SequenceNumber)

	again, err := vconn.Send(ctx, ports.SendRequest{ClientMessageID: "c1", Body: "Fever since Monday"})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, again.ID, "retried send must return the original message")

	_, err = vconn.Send(ctx, ports.SendRequest{ClientMessageID: "c2", Body: "   "})
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "body", ve.Field)

	for {
		ev, err := dconn.Recv(ctx)
		require.NoError(t, err)
		if ev.Kind == domain.EventMessage {
			assert.Equal(t, "Fever since Monday", ev.Message.Body)
			break
		}
	}

	history, err := transport.FetchHistory(ctx, doctor, c.ID, 0, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "c1", history[0].ClientMessageID)

	pending, err := vconn.End(ctx)
	require.NoError(t, err)
	assert.True(t, pending.Pending)

	closed, err := dconn.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ConsultationClosed, closed.Status)

	for {
		ev, err := vconn.Recv(ctx)
		require.NoError(t, err)
		if ev.Kind == domain.EventClosed {
			assert.Equal(t, doctor.User.ID, ev.By)
			break
		}
	}

	_, _, err = transport.Connect(ctx, ports.ConnectRequest{ConsultationID: c.ID, Session: villager})
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
}

func TestChannelTransport_ConnectErrors(t *testing.T) {
	p := newTestPortal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	doctor := p.register(t, "dr.ama@clinic.org", domain.RoleDoctor)
	villager := p.register(t, "kofi@village.org", domain.RoleVillager)
	outsider := p.register(t, "yaw@village.org", domain.RoleVillager)
	admin := p.register(t, "ops@portal.org", domain.RoleAdmin)
	c := p.consultation(t, doctor, villager)
	transport := NewChannelTransport(p.api, zerolog.Nop())

	_, _, err := transport.Connect(ctx, ports.ConnectRequest{ConsultationID: c.ID, Session: outsider})
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "a villager outside the consultation")

	_, _, err = transport.Connect(ctx, ports.ConnectRequest{ConsultationID: c.ID, Session: admin})
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "a role refused by the route")

	_, _, err = transport.Connect(ctx, ports.ConnectRequest{ConsultationID: "missing", Session: villager})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFeed_MirrorsServerNotifications(t *testing.T) {
	p := newTestPortal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	doctor := p.register(t, "dr.ama@clinic.org", domain.RoleDoctor)
	villager := p.register(t, "kofi@village.org", domain.RoleVillager)
	p.consultation(t, doctor, villager)

	local := service.NewNotificationHub(memory.NewNotificationStore(), memory.NewDebouncer(), 0, zerolog.Nop())
	feed := NewFeed(p.api, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx, villager, local) }()

	require.Eventually(t, func() bool {
		unread, err := local.Unread(ctx, villager.User.ID)
		return err == nil && len(unread) == 1
	}, 5*time.Second, 10*time.Millisecond, "scheduling notification should be mirrored")

	unread, err := local.Unread(ctx, villager.User.ID)
	require.NoError(t, err)
	serverUnread, err := p.api.Unread(ctx, villager)
	require.NoError(t, err)
	require.Len(t, serverUnread, 1)
	assert.Equal(t, serverUnread[0].ID, unread[0].ID, "ids are kept so reads can be acknowledged upstream")

	// A second client for the same user takes the stream over.
	_, err = p.hub.Subscribe(ctx, villager.User.ID)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrSuperseded), "got %v", err)
	case <-ctx.Done():
		t.Fatal("feed did not stop after being superseded")
	}
}
