package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
	"github.com/villagehealth/portal/internal/core/service"
	"github.com/villagehealth/portal/internal/infrastructure/db/memory"
	"github.com/villagehealth/portal/internal/pkg/wire"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	inputs []ports.NotificationInput
}

func (d *recordingDispatcher) Enqueue(_ context.Context, in ports.NotificationInput) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs = append(d.inputs, in)
	return nil
}

func (d *recordingDispatcher) EnqueueBatch(ctx context.Context, inputs []ports.NotificationInput) error {
	for _, in := range inputs {
		_ = d.Enqueue(ctx, in)
	}
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inputs)
}

type testAccount struct {
	ID    string
	Token string
}

type portalServer struct {
	t      *testing.T
	srv    *httptest.Server
	hub    *service.NotificationHub
	events *recordingDispatcher
}

func newPortalServer(t *testing.T) *portalServer {
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
	events := &recordingDispatcher{}

	e := NewRouter(Deps{
		Auth:          service.NewAuthService(users, "secret", time.Hour),
		Consultations: consultations,
		Notifications: hub,
		Dispatcher:    events,
		JWTSecret:     "secret",
		Log:           log,
		Registry:      prometheus.NewRegistry(),
	})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &portalServer{t: t, srv: srv, hub: hub, events: events}
}

func (p *portalServer) do(method, path, token string, body any) *http.Response {
	p.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			p.t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, p.srv.URL+path, &buf)
	if err != nil {
		p.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		p.t.Fatalf("%s %s: %v", method, path, err)
	}
	p.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (p *portalServer) register(form map[string]string) testAccount {
	p.t.Helper()
	resp := p.do(http.MethodPost, "/auth/register", "", form)
	if resp.StatusCode != http.StatusCreated {
		p.t.Fatalf("register %s: status %d", form["email"], resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		p.t.Fatalf("decode register: %v", err)
	}
	return testAccount{ID: out.User.ID, Token: out.Token}
}

func (p *portalServer) dial(path, token string) *websocket.Conn {
	p.t.Helper()
	url := "ws" + strings.TrimPrefix(p.srv.URL, "http") + path
	cfg, err := websocket.NewConfig(url, p.srv.URL)
	if err != nil {
		p.t.Fatalf("ws config: %v", err)
	}
	cfg.Header.Set("Authorization", "Bearer "+token)
	ws, err := websocket.DialConfig(cfg)
	if err != nil {
		p.t.Fatalf("dial %s: %v", path, err)
	}
	p.t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil returns the first frame of type typ, skipping everything else.
func readUntil(t *testing.T, ws *websocket.Conn, typ string) wire.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var f wire.Frame
		if err := websocket.JSON.Receive(ws, &f); err != nil {
			t.Fatalf("waiting for %s frame: %v", typ, err)
		}
		if f.Type == typ {
			return f
		}
	}
}

func doctorForm() map[string]string {
	return map[string]string{
		"email":           "dr.ama@clinic.org",
		"fullName":        "Ama Mensah",
		"phoneNumber":     "+233200000000",
		"role":            "doctor",
		"password":        "secret1",
		"confirmPassword": "secret1",
		"specialization":  "Pediatrics",
		"licenseNumber":   "GH-4411",
	}
}

func villagerForm() map[string]string {
	return map[string]string{
		"email":           "kofi@village.org",
		"fullName":        "Kofi Boateng",
		"phoneNumber":     "+233200000001",
		"role":            "villager",
		"password":        "secret1",
		"confirmPassword": "secret1",
		"village":         "Nkoranza",
	}
}

func adminForm() map[string]string {
	return map[string]string{
		"email":           "ops@portal.org",
		"fullName":        "Portal Ops",
		"phoneNumber":     "+233200000002",
		"role":            "admin",
		"password":        "secret1",
		"confirmPassword": "secret1",
	}
}

func TestRouter(t *testing.T) {
	p := newPortalServer(t)

	doctor := p.register(doctorForm())
	villager := p.register(villagerForm())
	admin := p.register(adminForm())

	var consultation domain.Consultation

	t.Run("health and metrics are public", func(t *testing.T) {
		for _, path := range []string{"/health", "/metrics"} {
			if resp := p.do(http.MethodGet, path, "", nil); resp.StatusCode != http.StatusOK {
				t.Fatalf("GET %s: status %d", path, resp.StatusCode)
			}
		}
	})

	t.Run("duplicate registration conflicts", func(t *testing.T) {
		if resp := p.do(http.MethodPost, "/auth/register", "", doctorForm()); resp.StatusCode != http.StatusConflict {
			t.Fatalf("expected 409, got %d", resp.StatusCode)
		}
	})

	t.Run("consultation routes require a token", func(t *testing.T) {
		if resp := p.do(http.MethodGet, "/v1/notifications", "", nil); resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("villager cannot create consultations", func(t *testing.T) {
		resp := p.do(http.MethodPost, "/v1/consultations", villager.Token, map[string]string{"villagerId": villager.ID})
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", resp.StatusCode)
		}
	})

	t.Run("doctor creates a consultation for themself", func(t *testing.T) {
		resp := p.do(http.MethodPost, "/v1/consultations", doctor.Token, map[string]string{"villagerId": villager.ID})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&consultation); err != nil {
			t.Fatalf("decode consultation: %v", err)
		}
		if consultation.DoctorID != doctor.ID || consultation.VillagerID != villager.ID {
			t.Fatalf("unexpected participants: %+v", consultation)
		}
	})

	t.Run("admin is not a participant", func(t *testing.T) {
		resp := p.do(http.MethodGet, "/v1/consultations/"+consultation.ID, admin.Token, nil)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", resp.StatusCode)
		}
	})

	t.Run("villager stream replays the scheduling notification", func(t *testing.T) {
		ws := p.dial("/v1/notifications/ws", villager.Token)
		f := readUntil(t, ws, wire.TypeNotification)
		var n domain.Notification
		if err := f.Decode(&n); err != nil {
			t.Fatalf("decode notification: %v", err)
		}
		if n.Kind != domain.KindPersistent || n.RecipientID != villager.ID {
			t.Fatalf("unexpected notification: %+v", n)
		}

		resp := p.do(http.MethodPost, "/v1/notifications/"+n.ID+"/read", villager.Token, nil)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("mark read: status %d", resp.StatusCode)
		}
		unread, err := p.hub.Unread(context.Background(), villager.ID)
		if err != nil || len(unread) != 0 {
			t.Fatalf("expected nothing unread, got %v (%v)", unread, err)
		}
	})

	t.Run("a second notification stream supersedes the first", func(t *testing.T) {
		first := p.dial("/v1/notifications/ws", doctor.Token)
		// Persistent, so it reaches the stream even if the subscription is not registered yet.
		if _, err := p.hub.Publish(context.Background(), domain.Notification{
			RecipientID: doctor.ID, Kind: domain.KindPersistent, Severity: domain.SeverityInfo, Message: "Clinic opens at 9",
		}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		readUntil(t, first, wire.TypeNotification)

		p.dial("/v1/notifications/ws", doctor.Token)
		readUntil(t, first, wire.TypeSuperseded)
	})

	t.Run("message round trip over the channel", func(t *testing.T) {
		path := "/v1/consultations/" + consultation.ID + "/ws"
		vws := p.dial(path, villager.Token)
		joined := readUntil(t, vws, wire.TypeJoined)
		var jp wire.JoinedPayload
		if err := joined.Decode(&jp); err != nil {
			t.Fatalf("decode joined: %v", err)
		}
		if jp.Consultation.ID != consultation.ID || len(jp.Backlog) != 0 {
			t.Fatalf("unexpected joined payload: %+v", jp)
		}

		dws := p.dial(path, doctor.Token)
		readUntil(t, dws, wire.TypeJoined)

		send, _ := wire.NewFrame(wire.TypeSend, "r1", wire.SendPayload{ClientMessageID: "c1", Body: "Fever since Monday"})
		if err := websocket.JSON.Send(vws, send); err != nil {
			t.Fatalf("send frame: %v", err)
		}
		ack := readUntil(t, vws, wire.TypeAck)
		if ack.RequestID != "r1" {
			t.Fatalf("ack for %q", ack.RequestID)
		}

		var got domain.Message
		if err := readUntil(t, dws, wire.TypeMessage).Decode(&got); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		if got.Body != "Fever since Monday" || got.SequenceNumber != 1 || got.SenderID != villager.ID {
			t.Fatalf("unexpected message: %+v", got)
		}

		resp := p.do(http.MethodGet, "/v1/consultations/"+consultation.ID+"/messages?after=0", doctor.Token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("history: status %d", resp.StatusCode)
		}
		var history struct {
			Messages []domain.Message `json:"messages"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
			t.Fatalf("decode history: %v", err)
		}
		if len(history.Messages) != 1 || history.Messages[0].ClientMessageID != "c1" {
			t.Fatalf("unexpected history: %+v", history.Messages)
		}

		closeFrame, _ := wire.NewFrame(wire.TypeClose, "r2", nil)
		if err := websocket.JSON.Send(dws, closeFrame); err != nil {
			t.Fatalf("close frame: %v", err)
		}
		var outcome domain.CloseOutcome
		if err := readUntil(t, dws, wire.TypeCloseResult).Decode(&outcome); err != nil {
			t.Fatalf("decode close result: %v", err)
		}
		if outcome.Status != domain.ConsultationClosed {
			t.Fatalf("expected closed, got %+v", outcome)
		}

		var by wire.ByPayload
		if err := readUntil(t, vws, wire.TypeClosed).Decode(&by); err != nil {
			t.Fatalf("decode closed: %v", err)
		}
		if by.By != doctor.ID {
			t.Fatalf("closed by %q", by.By)
		}
	})

	t.Run("joining a closed consultation is rejected", func(t *testing.T) {
		ws := p.dial("/v1/consultations/"+consultation.ID+"/ws", villager.Token)
		var payload wire.ErrorPayload
		if err := readUntil(t, ws, wire.TypeError).Decode(&payload); err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if payload.Code != wire.CodeAlreadyClosed {
			t.Fatalf("expected already_closed, got %+v", payload)
		}
	})

	t.Run("admin ingest is queued", func(t *testing.T) {
		body := map[string]string{"recipientId": villager.ID, "kind": "toast", "message": "Vaccination drive on Friday"}
		if resp := p.do(http.MethodPost, "/v1/notifications", doctor.Token, body); resp.StatusCode != http.StatusForbidden {
			t.Fatalf("doctor ingest: expected 403, got %d", resp.StatusCode)
		}
		if resp := p.do(http.MethodPost, "/v1/notifications", admin.Token, body); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("admin ingest: expected 202, got %d", resp.StatusCode)
		}
		bad := map[string]string{"recipientId": villager.ID, "kind": "banner", "message": "x"}
		if resp := p.do(http.MethodPost, "/v1/notifications", admin.Token, bad); resp.StatusCode != http.StatusUnprocessableEntity {
			t.Fatalf("invalid kind: expected 422, got %d", resp.StatusCode)
		}
		if p.events.count() != 1 {
			t.Fatalf("expected 1 queued event, got %d", p.events.count())
		}
	})
}
