package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
	"github.com/villagehealth/portal/internal/pkg/metrics"
)

// SessionManager owns the single active session of the client process and is
// the only writer of the credential store.
//
// State is either Unauthenticated (current == nil) or Authenticated. Every
// transition writes the credential store before memory, so a crash never
// leaves the two disagreeing about who is logged in.
type SessionManager struct {
	auth     ports.Authenticator
	store    ports.CredentialStore
	notifier ports.Notifier
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	current *domain.Session
	hooks   []func()
}

func NewSessionManager(auth ports.Authenticator, store ports.CredentialStore, notifier ports.Notifier, log zerolog.Logger) *SessionManager {
	return &SessionManager{
		auth:     auth,
		store:    store,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// AddLogoutHook registers fn to run after every logout or detected expiry.
func (m *SessionManager) AddLogoutHook(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Login authenticates and makes the resulting session current.
func (m *SessionManager) Login(ctx context.Context, email, password string) (*domain.Session, error) {
	sess, err := m.auth.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := m.establish(ctx, sess); err != nil {
		return nil, err
	}
	metrics.SessionTransitionsTotal.WithLabelValues("login").Inc()
	m.log.Info().Str("user_id", sess.User.ID).Str("role", string(sess.User.Role)).Msg("logged in")
	m.toast(ctx, sess.User.ID, "Login Successful")
	return sess, nil
}

// Register validates the form locally, creates the account, and makes the
// resulting session current.
func (m *SessionManager) Register(ctx context.Context, in ports.RegistrationInput) (*domain.Session, error) {
	if err := ValidateRegistration(in); err != nil {
		return nil, err
	}
	sess, err := m.auth.Register(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := m.establish(ctx, sess); err != nil {
		return nil, err
	}
	metrics.SessionTransitionsTotal.WithLabelValues("register").Inc()
	m.log.Info().Str("user_id", sess.User.ID).Str("role", string(sess.User.Role)).Msg("registered")
	m.toast(ctx, sess.User.ID, "Registered Successfully")
	return sess, nil
}

func (m *SessionManager) establish(ctx context.Context, sess *domain.Session) error {
	data, err := json.Marshal(domain.NewCredentialRecord(sess))
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Write(ctx, data); err != nil {
		return fmt.Errorf("persist credentials: %w", err)
	}
	m.current = sess
	return nil
}

// Restore loads the persisted session at process start. Absent, corrupt and
// expired records yield nil; corrupt and expired ones are purged.
func (m *SessionManager) Restore(ctx context.Context) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var rec domain.CredentialRecord
	if err := json.Unmarshal(data, &rec); err != nil || !recordComplete(rec) {
		m.log.Warn().Err(err).Msg("discarding corrupt credential record")
		return nil, m.purge(ctx)
	}
	if !m.now().Before(rec.ExpiresAt) {
		m.log.Info().Str("user_id", rec.UserID).Msg("stored session expired")
		metrics.SessionTransitionsTotal.WithLabelValues("expired").Inc()
		return nil, m.purge(ctx)
	}

	sess := sessionFromRecord(rec)
	m.current = sess
	metrics.SessionTransitionsTotal.WithLabelValues("restore").Inc()
	return sess, nil
}

func (m *SessionManager) purge(ctx context.Context) error {
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// Logout clears the store and the in-memory session, then runs the logout
// hooks. Logging out while unauthenticated only clears the store.
func (m *SessionManager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if err := m.purge(ctx); err != nil {
		m.mu.Unlock()
		return err
	}
	prev := m.current
	m.current = nil
	hooks := append([]func(){}, m.hooks...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	if prev != nil {
		metrics.SessionTransitionsTotal.WithLabelValues("logout").Inc()
		m.log.Info().Str("user_id", prev.User.ID).Msg("logged out")
		m.toast(ctx, prev.User.ID, "Logout Successful")
	}
	return nil
}

// Current returns the active session. An expired session is dropped on
// detection and reported as ErrSessionExpired.
func (m *SessionManager) Current() (*domain.Session, error) {
	m.mu.Lock()
	sess := m.current
	if sess == nil {
		m.mu.Unlock()
		return nil, domain.ErrUnauthorized
	}
	if !sess.Expired(m.now()) {
		m.mu.Unlock()
		return sess, nil
	}

	if err := m.purge(context.Background()); err != nil {
		m.log.Warn().Err(err).Msg("failed to clear expired credentials")
	}
	m.current = nil
	hooks := append([]func(){}, m.hooks...)
	m.mu.Unlock()

	metrics.SessionTransitionsTotal.WithLabelValues("expired").Inc()
	for _, fn := range hooks {
		fn()
	}
	return nil, domain.ErrSessionExpired
}

// Snapshot returns the in-memory session as is, expired or not.
func (m *SessionManager) Snapshot() *domain.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CurrentUser returns the authenticated user, or nil.
func (m *SessionManager) CurrentUser() *domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.Expired(m.now()) {
		return nil
	}
	u := m.current.User
	return &u
}

func (m *SessionManager) toast(ctx context.Context, recipientID, msg string) {
	if m.notifier == nil {
		return
	}
	_, err := m.notifier.Publish(ctx, domain.Notification{
		RecipientID: recipientID,
		Kind:        domain.KindToast,
		Severity:    domain.SeveritySuccess,
		Message:     msg,
	})
	if err != nil {
		m.log.Warn().Err(err).Str("recipient_id", recipientID).Msg("failed to publish session toast")
	}
}

func recordComplete(rec domain.CredentialRecord) bool {
	return rec.UserID != "" && rec.Token != "" && rec.Role.Valid() && !rec.ExpiresAt.IsZero()
}

// sessionFromRecord rebuilds a session. Role attributes are not persisted, so
// the restored user carries the empty variant for its role. IssuedAt comes
// from the token's iat claim when readable.
func sessionFromRecord(rec domain.CredentialRecord) *domain.Session {
	issuedAt := rec.ExpiresAt
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rec.Token, claims); err == nil {
		if iat, err := claims.GetIssuedAt(); err == nil && iat != nil && !iat.After(rec.ExpiresAt) {
			issuedAt = iat.Time
		}
	}
	return &domain.Session{
		User: domain.User{
			ID:         rec.UserID,
			Email:      rec.Email,
			FullName:   rec.FullName,
			Role:       rec.Role,
			Attributes: domain.EmptyAttributes(rec.Role),
		},
		Token:     rec.Token,
		IssuedAt:  issuedAt.UTC(),
		ExpiresAt: rec.ExpiresAt.UTC(),
	}
}
