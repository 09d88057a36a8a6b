// Package portal holds the client process's state: the single session, the
// consultations opened under it and the notification hub the UI reads.
package portal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/villagehealth/portal/internal/core/channel"
	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
	"github.com/villagehealth/portal/internal/core/service"
	"github.com/villagehealth/portal/internal/infrastructure/db/memory"
)

// FeedRunner publishes a session's server notifications into sink until ctx
// ends.
type FeedRunner interface {
	Run(ctx context.Context, session *domain.Session, sink ports.Notifier) error
}

// Inbox is the server's copy of the user's persistent notifications.
type Inbox interface {
	Unread(ctx context.Context, session *domain.Session) ([]domain.Notification, error)
	MarkRead(ctx context.Context, session *domain.Session, notificationID string) error
}

type Deps struct {
	Auth        ports.Authenticator
	Credentials ports.CredentialStore
	Transport   ports.ChannelTransport
	// Feed and Inbox are optional; without them notifications stay local.
	Feed      FeedRunner
	Inbox     Inbox
	Debouncer ports.Debouncer
	Debounce  time.Duration
	Reconnect channel.ReconnectPolicy
	Log       zerolog.Logger
}

// Portal is created once per process and passed explicitly to the surfaces
// that need it.
type Portal struct {
	sessions *service.SessionManager
	channels *channel.Manager
	hub      *service.NotificationHub
	feed     FeedRunner
	inbox    Inbox
	log      zerolog.Logger
	now      func() time.Time

	mu         sync.Mutex
	feedCancel context.CancelFunc
	feedDone   chan struct{}
}

func New(d Deps) *Portal {
	debouncer := d.Debouncer
	if debouncer == nil {
		debouncer = memory.NewDebouncer()
	}
	hub := service.NewNotificationHub(memory.NewNotificationStore(), debouncer, d.Debounce, d.Log)
	sessions := service.NewSessionManager(d.Auth, d.Credentials, hub, d.Log)
	channels := channel.NewManager(d.Transport, sessions, hub, d.Reconnect, d.Log)

	p := &Portal{
		sessions: sessions,
		channels: channels,
		hub:      hub,
		feed:     d.Feed,
		inbox:    d.Inbox,
		log:      d.Log,
		now:      time.Now,
	}
	sessions.AddLogoutHook(channels.ReleaseAll)
	sessions.AddLogoutHook(p.stopFeed)
	return p
}

// Init restores a persisted session and, when one is found, starts the
// notification feed. It returns nil when nobody is logged in.
func (p *Portal) Init(ctx context.Context) (*domain.Session, error) {
	sess, err := p.sessions.Restore(ctx)
	if err != nil || sess == nil {
		return nil, err
	}
	p.startFeed(sess)
	return sess, nil
}

func (p *Portal) Login(ctx context.Context, email, password string) (*domain.Session, error) {
	sess, err := p.sessions.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	p.startFeed(sess)
	return sess, nil
}

func (p *Portal) Register(ctx context.Context, in ports.RegistrationInput) (*domain.Session, error) {
	sess, err := p.sessions.Register(ctx, in)
	if err != nil {
		return nil, err
	}
	p.startFeed(sess)
	return sess, nil
}

// Logout releases every open consultation and stops the feed. Consultations
// themselves stay open on the server.
func (p *Portal) Logout(ctx context.Context) error {
	return p.sessions.Logout(ctx)
}

// CurrentUser returns the logged-in user, or nil.
func (p *Portal) CurrentUser() *domain.User {
	return p.sessions.CurrentUser()
}

// Navigate decides whether the current session may see path. An expired
// session is dropped here, so the decision is a login redirect.
func (p *Portal) Navigate(path string) service.Decision {
	sess, _ := p.sessions.Current()
	return service.Navigate(sess, path, p.now())
}

// OpenChat opens the live channel of a consultation.
func (p *Portal) OpenChat(ctx context.Context, consultationID string) (*channel.Handle, error) {
	return p.channels.Open(ctx, consultationID)
}

// Subscribe streams the current user's notifications.
func (p *Portal) Subscribe(ctx context.Context) (ports.NotificationSubscription, error) {
	sess, err := p.sessions.Current()
	if err != nil {
		return nil, err
	}
	return p.hub.Subscribe(ctx, sess.User.ID)
}

// Unread lists the current user's unread persistent notifications. With an
// inbox, the server's list is merged into the local hub first.
func (p *Portal) Unread(ctx context.Context) ([]domain.Notification, error) {
	sess, err := p.sessions.Current()
	if err != nil {
		return nil, err
	}
	if p.inbox != nil {
		remote, err := p.inbox.Unread(ctx, sess)
		if err != nil {
			return nil, err
		}
		for _, n := range remote {
			if _, err := p.hub.Mirror(ctx, n); err != nil {
				p.log.Warn().Err(err).Str("notification_id", n.ID).Msg("failed to merge server notification")
			}
		}
	}
	return p.hub.Unread(ctx, sess.User.ID)
}

// MarkRead marks a notification read on the server, then locally. A
// notification the local hub never saw is only marked on the server.
func (p *Portal) MarkRead(ctx context.Context, notificationID string) error {
	sess, err := p.sessions.Current()
	if err != nil {
		return err
	}
	if p.inbox != nil {
		if err := p.inbox.MarkRead(ctx, sess, notificationID); err != nil {
			return err
		}
	}
	err = p.hub.MarkRead(ctx, sess.User.ID, notificationID)
	if p.inbox != nil && errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// Teardown releases every handle and waits for the feed to stop. The
// session stays persisted for the next Init.
func (p *Portal) Teardown() {
	p.channels.ReleaseAll()

	p.mu.Lock()
	done := p.feedDone
	p.stopFeedLocked()
	p.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (p *Portal) startFeed(sess *domain.Session) {
	if p.feed == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopFeedLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.feedCancel, p.feedDone = cancel, done

	go func() {
		defer close(done)
		if err := p.feed.Run(ctx, sess, mirrorSink{p.hub}); err != nil {
			p.log.Warn().Err(err).Str("user_id", sess.User.ID).Msg("notification feed stopped")
		}
	}()
}

func (p *Portal) stopFeed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopFeedLocked()
}

func (p *Portal) stopFeedLocked() {
	if p.feedCancel != nil {
		p.feedCancel()
		p.feedCancel = nil
		p.feedDone = nil
	}
}

// mirrorSink hands server notifications to the local hub without a second
// debounce pass.
type mirrorSink struct {
	hub *service.NotificationHub
}

func (m mirrorSink) Publish(ctx context.Context, n domain.Notification) (*domain.Notification, error) {
	return m.hub.Mirror(ctx, n)
}
