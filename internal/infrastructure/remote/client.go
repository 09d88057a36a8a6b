// Package remote is the client process's view of the portal API: a resty
// REST client, the WebSocket consultation transport and the notification
// feed.
package remote

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
)

// historyPage matches the server's upper bound on one history response.
const historyPage = 1000

// Config addresses the portal API.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client calls the portal's REST routes. It implements ports.Authenticator.
type Client struct {
	http    *resty.Client
	baseURL string
	log     zerolog.Logger
}

func NewClient(cfg Config, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{http: client, baseURL: base, log: log}
}

var _ ports.Authenticator = (*Client)(nil)

type apiError struct {
	Error string `json:"error"`
	Field string `json:"field"`
}

type authPayload struct {
	Token     string      `json:"token"`
	User      domain.User `json:"user"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

type registerBody struct {
	Email           string `json:"email"`
	FullName        string `json:"fullName"`
	PhoneNumber     string `json:"phoneNumber"`
	Role            string `json:"role"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
	Village         string `json:"village,omitempty"`
	Specialization  string `json:"specialization,omitempty"`
	LicenseNumber   string `json:"licenseNumber,omitempty"`
}

func (c *Client) Login(ctx context.Context, email, password string) (*domain.Session, error) {
	var out authPayload
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/auth/login")
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp.StatusCode(), apiErr)
	}
	return sessionFrom(out), nil
}

func (c *Client) Register(ctx context.Context, in ports.RegistrationInput) (*domain.Session, error) {
	var out authPayload
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(registerBody(in)).
		SetResult(&out).
		SetError(&apiErr).
		Post("/auth/register")
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp.StatusCode(), apiErr)
	}
	return sessionFrom(out), nil
}

// History returns every message with after < seq <= upto, paging through the
// server's limit.
func (c *Client) History(ctx context.Context, session *domain.Session, consultationID string, after, upto int64) ([]domain.Message, error) {
	var all []domain.Message
	for {
		var page struct {
			Messages []domain.Message `json:"messages"`
		}
		var apiErr apiError
		req := c.authed(ctx, session).
			SetPathParam("id", consultationID).
			SetQueryParam("after", strconv.FormatInt(after, 10)).
			SetQueryParam("limit", strconv.Itoa(historyPage)).
			SetResult(&page).
			SetError(&apiErr)
		if upto > 0 {
			req.SetQueryParam("upto", strconv.FormatInt(upto, 10))
		}
		resp, err := req.Get("/v1/consultations/{id}/messages")
		if err != nil {
			return nil, fmt.Errorf("fetch history: %w", err)
		}
		if resp.IsError() {
			return nil, statusError(resp.StatusCode(), apiErr)
		}

		all = append(all, page.Messages...)
		if len(page.Messages) < historyPage {
			return all, nil
		}
		after = page.Messages[len(page.Messages)-1].SequenceNumber
		if upto > 0 && after >= upto {
			return all, nil
		}
	}
}

// Consultation fetches one consultation. The channel transport uses it to
// explain a refused WebSocket upgrade.
func (c *Client) Consultation(ctx context.Context, session *domain.Session, id string) (*domain.Consultation, error) {
	var out domain.Consultation
	var apiErr apiError
	resp, err := c.authed(ctx, session).
		SetPathParam("id", id).
		SetResult(&out).
		SetError(&apiErr).
		Get("/v1/consultations/{id}")
	if err != nil {
		return nil, fmt.Errorf("get consultation: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp.StatusCode(), apiErr)
	}
	return &out, nil
}

// Unread lists the session user's unread persistent notifications.
func (c *Client) Unread(ctx context.Context, session *domain.Session) ([]domain.Notification, error) {
	var out struct {
		Notifications []domain.Notification `json:"notifications"`
	}
	var apiErr apiError
	resp, err := c.authed(ctx, session).
		SetResult(&out).
		SetError(&apiErr).
		Get("/v1/notifications")
	if err != nil {
		return nil, fmt.Errorf("unread notifications: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp.StatusCode(), apiErr)
	}
	return out.Notifications, nil
}

func (c *Client) MarkRead(ctx context.Context, session *domain.Session, notificationID string) error {
	var apiErr apiError
	resp, err := c.authed(ctx, session).
		SetPathParam("id", notificationID).
		SetError(&apiErr).
		Post("/v1/notifications/{id}/read")
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if resp.IsError() {
		return statusError(resp.StatusCode(), apiErr)
	}
	return nil
}

func (c *Client) authed(ctx context.Context, session *domain.Session) *resty.Request {
	req := c.http.R().SetContext(ctx)
	if session != nil {
		req.SetAuthToken(session.Token)
	}
	return req
}

func sessionFrom(p authPayload) *domain.Session {
	return &domain.Session{
		User:      p.User,
		Token:     p.Token,
		IssuedAt:  issuedAt(p.Token, p.ExpiresAt),
		ExpiresAt: p.ExpiresAt.UTC(),
	}
}

// issuedAt reads the token's iat claim without verifying the signature; only
// the server holds the key.
func issuedAt(token string, fallback time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
			return iat.Time.UTC()
		}
	}
	return fallback.UTC()
}

// statusError maps an API error response back to the domain error the
// server started from.
func statusError(status int, e apiError) error {
	switch status {
	case http.StatusUnprocessableEntity:
		return &domain.ValidationError{Field: e.Field, Message: e.Error}
	case http.StatusUnauthorized:
		if e.Error == "invalid credentials" {
			return domain.ErrInvalidCredentials
		}
		return domain.ErrSessionExpired
	case http.StatusForbidden:
		return domain.ErrUnauthorized
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		switch e.Error {
		case "user already exists":
			return domain.ErrUserExists
		case "consultation already closed":
			return domain.ErrAlreadyClosed
		}
		return domain.ErrConflict
	}
	if e.Error != "" {
		return fmt.Errorf("portal api: status %d: %s", status, e.Error)
	}
	return fmt.Errorf("portal api: status %d", status)
}
