package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
)

type stubAuthenticator struct {
	registerFn func(ctx context.Context, in ports.RegistrationInput) (*domain.Session, error)
	loginFn    func(ctx context.Context, email, password string) (*domain.Session, error)
}

func (s *stubAuthenticator) Register(ctx context.Context, in ports.RegistrationInput) (*domain.Session, error) {
	return s.registerFn(ctx, in)
}

func (s *stubAuthenticator) Login(ctx context.Context, email, password string) (*domain.Session, error) {
	return s.loginFn(ctx, email, password)
}

func doctorSession() *domain.Session {
	return &domain.Session{
		User: domain.User{
			ID:         "d1",
			Email:      "dr.ama@clinic.org",
			FullName:   "Ama Mensah",
			Role:       domain.RoleDoctor,
			Attributes: domain.DoctorAttributes{Specialization: "Pediatrics", LicenseNumber: "GH-4411"},
		},
		Token:     "signed.jwt.token",
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
}

func TestAuthHandler_Register_Success(t *testing.T) {
	e := echo.New()
	stub := &stubAuthenticator{
		registerFn: func(_ context.Context, in ports.RegistrationInput) (*domain.Session, error) {
			if in.Email != "dr.ama@clinic.org" || in.Role != "doctor" || in.LicenseNumber != "GH-4411" {
				t.Fatalf("unexpected input: %+v", in)
			}
			return doctorSession(), nil
		},
	}
	handler := NewAuthHandler(stub)

	body := strings.NewReader(`{"email":"dr.ama@clinic.org","fullName":"Ama Mensah","phoneNumber":"+233200000000","role":"doctor","password":"secret1","confirmPassword":"secret1","specialization":"Pediatrics","licenseNumber":"GH-4411"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/register", body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := handler.Register(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp["token"] != "signed.jwt.token" {
		t.Fatalf("expected token, got %+v", resp)
	}
	user, ok := resp["user"].(map[string]any)
	if !ok {
		t.Fatalf("expected user in response")
	}
	if user["role"] != "doctor" || user["specialization"] != "Pediatrics" || user["licenseNumber"] != "GH-4411" {
		t.Fatalf("unexpected user payload: %+v", user)
	}
	if _, leaked := user["passwordHash"]; leaked {
		t.Fatal("password hash must never be serialized")
	}
}

func TestAuthHandler_Register_PropagatesValidation(t *testing.T) {
	e := echo.New()
	stub := &stubAuthenticator{
		registerFn: func(context.Context, ports.RegistrationInput) (*domain.Session, error) {
			return nil, &domain.ValidationError{Field: "licenseNumber", Message: "License number is required"}
		},
	}
	handler := NewAuthHandler(stub)

	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(`{"role":"doctor"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	err := handler.Register(c)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "licenseNumber" {
		t.Fatalf("expected licenseNumber validation error, got %v", err)
	}
}

func TestAuthHandler_Register_BadPayload(t *testing.T) {
	e := echo.New()
	handler := NewAuthHandler(&stubAuthenticator{})

	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(`{`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	var he *echo.HTTPError
	if err := handler.Register(c); !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestAuthHandler_Login_Success(t *testing.T) {
	e := echo.New()
	stub := &stubAuthenticator{
		loginFn: func(_ context.Context, email, password string) (*domain.Session, error) {
			if email != "dr.ama@clinic.org" || password != "secret1" {
				t.Fatalf("unexpected credentials %s/%s", email, password)
			}
			return doctorSession(), nil
		},
	}
	handler := NewAuthHandler(stub)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"dr.ama@clinic.org","password":"secret1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := handler.Login(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthHandler_Login_InvalidCredentials(t *testing.T) {
	e := echo.New()
	stub := &stubAuthenticator{
		loginFn: func(context.Context, string, string) (*domain.Session, error) {
			return nil, domain.ErrInvalidCredentials
		},
	}
	handler := NewAuthHandler(stub)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"x@y.z","password":"nope"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	if err := handler.Login(c); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}
