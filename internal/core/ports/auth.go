package ports

import (
	"context"

	"github.com/villagehealth/portal/internal/core/domain"
)

// RegistrationInput carries the registration form.
type RegistrationInput struct {
	Email           string
	FullName        string
	PhoneNumber     string
	Role            string
	Password        string
	ConfirmPassword string
	Village         string
	Specialization  string
	LicenseNumber   string
}

// Authenticator issues sessions. The server's AuthService implements it
// directly; the client reaches it over HTTP.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*domain.Session, error)
	Register(ctx context.Context, in RegistrationInput) (*domain.Session, error)
}
