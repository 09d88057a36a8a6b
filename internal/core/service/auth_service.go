package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
)

// AuthService implements registration and login.
type AuthService struct {
	repo      ports.UserRepository
	jwtSecret string
	tokenTTL  time.Duration
	now       func() time.Time
}

func NewAuthService(repo ports.UserRepository, jwtSecret string, tokenTTL time.Duration) *AuthService {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &AuthService{repo: repo, jwtSecret: jwtSecret, tokenTTL: tokenTTL, now: time.Now}
}

func (s *AuthService) Register(ctx context.Context, in ports.RegistrationInput) (*domain.Session, error) {
	if err := ValidateRegistration(in); err != nil {
		return nil, err
	}
	role, err := domain.ParseRole(in.Role)
	if err != nil {
		return nil, &domain.ValidationError{Field: "role", Message: "Please select a role"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	user := &domain.User{
		Email:        normalizeEmail(in.Email),
		FullName:     strings.TrimSpace(in.FullName),
		PhoneNumber:  strings.TrimSpace(in.PhoneNumber),
		Role:         role,
		Attributes:   attributesFor(role, in),
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	created, err := s.repo.Create(ctx, user)
	if err != nil {
		return nil, err
	}
	return s.issue(created)
}

func (s *AuthService) Login(ctx context.Context, email, password string) (*domain.Session, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, domain.ErrInvalidCredentials
	}

	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, domain.ErrInvalidCredentials
	}

	return s.issue(user)
}

// issue signs a token for user. Times are truncated to whole seconds so the
// session matches the token's iat/exp claims exactly.
func (s *AuthService) issue(user *domain.User) (*domain.Session, error) {
	issuedAt := s.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(s.tokenTTL)

	claims := jwt.MapClaims{
		"sub":       user.ID,
		"email":     user.Email,
		"role":      string(user.Role),
		"full_name": user.FullName,
		"iat":       issuedAt.Unix(),
		"exp":       expiresAt.Unix(),
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token, err := t.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, err
	}

	u := *user
	u.PasswordHash = ""
	return &domain.Session{User: u, Token: token, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
