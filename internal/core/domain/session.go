package domain

import "time"

// Session binds an authenticated user and token to the client process for a
// bounded time window.
type Session struct {
	User      User
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt)
}

// CredentialRecord is the serialized session kept across restarts.
type CredentialRecord struct {
	UserID    string    `json:"userId"`
	Role      Role      `json:"role"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CredentialKey is the fixed storage key of the persisted session.
const CredentialKey = "villageHealthUser"

func NewCredentialRecord(s *Session) CredentialRecord {
	return CredentialRecord{
		UserID:    s.User.ID,
		Role:      s.User.Role,
		Email:     s.User.Email,
		FullName:  s.User.FullName,
		Token:     s.Token,
		ExpiresAt: s.ExpiresAt,
	}
}
