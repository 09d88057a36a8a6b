package handler

import (
	"time"

	"github.com/villagehealth/portal/internal/core/domain"
)

// errorResponse is the standard error envelope returned on all 4xx/5xx responses.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// --- Auth ---

type registerRequest struct {
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

type loginRequest struct {
	Email    string `json:"email"    validate:"required"`
	Password string `json:"password" validate:"required"`
}

type authResponse struct {
	Token     string      `json:"token"`
	User      domain.User `json:"user"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// --- Consultations ---

type createConsultationRequest struct {
	VillagerID string `json:"villagerId" validate:"required"`
	DoctorID   string `json:"doctorId"`
}

type historyResponse struct {
	Messages []domain.Message `json:"messages"`
}

// --- Notifications ---

type notificationRequest struct {
	RecipientID string `json:"recipientId" validate:"required"`
	Kind        string `json:"kind"        validate:"required,oneof=toast persistent"`
	Severity    string `json:"severity"    validate:"omitempty,oneof=info success warning error"`
	Message     string `json:"message"     validate:"required"`
}

type notificationsResponse struct {
	Notifications []domain.Notification `json:"notifications"`
}

type acceptedResponse struct {
	Message string `json:"message"`
	Count   int    `json:"count,omitempty"`
}
