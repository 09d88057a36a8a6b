package handler

import (
	"errors"
	"testing"

	"github.com/villagehealth/portal/internal/core/domain"
)

func TestValidator_ReportsFirstFieldByJSONName(t *testing.T) {
	v := NewValidator()

	err := v.Validate(&notificationRequest{RecipientID: "v1", Kind: "banner", Message: "hi"})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != "kind" || ve.Message != "kind must be one of: toast persistent" {
		t.Fatalf("unexpected error %+v", ve)
	}
}

func TestValidator_Passes(t *testing.T) {
	v := NewValidator()
	if err := v.Validate(&notificationRequest{RecipientID: "v1", Kind: "toast", Message: "hi"}); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := v.Validate(&notificationRequest{RecipientID: "v1", Kind: "toast", Severity: "loud", Message: "hi"}); err == nil {
		t.Fatal("expected severity to be checked when present")
	}
}
