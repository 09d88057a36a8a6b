package service

import (
	"errors"
	"testing"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
)

func validationField(t *testing.T, err error) string {
	t.Helper()
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *domain.ValidationError, got %v", err)
	}
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected error to match ErrValidation")
	}
	return ve.Field
}

func TestValidateRegistration_Doctor(t *testing.T) {
	if err := ValidateRegistration(doctorForm("rao@example.com")); err != nil {
		t.Fatalf("expected complete doctor form to pass, got %v", err)
	}

	blankSpec := doctorForm("rao@example.com")
	blankSpec.Specialization = "   "
	if got := validationField(t, ValidateRegistration(blankSpec)); got != "specialization" {
		t.Errorf("expected specialization, got %s", got)
	}

	blankLicense := doctorForm("rao@example.com")
	blankLicense.LicenseNumber = ""
	if got := validationField(t, ValidateRegistration(blankLicense)); got != "licenseNumber" {
		t.Errorf("expected licenseNumber, got %s", got)
	}
}

func TestValidateRegistration_FieldErrors(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(in *ports.RegistrationInput)
		field string
	}{
		{"short password", func(in *ports.RegistrationInput) { in.Password, in.ConfirmPassword = "abc", "abc" }, "password"},
		{"mismatch", func(in *ports.RegistrationInput) { in.ConfirmPassword = "other1" }, "confirmPassword"},
		{"short and mismatched", func(in *ports.RegistrationInput) { in.Password, in.ConfirmPassword = "abc", "abd" }, "confirmPassword"},
		{"missing confirmation", func(in *ports.RegistrationInput) { in.ConfirmPassword = "" }, "confirmPassword"},
		{"both passwords empty", func(in *ports.RegistrationInput) { in.Password, in.ConfirmPassword = "", "" }, "password"},
		{"missing role", func(in *ports.RegistrationInput) { in.Role = "" }, "role"},
		{"unknown role", func(in *ports.RegistrationInput) { in.Role = "nurse" }, "role"},
		{"villager without village", func(in *ports.RegistrationInput) { in.Village = "" }, "village"},
		{"bad email", func(in *ports.RegistrationInput) { in.Email = "not-an-email" }, "email"},
	}

	for _, tc := range tests {
		in := villagerForm("asha@example.com")
		tc.edit(&in)
		if got := validationField(t, ValidateRegistration(in)); got != tc.field {
			t.Errorf("%s: expected field %s, got %s", tc.name, tc.field, got)
		}
	}
}

func TestValidateRegistration_AdminNeedsNoAttributes(t *testing.T) {
	in := villagerForm("root@example.com")
	in.Role = "admin"
	in.Village = ""
	if err := ValidateRegistration(in); err != nil {
		t.Fatalf("expected admin form to pass, got %v", err)
	}
}

func TestValidateRegistration_MismatchMessage(t *testing.T) {
	in := villagerForm("asha@example.com")
	in.Password, in.ConfirmPassword = "abc", "abd"

	var ve *domain.ValidationError
	if err := ValidateRegistration(in); !errors.As(err, &ve) {
		t.Fatalf("expected *domain.ValidationError, got %v", err)
	}
	if ve.Message != "Passwords do not match" {
		t.Errorf("unexpected message %q", ve.Message)
	}
}
