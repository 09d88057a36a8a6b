package service

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
)

// registrationForm mirrors the registration screen. Field order is the order
// errors are reported in; a password mismatch is reported before its length.
type registrationForm struct {
	Email           string `json:"email" validate:"required,email"`
	FullName        string `json:"fullName" validate:"required"`
	PhoneNumber     string `json:"phoneNumber" validate:"required"`
	Role            string `json:"role" validate:"required,oneof=villager doctor admin"`
	ConfirmPassword string `json:"confirmPassword" validate:"eqfield=Password"`
	Password        string `json:"password" validate:"required,min=6"`
	Specialization  string `json:"specialization" validate:"required_if=Role doctor"`
	LicenseNumber   string `json:"licenseNumber" validate:"required_if=Role doctor"`
	Village         string `json:"village" validate:"required_if=Role villager"`
}

var formValidator = newFormValidator()

func newFormValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidateRegistration checks a registration form and returns a
// *domain.ValidationError for the first offending field.
func ValidateRegistration(in ports.RegistrationInput) error {
	form := registrationForm{
		Email:           strings.TrimSpace(in.Email),
		FullName:        strings.TrimSpace(in.FullName),
		PhoneNumber:     strings.TrimSpace(in.PhoneNumber),
		Role:            strings.ToLower(strings.TrimSpace(in.Role)),
		Password:        in.Password,
		ConfirmPassword: in.ConfirmPassword,
		Specialization:  strings.TrimSpace(in.Specialization),
		LicenseNumber:   strings.TrimSpace(in.LicenseNumber),
		Village:         strings.TrimSpace(in.Village),
	}

	err := formValidator.Struct(form)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return err
	}
	fe := ve[0]
	return &domain.ValidationError{Field: fe.Field(), Message: registrationMessage(fe)}
}

// registrationMessage converts a field error into the text shown next to the field.
func registrationMessage(fe validator.FieldError) string {
	switch fe.Field() {
	case "email":
		if fe.Tag() == "email" {
			return "Please enter a valid email address"
		}
		return "Email is required"
	case "fullName":
		return "Full name is required"
	case "phoneNumber":
		return "Phone number is required"
	case "role":
		if fe.Tag() == "oneof" {
			return "Role must be one of villager, doctor, admin"
		}
		return "Please select a role"
	case "password":
		if fe.Tag() == "min" {
			return "Password must be at least 6 characters"
		}
		return "Password is required"
	case "confirmPassword":
		return "Passwords do not match"
	case "specialization":
		return "Specialization is required for doctors"
	case "licenseNumber":
		return "License number is required for doctors"
	case "village":
		return "Village name is required for villagers"
	default:
		return fe.Field() + " is invalid"
	}
}

// attributesFor builds the role attributes variant from a validated form.
func attributesFor(role domain.Role, in ports.RegistrationInput) domain.RoleAttributes {
	switch role {
	case domain.RoleVillager:
		return domain.VillagerAttributes{Village: strings.TrimSpace(in.Village)}
	case domain.RoleDoctor:
		return domain.DoctorAttributes{
			Specialization: strings.TrimSpace(in.Specialization),
			LicenseNumber:  strings.TrimSpace(in.LicenseNumber),
		}
	default:
		return domain.AdminAttributes{}
	}
}
