package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
)

type AuthHandler struct {
	auth ports.Authenticator
}

func NewAuthHandler(auth ports.Authenticator) *AuthHandler {
	return &AuthHandler{auth: auth}
}

func toAuthResponse(s *domain.Session) authResponse {
	return authResponse{Token: s.Token, User: s.User, ExpiresAt: s.ExpiresAt}
}

// Register creates a new account and signs it in.
//
// @Summary      Register a new user
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        body  body      registerRequest  true  "Registration form"
// @Success      201   {object}  authResponse
// @Failure      400   {object}  errorResponse
// @Failure      409   {object}  errorResponse
// @Failure      422   {object}  errorResponse
// @Router       /auth/register [post]
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	sess, err := h.auth.Register(c.Request().Context(), ports.RegistrationInput{
		Email:           req.Email,
		FullName:        req.FullName,
		PhoneNumber:     req.PhoneNumber,
		Role:            req.Role,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		Village:         req.Village,
		Specialization:  req.Specialization,
		LicenseNumber:   req.LicenseNumber,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, toAuthResponse(sess))
}

// Login authenticates a user and returns a JWT token.
//
// @Summary      Login
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        body  body      loginRequest  true  "Login credentials"
// @Success      200   {object}  authResponse
// @Failure      400   {object}  errorResponse
// @Failure      401   {object}  errorResponse
// @Router       /auth/login [post]
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}

	sess, err := h.auth.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, toAuthResponse(sess))
}
