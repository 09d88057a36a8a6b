package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/villagehealth/portal/internal/api/middleware"
	"github.com/villagehealth/portal/internal/core/domain"
)

// ctxActor extracts the identity injected by the Auth middleware and
// fails fast before any service call when it is missing.
func ctxActor(c echo.Context) (domain.Actor, error) {
	id, _ := c.Get(middleware.KeyUserID).(string)
	role, _ := c.Get(middleware.KeyRole).(string)
	if id == "" || role == "" {
		return domain.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "missing authentication claims")
	}
	return domain.Actor{ID: id, Role: domain.Role(role)}, nil
}
