package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/villagehealth/portal/internal/core/domain"
)

func TestRBAC(t *testing.T) {
	clinical := RBAC(domain.RoleVillager, domain.RoleDoctor)
	scheduling := RBAC(domain.RoleDoctor, domain.RoleAdmin)

	tests := []struct {
		name     string
		mw       echo.MiddlewareFunc
		role     any
		wantCode int
	}{
		{"villager on chat route", clinical, "villager", http.StatusOK},
		{"doctor on chat route", clinical, "doctor", http.StatusOK},
		{"admin on chat route", clinical, "admin", http.StatusForbidden},
		{"doctor schedules", scheduling, "doctor", http.StatusOK},
		{"villager cannot schedule", scheduling, "villager", http.StatusForbidden},
		{"unknown role", scheduling, "nurse", http.StatusForbidden},
		{"role of wrong type", scheduling, domain.RoleAdmin, http.StatusForbidden},
		{"no role", scheduling, nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/v1/consultations/c1", nil), rec)
			if tt.role != nil {
				c.Set(KeyRole, tt.role)
			}

			reached := false
			err := tt.mw(func(c echo.Context) error {
				reached = true
				return c.NoContent(http.StatusOK)
			})(c)
			if err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			if reached != (tt.wantCode == http.StatusOK) {
				t.Fatalf("next handler reached=%v for status %d", reached, rec.Code)
			}
		})
	}
}
