package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/villagehealth/portal/internal/core/domain"
)

// Context keys set by Auth.
const (
	KeyUserID = "user_id"
	KeyRole   = "role"
	KeyEmail  = "email"
)

// Auth validates the JWT and injects claims into context. The token comes
// from the Authorization header, or from the access_token query parameter on
// GET requests so WebSocket clients without header control can connect.
func Auth(jwtSecret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, err := bearerToken(c)
			if err != nil {
				return err
			}

			claims := jwt.MapClaims{}
			tkn, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
				if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !tkn.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			sub, _ := claims.GetSubject()
			roleClaim, _ := claims["role"].(string)
			role, err := domain.ParseRole(roleClaim)
			if sub == "" || err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "token missing identity")
			}

			c.Set(KeyUserID, sub)
			c.Set(KeyRole, string(role))
			c.Set(KeyEmail, claims["email"])

			return next(c)
		}
	}
}

func bearerToken(c echo.Context) (string, error) {
	authHeader := c.Request().Header.Get("Authorization")
	if authHeader == "" {
		if c.Request().Method == http.MethodGet {
			if tok := c.QueryParam("access_token"); tok != "" {
				return tok, nil
			}
		}
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization header")
	}
	return parts[1], nil
}
