package service

import (
	"strings"
	"time"

	"github.com/villagehealth/portal/internal/core/domain"
)

// LoginPath is where unauthenticated navigation is sent.
const LoginPath = "/login"

// Decision is the outcome of an access check. Redirect is empty when Admit
// is true.
type Decision struct {
	Admit    bool
	Redirect string
}

func admit() Decision { return Decision{Admit: true} }
func redirectTo(target string) Decision { return Decision{Redirect: target} }

// Authorize admits a present, unexpired session whose role is in required.
// Unauthenticated callers go to the login page; authenticated callers with
// the wrong role go to their own role root. It has no side effects and
// caches nothing.
func Authorize(session *domain.Session, required domain.RoleSet, now time.Time) Decision {
	if session == nil || session.Expired(now) {
		return redirectTo(LoginPath)
	}
	if !required.Contains(session.User.Role) {
		return redirectTo(session.User.Role.Root())
	}
	return admit()
}

// RolesForPath returns the roles allowed to reach path. Public paths return
// (nil, false).
func RolesForPath(path string) (domain.RoleSet, bool) {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return nil, false
	}

	switch segments[0] {
	case "chat":
		// The whole subtree is guarded, including malformed consultation paths.
		return domain.NewRoleSet(domain.RoleVillager, domain.RoleDoctor), true
	default:
		role, err := domain.ParseRole(segments[0])
		if err != nil || string(role) != segments[0] {
			return nil, false
		}
		return domain.NewRoleSet(role), true
	}
}

// Navigate evaluates access to path. Public paths are always admitted.
func Navigate(session *domain.Session, path string, now time.Time) Decision {
	required, guarded := RolesForPath(path)
	if !guarded {
		return admit()
	}
	return Authorize(session, required, now)
}
