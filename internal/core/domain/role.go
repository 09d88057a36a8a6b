package domain

import (
	"fmt"
	"strings"
)

// Role is the closed set of portal roles.
type Role string

const (
	RoleVillager Role = "villager"
	RoleDoctor   Role = "doctor"
	RoleAdmin    Role = "admin"
)

// Roles lists every role in declaration order.
var Roles = []Role{RoleVillager, RoleDoctor, RoleAdmin}

// ParseRole accepts a role name case-insensitively.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleVillager, RoleDoctor, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// Root is the landing path of the role's area, e.g. "/doctor".
func (r Role) Root() string {
	return "/" + string(r)
}

func (r Role) String() string { return string(r) }

// RoleSet is an unordered set of roles.
type RoleSet map[Role]struct{}

func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}

func (s RoleSet) Contains(r Role) bool {
	_, ok := s[r]
	return ok
}

// RoleAttributes holds the profile fields that only exist for one role.
// The interface is sealed; MatchRole is the only way to branch on it.
type RoleAttributes interface {
	Role() Role
	sealed()
}

type VillagerAttributes struct {
	Village string
}

type DoctorAttributes struct {
	Specialization string
	LicenseNumber  string
}

type AdminAttributes struct{}

func (VillagerAttributes) Role() Role { return RoleVillager }
func (DoctorAttributes) Role() Role   { return RoleDoctor }
func (AdminAttributes) Role() Role    { return RoleAdmin }

func (VillagerAttributes) sealed() {}
func (DoctorAttributes) sealed()   {}
func (AdminAttributes) sealed()    {}

// MatchRole dispatches on the concrete attributes variant. Every role has a
// positional branch, so adding a role breaks each call site at compile time.
func MatchRole[T any](
	attrs RoleAttributes,
	villager func(VillagerAttributes) T,
	doctor func(DoctorAttributes) T,
	admin func(AdminAttributes) T,
) T {
	switch a := attrs.(type) {
	case VillagerAttributes:
		return villager(a)
	case DoctorAttributes:
		return doctor(a)
	case AdminAttributes:
		return admin(a)
	default:
		panic(fmt.Sprintf("domain: unhandled role attributes %T", attrs))
	}
}

// EmptyAttributes returns the zero attributes variant for a role.
func EmptyAttributes(r Role) RoleAttributes {
	switch r {
	case RoleVillager:
		return VillagerAttributes{}
	case RoleDoctor:
		return DoctorAttributes{}
	default:
		return AdminAttributes{}
	}
}
