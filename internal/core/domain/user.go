package domain

import (
	"encoding/json"
	"time"
)

// User models an authenticated actor in the portal.
type User struct {
	ID           string
	Email        string
	FullName     string
	Role         Role
	PhoneNumber  string
	Attributes   RoleAttributes
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Actor is the identity a request acts as.
type Actor struct {
	ID   string
	Role Role
}

func (u *User) Actor() Actor {
	return Actor{ID: u.ID, Role: u.Role}
}

// userJSON is the wire form: role attributes are flattened next to the
// common profile fields.
type userJSON struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	FullName       string    `json:"fullName"`
	Role           Role      `json:"role"`
	PhoneNumber    string    `json:"phoneNumber,omitempty"`
	Village        string    `json:"village,omitempty"`
	Specialization string    `json:"specialization,omitempty"`
	LicenseNumber  string    `json:"licenseNumber,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (u User) MarshalJSON() ([]byte, error) {
	out := userJSON{
		ID:          u.ID,
		Email:       u.Email,
		FullName:    u.FullName,
		Role:        u.Role,
		PhoneNumber: u.PhoneNumber,
		CreatedAt:   u.CreatedAt,
	}
	if u.Attributes != nil {
		MatchRole(u.Attributes,
			func(a VillagerAttributes) struct{} {
				out.Village = a.Village
				return struct{}{}
			},
			func(a DoctorAttributes) struct{} {
				out.Specialization = a.Specialization
				out.LicenseNumber = a.LicenseNumber
				return struct{}{}
			},
			func(AdminAttributes) struct{} { return struct{}{} },
		)
	}
	return json.Marshal(out)
}

func (u *User) UnmarshalJSON(data []byte) error {
	var in userJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	role, err := ParseRole(string(in.Role))
	if err != nil {
		return err
	}
	*u = User{
		ID:          in.ID,
		Email:       in.Email,
		FullName:    in.FullName,
		Role:        role,
		PhoneNumber: in.PhoneNumber,
		CreatedAt:   in.CreatedAt,
	}
	switch role {
	case RoleVillager:
		u.Attributes = VillagerAttributes{Village: in.Village}
	case RoleDoctor:
		u.Attributes = DoctorAttributes{Specialization: in.Specialization, LicenseNumber: in.LicenseNumber}
	case RoleAdmin:
		u.Attributes = AdminAttributes{}
	}
	return nil
}
