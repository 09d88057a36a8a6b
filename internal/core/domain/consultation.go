package domain

import "time"

// ConsultationStatus represents the lifecycle state of a consultation.
type ConsultationStatus string

const (
	ConsultationOpen   ConsultationStatus = "open"
	ConsultationClosed ConsultationStatus = "closed"
)

// Consultation is a conversation between exactly one villager and one doctor.
type Consultation struct {
	ID               string             `json:"id"`
	VillagerID       string             `json:"villagerId"`
	DoctorID         string             `json:"doctorId"`
	Status           ConsultationStatus `json:"status"`
	CreatedAt        time.Time          `json:"createdAt"`
	ClosedAt         *time.Time         `json:"closedAt,omitempty"`
	CloseRequestedBy string             `json:"closeRequestedBy,omitempty"`
}

func (c *Consultation) IsOpen() bool {
	return c.Status == ConsultationOpen
}

// Participant reports whether userID is one of the two designated participants.
func (c *Consultation) Participant(userID string) bool {
	return userID != "" && (userID == c.VillagerID || userID == c.DoctorID)
}

// Counterpart returns the other participant's id.
func (c *Consultation) Counterpart(userID string) string {
	if userID == c.VillagerID {
		return c.DoctorID
	}
	return c.VillagerID
}

// CloseOutcome reports what a close request did.
type CloseOutcome struct {
	Status ConsultationStatus `json:"status"`
	// Pending is true when a villager asked to close and the doctor has not
	// acknowledged yet.
	Pending bool `json:"pending"`
}
