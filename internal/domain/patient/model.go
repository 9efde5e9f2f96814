package patient

import (
	"time"

	"github.com/google/uuid"
)

// Patient maps to the patient table.
type Patient struct {
	ID             uuid.UUID              `db:"id" json:"id"`
	MRN            string                 `db:"mrn" json:"mrn"`
	FirstName      string                 `db:"first_name" json:"first_name"`
	LastName       string                 `db:"last_name" json:"last_name"`
	DateOfBirth    *time.Time             `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Gender         string                 `db:"gender" json:"gender,omitempty"`
	Email          string                 `db:"email" json:"email,omitempty"`
	Phone          string                 `db:"phone" json:"phone,omitempty"`
	Address        string                 `db:"address" json:"address,omitempty"`
	OrganizationID uuid.UUID              `db:"organization_id" json:"organization_id"`
	MedicalHistory map[string]interface{} `db:"medical_history" json:"medical_history,omitempty"`
	Allergies      string                 `db:"allergies" json:"allergies,omitempty"`
	ConsentGiven   bool                   `db:"consent_given" json:"consent_given"`
	ConsentDate    *time.Time             `db:"consent_date" json:"consent_date,omitempty"`
	CreatedBy      *uuid.UUID             `db:"created_by" json:"created_by,omitempty"`
	CreatedAt      time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time              `db:"updated_at" json:"updated_at"`
}

func (p *Patient) FullName() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// Filter narrows patient listings. A nil OrganizationID lists every
// organization.
type Filter struct {
	OrganizationID *uuid.UUID
	Search         string
}
