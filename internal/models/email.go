package models

import "time"

// EmailType is the three-tier classification of an address.
type EmailType string

const (
	EmailTypeDomain    EmailType = "domain"
	EmailTypeExecutive EmailType = "executive"
	EmailTypePersonal  EmailType = "personal"
)

// EmailSource records whether an address was extracted from a page or
// synthesized by the generate stage.
type EmailSource string

const (
	SourceExtracted EmailSource = "extracted"
	SourceGenerated EmailSource = "generated"
)

// Email is one accepted address. It doubles as the payload published to
// the emails topic; ID is assigned by the store on insert.
type Email struct {
	ID          int64       `json:"id,omitempty"`
	JobID       string      `json:"job_id"`
	Email       string      `json:"email"`
	Domain      string      `json:"domain"`
	Type        EmailType   `json:"type"`
	Source      EmailSource `json:"source"`
	CompanyName string      `json:"company_name,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}
