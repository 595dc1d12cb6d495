// Package directory gives the engine read-only access to patient contact
// preferences and provider names. The tables are owned by intake workflows.
package directory

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound  = errors.New("patient not found")
	ErrProviderNotFound = errors.New("provider not found")
)

type Patient struct {
	ID                     uuid.UUID
	TenantID               string
	Name                   string
	Email                  *string
	Phone                  *string
	PreferredContactMethod *string // sms, email, portal
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Address returns the patient's address for a contact method. Portal messages
// are addressed by patient id.
func (p *Patient) Address(method string) (string, bool) {
	switch method {
	case "sms":
		if p.Phone != nil && *p.Phone != "" {
			return *p.Phone, true
		}
	case "email":
		if p.Email != nil && *p.Email != "" {
			return *p.Email, true
		}
	case "portal":
		return p.ID.String(), true
	}
	return "", false
}

type Clinician struct {
	ID        uuid.UUID
	TenantID  string
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeAddress folds an inbound sender address into the stored form:
// emails are lower-cased, phone numbers keep digits and a leading plus.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.Contains(addr, "@") {
		return strings.ToLower(addr)
	}
	var b strings.Builder
	for i, r := range addr {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
