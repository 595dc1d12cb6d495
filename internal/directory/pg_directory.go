package directory

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/waitlist-fulfillment/internal/db"
)

type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

const patientColumns = `id, tenant_id, name, email, phone, preferred_contact_method, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.TenantID,
		&p.Name,
		&p.Email,
		&p.Phone,
		&p.PreferredContactMethod,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanClinician(row pgx.Row) (*Clinician, error) {
	var c Clinician

	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.Name,
		&c.Specialty,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (d *PgDirectory) GetPatient(ctx context.Context, tenantID string, id uuid.UUID) (*Patient, error) {
	row := db.Conn(ctx, d.pool).QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanPatient(row)
}

// FindPatientByContact matches an inbound sender against stored phone numbers
// and emails. Several patients sharing an address (a family phone) resolve to
// the most recently updated one.
func (d *PgDirectory) FindPatientByContact(ctx context.Context, tenantID, address string) (*Patient, error) {
	addr := NormalizeAddress(address)
	if addr == "" {
		return nil, ErrPatientNotFound
	}

	var row pgx.Row
	if strings.Contains(addr, "@") {
		row = db.Conn(ctx, d.pool).QueryRow(ctx, `
			SELECT `+patientColumns+`
			FROM patients
			WHERE tenant_id = $1 AND lower(email) = $2
			ORDER BY updated_at DESC
			LIMIT 1
		`, tenantID, addr)
	} else {
		row = db.Conn(ctx, d.pool).QueryRow(ctx, `
			SELECT `+patientColumns+`
			FROM patients
			WHERE tenant_id = $1 AND regexp_replace(phone, '[^0-9+]', '', 'g') = $2
			ORDER BY updated_at DESC
			LIMIT 1
		`, tenantID, addr)
	}
	return scanPatient(row)
}

func (d *PgDirectory) GetProvider(ctx context.Context, tenantID string, id uuid.UUID) (*Clinician, error) {
	row := db.Conn(ctx, d.pool).QueryRow(ctx, `
		SELECT id, tenant_id, name, specialty, created_at, updated_at
		FROM clinicians
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanClinician(row)
}
