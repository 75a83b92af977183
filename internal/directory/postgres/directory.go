package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"medguard/pkg/domain"
	"medguard/pkg/platform/sentinel"
)

//go:embed schema.sql
var schema string

// DB is the subset of *pgxpool.Pool the directory uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Directory stores patients and visits in Postgres. Lookups accept the
// canonical id or the secondary id (MRN, visit number). A visit carries no
// consent columns; it reads its patient's flags through the join.
type Directory struct {
	db DB
}

func New(db DB) *Directory {
	return &Directory{db: db}
}

// Migrate creates the directory tables if they do not exist.
func (d *Directory) Migrate(ctx context.Context) error {
	if _, err := d.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate directory schema: %w", err)
	}
	return nil
}

const (
	resolvePatientSQL = `
		SELECT id, hospital_id, department,
		       consent_data_sharing, consent_research, consent_emergency_access
		FROM patients
		WHERE id = $1 OR mrn = $1
		LIMIT 1`

	resolveVisitSQL = `
		SELECT v.id, v.patient_id, v.hospital_id, v.department,
		       p.consent_data_sharing, p.consent_research, p.consent_emergency_access
		FROM visits v
		JOIN patients p ON p.id = v.patient_id
		WHERE v.id = $1 OR v.visit_number = $1
		LIMIT 1`

	patientStateSQL = `SELECT data FROM patients WHERE id = $1 OR mrn = $1 LIMIT 1`
	visitStateSQL   = `SELECT data FROM visits WHERE id = $1 OR visit_number = $1 LIMIT 1`

	upsertPatientSQL = `
		INSERT INTO patients (id, mrn, hospital_id, department,
		                      consent_data_sharing, consent_research, consent_emergency_access, data)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
		    mrn                      = COALESCE(EXCLUDED.mrn, patients.mrn),
		    hospital_id              = EXCLUDED.hospital_id,
		    department               = EXCLUDED.department,
		    consent_data_sharing     = EXCLUDED.consent_data_sharing,
		    consent_research         = EXCLUDED.consent_research,
		    consent_emergency_access = EXCLUDED.consent_emergency_access,
		    data                     = EXCLUDED.data`

	upsertVisitSQL = `
		INSERT INTO visits (id, visit_number, patient_id, hospital_id, department, data)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    visit_number = COALESCE(EXCLUDED.visit_number, visits.visit_number),
		    hospital_id  = EXCLUDED.hospital_id,
		    department   = EXCLUDED.department,
		    data         = EXCLUDED.data`

	deletePatientSQL = `DELETE FROM patients WHERE id = $1`
	deleteVisitSQL   = `DELETE FROM visits WHERE id = $1`

	visitIDsSQL = `SELECT COALESCE(array_agg(id ORDER BY id), '{}') FROM visits WHERE patient_id = $1`
)

// Put inserts or replaces a patient or visit. Only the first alias is kept:
// a patient has one MRN and a visit one visit number.
func (d *Directory) Put(ctx context.Context, res domain.Resource, state map[string]any, aliases ...string) error {
	var alias string
	if len(aliases) > 0 {
		alias = aliases[0]
	}
	if state == nil {
		state = map[string]any{}
	}

	var err error
	switch res.Type {
	case domain.ResourcePatient:
		_, err = d.db.Exec(ctx, upsertPatientSQL,
			string(res.ID), alias, string(res.HospitalID), res.Department,
			res.Consent.DataSharing, res.Consent.Research, res.Consent.EmergencyAccess, state,
		)
	case domain.ResourceVisit:
		_, err = d.db.Exec(ctx, upsertVisitSQL,
			string(res.ID), alias, string(res.PatientID), string(res.HospitalID), res.Department, state,
		)
	default:
		return fmt.Errorf("put %s: unsupported resource type", res.Type)
	}
	if err != nil {
		return fmt.Errorf("put %s %s: %w", res.Type, res.ID, err)
	}
	return nil
}

// Remove deletes a patient or visit. Removing a row that is already gone is
// not an error.
func (d *Directory) Remove(ctx context.Context, resourceType domain.ResourceType, id domain.ResourceID) error {
	var query string
	switch resourceType {
	case domain.ResourcePatient:
		query = deletePatientSQL
	case domain.ResourceVisit:
		query = deleteVisitSQL
	default:
		return fmt.Errorf("remove %s: unsupported resource type", resourceType)
	}
	if _, err := d.db.Exec(ctx, query, string(id)); err != nil {
		return fmt.Errorf("remove %s %s: %w", resourceType, id, err)
	}
	return nil
}

// Visits returns the ids of every visit linked to patientID, sorted.
func (d *Directory) Visits(ctx context.Context, patientID domain.ResourceID) ([]domain.ResourceID, error) {
	var raw []string
	if err := d.db.QueryRow(ctx, visitIDsSQL, string(patientID)).Scan(&raw); err != nil {
		return nil, fmt.Errorf("list visits of %s: %w", patientID, err)
	}
	ids := make([]domain.ResourceID, len(raw))
	for i, id := range raw {
		ids[i] = domain.ResourceID(id)
	}
	return ids, nil
}

// Resolve returns the resource for ref. Types that are not patient-scoped
// have no directory entry and resolve to themselves.
func (d *Directory) Resolve(ctx context.Context, ref domain.ResourceRef) (*domain.Resource, error) {
	res := &domain.Resource{Type: ref.Type}
	var err error
	switch ref.Type {
	case domain.ResourcePatient:
		err = d.db.QueryRow(ctx, resolvePatientSQL, ref.ID).Scan(
			&res.ID, &res.HospitalID, &res.Department,
			&res.Consent.DataSharing, &res.Consent.Research, &res.Consent.EmergencyAccess,
		)
		res.PatientID = res.ID
	case domain.ResourceVisit:
		err = d.db.QueryRow(ctx, resolveVisitSQL, ref.ID).Scan(
			&res.ID, &res.PatientID, &res.HospitalID, &res.Department,
			&res.Consent.DataSharing, &res.Consent.Research, &res.Consent.EmergencyAccess,
		)
	default:
		res.ID = domain.ResourceID(ref.ID)
		return res, nil
	}
	if err != nil {
		return nil, translate(err, "resolve", ref)
	}
	return res, nil
}

// ReadState returns the stored document of a patient or visit.
func (d *Directory) ReadState(ctx context.Context, ref domain.ResourceRef) (map[string]any, error) {
	var query string
	switch ref.Type {
	case domain.ResourcePatient:
		query = patientStateSQL
	case domain.ResourceVisit:
		query = visitStateSQL
	default:
		return nil, fmt.Errorf("read state %s: %w", ref.Type, sentinel.ErrNotFound)
	}

	var state map[string]any
	if err := d.db.QueryRow(ctx, query, ref.ID).Scan(&state); err != nil {
		return nil, translate(err, "read state", ref)
	}
	return state, nil
}

func translate(err error, op string, ref domain.ResourceRef) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s %s: %w", op, ref.Type, ref.ID, sentinel.ErrNotFound)
	}
	return fmt.Errorf("%s %s %s: %w", op, ref.Type, ref.ID, err)
}
