package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"medguard/pkg/domain"
	audit "medguard/pkg/platform/audit"
	"medguard/pkg/platform/sentinel"
)

//go:embed schema.sql
var schema string

// Postgres error codes translated into sentinel facts.
const (
	pqUniqueViolation        = "23505"
	pqObjectNotInPrereqState = "55000"
)

// Store implements audit.Store on PostgreSQL. The table is append-only: the
// schema installs triggers that reject UPDATE, DELETE and TRUNCATE.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the audit table, its indexes and the immutability triggers.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply audit schema: %w", err)
	}
	return nil
}

const recordColumns = `id, actor_id, actor_email, actor_role, action,
	resource_type, resource_id, patient_id, timestamp, ip_address,
	user_agent, device, access_method, status, break_glass,
	break_glass_justification, break_glass_approved_by,
	before_state, changes, error_message, denial_reason,
	hospital_id, department, request_id, digest`

// Append inserts one record.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	recordID, err := uuid.Parse(rec.ID)
	if err != nil {
		return fmt.Errorf("audit record id: %w", err)
	}

	var (
		justification, approvedBy sql.NullString
		beforeState               []byte
		changes                   []string
		errorMessage, denial      sql.NullString
	)
	if rec.BreakGlass != nil {
		justification = sql.NullString{String: rec.BreakGlass.Justification, Valid: true}
		approvedBy = nullString(rec.BreakGlass.ApprovedBy)
	}
	if rec.Details != nil {
		if rec.Details.BeforeState != nil {
			beforeState, err = json.Marshal(rec.Details.BeforeState)
			if err != nil {
				return fmt.Errorf("marshal before state: %w", err)
			}
		}
		changes = rec.Details.Changes
		errorMessage = nullString(rec.Details.ErrorMessage)
		denial = nullString(rec.Details.DenialReason)
	}

	query := `INSERT INTO audit_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`

	_, err = s.db.ExecContext(ctx, query,
		recordID,
		string(rec.Actor.ID),
		rec.Actor.Email,
		string(rec.Actor.Role),
		string(rec.Action),
		string(rec.ResourceType),
		rec.ResourceID,
		nullString(string(rec.PatientID)),
		rec.Timestamp,
		rec.IPAddress,
		rec.UserAgent,
		rec.Device,
		string(rec.AccessMethod),
		string(rec.Status),
		rec.Emergency(),
		justification,
		approvedBy,
		beforeState,
		pq.Array(changes),
		errorMessage,
		denial,
		nullString(string(rec.HospitalID)),
		nullString(rec.Department),
		rec.RequestID,
		rec.Digest,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", translate(err))
	}
	return nil
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id string) (*audit.Record, error) {
	recordID, err := uuid.Parse(id)
	if err != nil {
		return nil, sentinel.ErrNotFound
	}
	query := `SELECT ` + recordColumns + ` FROM audit_records WHERE id = $1`
	rows, err := s.db.QueryContext(ctx, query, recordID)
	if err != nil {
		return nil, fmt.Errorf("query audit record: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return &records[0], nil
}

// Query returns one page of matching records and the total match count.
func (s *Store) Query(ctx context.Context, filter audit.Filter, page audit.Pagination) ([]audit.Record, int, error) {
	where, args := buildWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit records: %w", err)
	}
	if total == 0 {
		return []audit.Record{}, 0, nil
	}

	direction := "DESC"
	if page.Sort == audit.SortAsc {
		direction = "ASC"
	}
	args = append(args, page.Limit, page.Offset())
	query := fmt.Sprintf(`SELECT %s FROM audit_records%s ORDER BY timestamp %s, id %s LIMIT $%d OFFSET $%d`,
		recordColumns, where, direction, direction, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// Count returns the number of matching records.
func (s *Store) Count(ctx context.Context, filter audit.Filter) (int64, error) {
	where, args := buildWhere(filter)
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_records`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}

// TopActions ranks actions by frequency.
func (s *Store) TopActions(ctx context.Context, from, to time.Time, n int) ([]audit.Count, error) {
	return s.top(ctx, "action", from, to, n)
}

// TopActors ranks actors by frequency.
func (s *Store) TopActors(ctx context.Context, from, to time.Time, n int) ([]audit.Count, error) {
	return s.top(ctx, "actor_id", from, to, n)
}

// column is one of a fixed set of identifiers, never caller input.
func (s *Store) top(ctx context.Context, column string, from, to time.Time, n int) ([]audit.Count, error) {
	where, args := buildWhere(audit.Filter{StartDate: from, EndDate: to})
	args = append(args, n)
	query := fmt.Sprintf(`SELECT %[1]s, COUNT(*) AS n FROM audit_records%[2]s
		GROUP BY %[1]s ORDER BY n DESC, %[1]s ASC LIMIT $%[3]d`, column, where, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query top %s: %w", column, err)
	}
	defer rows.Close()

	out := []audit.Count{}
	for rows.Next() {
		var c audit.Count
		if err := rows.Scan(&c.Key, &c.Count); err != nil {
			return nil, fmt.Errorf("scan top %s: %w", column, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top %s: %w", column, err)
	}
	return out, nil
}

// Update is rejected: audit records are immutable.
func (s *Store) Update(_ context.Context, _ audit.Record) error {
	return sentinel.ErrImmutable
}

// Delete is rejected: audit records are immutable.
func (s *Store) Delete(_ context.Context, _ string) error {
	return sentinel.ErrImmutable
}

func buildWhere(f audit.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.ActorID != "" {
		add("actor_id = $%d", string(f.ActorID))
	}
	if f.PatientID != "" {
		add("patient_id = $%d", string(f.PatientID))
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", string(f.ResourceType))
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.BreakGlass != nil {
		add("break_glass = $%d", *f.BreakGlass)
	}
	if f.HospitalID != "" {
		add("hospital_id = $%d", string(f.HospitalID))
	}
	if !f.StartDate.IsZero() {
		add("timestamp >= $%d", f.StartDate)
	}
	if !f.EndDate.IsZero() {
		add("timestamp <= $%d", f.EndDate)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanRecords(rows *sql.Rows) ([]audit.Record, error) {
	records := []audit.Record{}
	for rows.Next() {
		var (
			rec                         audit.Record
			actorID, actorRole          string
			action, resourceType        string
			accessMethod, status        string
			patientID, hospitalID, dept sql.NullString
			justification, approvedBy   sql.NullString
			errorMessage, denial        sql.NullString
			beforeState                 []byte
			changes                     pq.StringArray
			breakGlass                  bool
		)
		err := rows.Scan(
			&rec.ID,
			&actorID,
			&rec.Actor.Email,
			&actorRole,
			&action,
			&resourceType,
			&rec.ResourceID,
			&patientID,
			&rec.Timestamp,
			&rec.IPAddress,
			&rec.UserAgent,
			&rec.Device,
			&accessMethod,
			&status,
			&breakGlass,
			&justification,
			&approvedBy,
			&beforeState,
			&changes,
			&errorMessage,
			&denial,
			&hospitalID,
			&dept,
			&rec.RequestID,
			&rec.Digest,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}

		rec.Actor.ID = domain.UserID(actorID)
		rec.Actor.Role = domain.Role(actorRole)
		rec.Action = audit.Action(action)
		rec.ResourceType = domain.ResourceType(resourceType)
		rec.PatientID = domain.ResourceID(patientID.String)
		rec.Timestamp = rec.Timestamp.UTC()
		rec.AccessMethod = audit.AccessMethod(accessMethod)
		rec.Status = audit.Status(status)
		rec.HospitalID = domain.HospitalID(hospitalID.String)
		rec.Department = dept.String

		if justification.Valid {
			rec.BreakGlass = &audit.BreakGlass{
				Justification: justification.String,
				ApprovedBy:    approvedBy.String,
			}
		}
		if beforeState != nil || len(changes) > 0 || errorMessage.Valid || denial.Valid {
			d := &audit.Details{
				Changes:      []string(changes),
				ErrorMessage: errorMessage.String,
				DenialReason: denial.String,
			}
			if beforeState != nil {
				if err := json.Unmarshal(beforeState, &d.BeforeState); err != nil {
					return nil, fmt.Errorf("decode before state: %w", err)
				}
			}
			rec.Details = d
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqUniqueViolation:
			return fmt.Errorf("%w: %s", sentinel.ErrConflict, pqErr.Message)
		case pqObjectNotInPrereqState:
			return fmt.Errorf("%w: %s", sentinel.ErrImmutable, pqErr.Message)
		}
	}
	return err
}
