package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"keepgoing-assistant/pkg"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Repository wraps database operations for conversation history, care
// context and alerts.  Queries use $n placeholders and portable SQL so the
// same code runs against Postgres in production and SQLite in tests.
type Repository struct {
	DB  *sql.DB
	now func() time.Time
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{DB: db, now: time.Now}
}

// UpsertClinician creates or updates a clinician's contact details.
func (r *Repository) UpsertClinician(ctx context.Context, c pkg.ClinicianContact) error {
	if strings.TrimSpace(c.ClinicianID) == "" {
		return fmt.Errorf("clinician id is required")
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE clinicians SET name = $1, email = $2, phone = $3 WHERE id = $4`,
		c.Name, c.Email, c.Phone, c.ClinicianID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO clinicians (id, name, email, phone, created_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ClinicianID, c.Name, c.Email, c.Phone, r.now().UTC(),
	)
	return err
}

// UpsertPatient registers a patient and assigns the responsible clinician.
func (r *Repository) UpsertPatient(ctx context.Context, patientID, clinicianID string) error {
	if strings.TrimSpace(patientID) == "" {
		return fmt.Errorf("patient id is required")
	}
	var clin sql.NullString
	if clinicianID != "" {
		clin = sql.NullString{String: clinicianID, Valid: true}
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE patients SET clinician_id = $1 WHERE id = $2`, clin, patientID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO patients (id, clinician_id, created_at) VALUES ($1, $2, $3)`,
		patientID, clin, r.now().UTC(),
	)
	return err
}

// AppendTurn stores one conversation turn.  An empty ID or timestamp is
// filled in.
func (r *Repository) AppendTurn(ctx context.Context, t pkg.ConversationTurn) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = r.now()
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO conversation_turns (id, patient_id, role, body, created_at)
         VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.PatientID, string(t.Role), t.Text, t.Timestamp.UTC(),
	)
	return err
}

// RecentTurns returns up to n of the patient's latest turns, oldest first.
func (r *Repository) RecentTurns(ctx context.Context, patientID string, n int) ([]pkg.ConversationTurn, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, patient_id, role, body, created_at
         FROM conversation_turns
         WHERE patient_id = $1
         ORDER BY created_at DESC
         LIMIT $2`, patientID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var turns []pkg.ConversationTurn
	for rows.Next() {
		var t pkg.ConversationTurn
		var role string
		if err := rows.Scan(&t.ID, &t.PatientID, &role, &t.Text, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Role = pkg.MessageRole(role)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// AddDirective records an active care directive for a patient.
func (r *Repository) AddDirective(ctx context.Context, patientID, directive string) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO care_directives (id, patient_id, directive, active, created_at)
         VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), patientID, directive, true, r.now().UTC(),
	)
	return err
}

// RecordMetric stores a health metric reading.
func (r *Repository) RecordMetric(ctx context.Context, patientID string, m pkg.HealthMetric) error {
	if m.RecordedAt.IsZero() {
		m.RecordedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO health_metrics (id, patient_id, name, value, unit, recorded_at)
         VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), patientID, m.Name, m.Value, m.Unit, m.RecordedAt.UTC(),
	)
	return err
}

// CareContext returns the patient's active directives and the latest
// reading of each tracked metric.
func (r *Repository) CareContext(ctx context.Context, patientID string) (pkg.CareContext, error) {
	cc := pkg.CareContext{PatientID: patientID}

	rows, err := r.DB.QueryContext(ctx,
		`SELECT directive FROM care_directives
         WHERE patient_id = $1 AND active = $2
         ORDER BY created_at ASC`, patientID, true)
	if err != nil {
		return cc, err
	}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return cc, err
		}
		cc.Directives = append(cc.Directives, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return cc, err
	}
	rows.Close()

	rows, err = r.DB.QueryContext(ctx,
		`SELECT name, value, unit, recorded_at FROM health_metrics
         WHERE patient_id = $1
         ORDER BY name ASC, recorded_at DESC`, patientID)
	if err != nil {
		return cc, err
	}
	defer rows.Close()
	seen := map[string]bool{}
	for rows.Next() {
		var m pkg.HealthMetric
		if err := rows.Scan(&m.Name, &m.Value, &m.Unit, &m.RecordedAt); err != nil {
			return cc, err
		}
		if seen[m.Name] {
			continue
		}
		seen[m.Name] = true
		cc.Metrics = append(cc.Metrics, m)
	}
	return cc, rows.Err()
}

// ClinicianForPatient resolves the clinician responsible for a patient.
func (r *Repository) ClinicianForPatient(ctx context.Context, patientID string) (*pkg.ClinicianContact, error) {
	var c pkg.ClinicianContact
	err := r.DB.QueryRowContext(ctx,
		`SELECT c.id, c.name, c.email, c.phone
         FROM patients p
         JOIN clinicians c ON c.id = p.clinician_id
         WHERE p.id = $1`, patientID,
	).Scan(&c.ClinicianID, &c.Name, &c.Email, &c.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("clinician for patient: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateAlert inserts a new alert record.
func (r *Repository) CreateAlert(ctx context.Context, a *pkg.AlertRecord) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.now().UTC()
	}
	if a.DeliveryStatus == "" {
		a.DeliveryStatus = pkg.DeliveryPending
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO alerts (id, patient_id, clinician_id, category, confidence, source_text,
                             delivery_status, attempts, created_at, delivered_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.PatientID, a.ClinicianID, a.Category, a.Confidence, a.SourceText,
		string(a.DeliveryStatus), a.Attempts, a.CreatedAt.UTC(), nullTime(a.DeliveredAt),
	)
	return err
}

// UpdateAlertDelivery records the outcome of a delivery run.
func (r *Repository) UpdateAlertDelivery(ctx context.Context, id string, status pkg.DeliveryStatus, attempts int, deliveredAt *time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE alerts SET delivery_status = $1, attempts = $2, delivered_at = $3 WHERE id = $4`,
		string(status), attempts, nullTime(deliveredAt), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return nil
}

const alertColumns = `id, patient_id, clinician_id, category, confidence, source_text,
       delivery_status, attempts, created_at, delivered_at`

// GetAlert returns a single alert by id.
func (r *Repository) GetAlert(ctx context.Context, id string) (*pkg.AlertRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAlerts returns a clinician's most recent alerts, newest first.
func (r *Repository) ListAlerts(ctx context.Context, clinicianID string, limit int) ([]pkg.AlertRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts
         WHERE clinician_id = $1
         ORDER BY created_at DESC
         LIMIT $2`, clinicianID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []pkg.AlertRecord
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAlert(s scanner) (*pkg.AlertRecord, error) {
	var a pkg.AlertRecord
	var status string
	var delivered sql.NullTime
	if err := s.Scan(&a.ID, &a.PatientID, &a.ClinicianID, &a.Category, &a.Confidence, &a.SourceText,
		&status, &a.Attempts, &a.CreatedAt, &delivered); err != nil {
		return nil, err
	}
	a.DeliveryStatus = pkg.DeliveryStatus(status)
	if delivered.Valid {
		t := delivered.Time
		a.DeliveredAt = &t
	}
	return &a, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
