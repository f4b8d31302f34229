package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	libdb "fuelterminal/backend/libs/db"
	"fuelterminal/backend/services/terminal-service/internal/models"
)

var (
	// ErrSessionNotFound indicates an unknown order id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateSession indicates a session already exists for the order.
	ErrDuplicateSession = errors.New("session already exists for order")
)

// SessionStore is the record store the orchestrator reads and writes sessions through.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, orderID string) (*models.Session, error)
	FindActiveByBay(ctx context.Context, slot string, day time.Time) (*models.Session, error)
	ListByDay(ctx context.Context, day time.Time) ([]*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
}

// Schema creates the sessions table. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS terminal_sessions (
		order_id              TEXT PRIMARY KEY,
		driver_id             TEXT NOT NULL,
		license_plate         TEXT NOT NULL DEFAULT '',
		product               TEXT NOT NULL DEFAULT '',
		planned_volume        DOUBLE PRECISION NOT NULL DEFAULT 0,
		scheduled_for         TIMESTAMPTZ NOT NULL,
		status                TEXT NOT NULL,
		held_from             TEXT NOT NULL DEFAULT '',
		gate_entry_at         TIMESTAMPTZ,
		gate_exit_at          TIMESTAMPTZ,
		slot                  TEXT NOT NULL DEFAULT '',
		pin_hash              TEXT NOT NULL DEFAULT '',
		pin_expires_at        TIMESTAMPTZ,
		pin_verified          BOOLEAN NOT NULL DEFAULT FALSE,
		dispatch_in_progress  BOOLEAN NOT NULL DEFAULT FALSE,
		fuel_started_at       TIMESTAMPTZ,
		fuel_finished_at      TIMESTAMPTZ,
		credential_token      TEXT NOT NULL DEFAULT '',
		credential_issued_at  TIMESTAMPTZ,
		credential_stage      TEXT NOT NULL DEFAULT '',
		events                JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at            TIMESTAMPTZ NOT NULL,
		updated_at            TIMESTAMPTZ NOT NULL,
		archived_at           TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS terminal_sessions_slot_day_idx
		ON terminal_sessions (slot, scheduled_for) WHERE archived_at IS NULL`,
	`CREATE INDEX IF NOT EXISTS terminal_sessions_day_idx
		ON terminal_sessions (scheduled_for)`,
	`ALTER TABLE terminal_sessions ADD COLUMN IF NOT EXISTS dispatch_started_at TIMESTAMPTZ`,
}

const sessionColumns = `
	order_id, driver_id, license_plate, product, planned_volume, scheduled_for, status, held_from,
	gate_entry_at, gate_exit_at, slot, pin_hash, pin_expires_at, pin_verified, dispatch_in_progress,
	fuel_started_at, fuel_finished_at, credential_token, credential_issued_at, credential_stage,
	events, created_at, updated_at, archived_at, dispatch_started_at`

// SessionRepository persists sessions in Postgres.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository returns repository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Migrate applies Schema.
func (r *SessionRepository) Migrate(ctx context.Context) error {
	return libdb.EnsureSchema(ctx, r.db, Schema...)
}

// Create inserts a new session; an existing row for the order yields ErrDuplicateSession.
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	events, err := marshalEvents(s.Events)
	if err != nil {
		return err
	}
	query := `INSERT INTO terminal_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (order_id) DO NOTHING`
	result, err := r.db.ExecContext(ctx, query,
		s.OrderID, s.DriverID, s.LicensePlate, s.Product, s.PlannedVolume, s.ScheduledFor,
		string(s.Status), string(s.HeldFrom),
		s.Gate.EntryAt, s.Gate.ExitAt,
		s.Fuel.Slot, s.Fuel.PinHash, s.Fuel.PinExpiresAt, s.Fuel.PinVerified, s.Fuel.DispatchInProgress,
		s.Fuel.StartedAt, s.Fuel.FinishedAt,
		s.Credential.Token, s.Credential.IssuedAt, string(s.Credential.Stage),
		events, s.CreatedAt, s.UpdatedAt, s.ArchivedAt, s.Fuel.DispatchStartedAt,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDuplicateSession
	}
	return nil
}

// Get returns the session for an order.
func (r *SessionRepository) Get(ctx context.Context, orderID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM terminal_sessions WHERE order_id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

// FindActiveByBay returns the non-archived session bound to slot on the given day.
func (r *SessionRepository) FindActiveByBay(ctx context.Context, slot string, day time.Time) (*models.Session, error) {
	from, to := dayBounds(day)
	query := `SELECT ` + sessionColumns + ` FROM terminal_sessions
		WHERE slot = $1 AND archived_at IS NULL AND scheduled_for >= $2 AND scheduled_for < $3
		ORDER BY updated_at DESC
		LIMIT 1`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, slot, from, to))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

// ListByDay returns every session scheduled on the given day.
func (r *SessionRepository) ListByDay(ctx context.Context, day time.Time) ([]*models.Session, error) {
	from, to := dayBounds(day)
	query := `SELECT ` + sessionColumns + ` FROM terminal_sessions
		WHERE scheduled_for >= $1 AND scheduled_for < $2
		ORDER BY scheduled_for, order_id`
	rows, err := r.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Update persists every mutable field of the session.
func (r *SessionRepository) Update(ctx context.Context, s *models.Session) error {
	events, err := marshalEvents(s.Events)
	if err != nil {
		return err
	}
	const query = `
		UPDATE terminal_sessions
		SET status = $2,
		    held_from = $3,
		    gate_entry_at = $4,
		    gate_exit_at = $5,
		    slot = $6,
		    pin_hash = $7,
		    pin_expires_at = $8,
		    pin_verified = $9,
		    dispatch_in_progress = $10,
		    fuel_started_at = $11,
		    fuel_finished_at = $12,
		    credential_token = $13,
		    credential_issued_at = $14,
		    credential_stage = $15,
		    events = $16,
		    updated_at = $17,
		    archived_at = $18,
		    dispatch_started_at = $19
		WHERE order_id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		s.OrderID, string(s.Status), string(s.HeldFrom),
		s.Gate.EntryAt, s.Gate.ExitAt,
		s.Fuel.Slot, s.Fuel.PinHash, s.Fuel.PinExpiresAt, s.Fuel.PinVerified, s.Fuel.DispatchInProgress,
		s.Fuel.StartedAt, s.Fuel.FinishedAt,
		s.Credential.Token, s.Credential.IssuedAt, string(s.Credential.Stage),
		events, s.UpdatedAt, s.ArchivedAt, s.Fuel.DispatchStartedAt,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s        models.Session
		status   string
		heldFrom string
		stage    string
		events   []byte
	)
	err := row.Scan(
		&s.OrderID, &s.DriverID, &s.LicensePlate, &s.Product, &s.PlannedVolume, &s.ScheduledFor,
		&status, &heldFrom,
		&s.Gate.EntryAt, &s.Gate.ExitAt,
		&s.Fuel.Slot, &s.Fuel.PinHash, &s.Fuel.PinExpiresAt, &s.Fuel.PinVerified, &s.Fuel.DispatchInProgress,
		&s.Fuel.StartedAt, &s.Fuel.FinishedAt,
		&s.Credential.Token, &s.Credential.IssuedAt, &stage,
		&events, &s.CreatedAt, &s.UpdatedAt, &s.ArchivedAt, &s.Fuel.DispatchStartedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = models.Status(status)
	s.HeldFrom = models.Status(heldFrom)
	s.Credential.Stage = models.Stage(stage)
	if len(events) > 0 {
		if err := json.Unmarshal(events, &s.Events); err != nil {
			return nil, fmt.Errorf("repository: decode events for %s: %w", s.OrderID, err)
		}
	}
	return &s, nil
}

func marshalEvents(events []models.EventNote) ([]byte, error) {
	if events == nil {
		events = []models.EventNote{}
	}
	return json.Marshal(events)
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	d := day.UTC()
	from := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.Add(24 * time.Hour)
}
