package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when no record exists for a schedule ID.
	ErrNotFound = errors.New("schedule not found")

	// ErrStatusConflict is returned when a conditional update finds the
	// record in a status other than the expected one.
	ErrStatusConflict = errors.New("schedule status conflict")
)

// Store persists schedule records in SQLite. It is the single source of
// truth for schedule state; all writes go through the Orchestrator.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the schedule database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schedules (
			schedule_id TEXT PRIMARY KEY,
			patch_id TEXT NOT NULL,
			patch_title TEXT NOT NULL,
			device_ids TEXT NOT NULL,
			device_count INTEGER NOT NULL,
			severity TEXT NOT NULL,
			scheduled_for TEXT NOT NULL,
			status TEXT NOT NULL,
			requested_by TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			execution_started TEXT,
			execution_completed TEXT,
			result TEXT,
			error_message TEXT,
			ai_approved INTEGER NOT NULL DEFAULT 0,
			ai_risk_level INTEGER,
			ai_recommendation TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// Secondary index supporting ordered status queries and cleanup scans
	_, err = s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_status_scheduled_for
		ON schedules(status, scheduled_for)
	`)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// Put inserts or overwrites a record. Validation is the caller's job.
func (s *Store) Put(ctx context.Context, record *Record) error {
	deviceIDs, err := json.Marshal(record.DeviceIDs)
	if err != nil {
		return fmt.Errorf("failed to encode device ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO schedules
		(schedule_id, patch_id, patch_title, device_ids, device_count,
		 severity, scheduled_for, status, requested_by, created_at, updated_at,
		 execution_started, execution_completed, result, error_message,
		 ai_approved, ai_risk_level, ai_recommendation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ScheduleID,
		record.PatchID,
		record.PatchTitle,
		string(deviceIDs),
		record.DeviceCount,
		record.Severity,
		formatTime(record.ScheduledFor),
		string(record.Status),
		record.RequestedBy,
		formatTime(record.CreatedAt),
		formatTime(record.UpdatedAt),
		formatTimePtr(record.ExecutionStarted),
		formatTimePtr(record.ExecutionCompleted),
		record.Result,
		record.Error,
		boolToInt(record.AIApproved),
		record.AIRiskLevel,
		record.AIRecommendation,
	)
	if err != nil {
		return fmt.Errorf("failed to insert schedule record: %w", err)
	}

	return nil
}

// Get returns the record for scheduleID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, scheduleID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE schedule_id = ?
	`, scheduleID)

	record, err := scanScheduleRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule: %w", err)
	}

	return record, nil
}

// ListByStatus returns records matching status ordered by scheduled_for
// ascending. An empty status returns all records.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Record, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules ORDER BY scheduled_for ASC`
	args := []interface{}{}
	if status != "" {
		query = `SELECT ` + scheduleColumns + ` FROM schedules WHERE status = ? ORDER BY scheduled_for ASC`
		args = append(args, string(status))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanScheduleRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// Update describes a partial mutation of a schedule record. Nil fields are
// left untouched; updated_at is always refreshed.
type Update struct {
	Status             *Status
	ExecutionStarted   *time.Time
	ExecutionCompleted *time.Time
	Result             *string
	Error              *string

	// ExpectStatus, when non-empty, makes the write conditional: the update
	// applies only if the current status is one of these values. A mismatch
	// fails with ErrStatusConflict instead of silently overwriting, so a
	// cancelled job can never race into execution (or vice versa).
	ExpectStatus []Status
}

// ApplyUpdate merges fields into an existing record and returns the updated
// record. Fails with ErrNotFound if the record does not exist.
func (s *Store) ApplyUpdate(ctx context.Context, scheduleID string, u Update) (*Record, error) {
	set := []string{"updated_at = ?"}
	args := []interface{}{formatTime(time.Now().UTC())}

	if u.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.ExecutionStarted != nil {
		set = append(set, "execution_started = ?")
		args = append(args, formatTime(*u.ExecutionStarted))
	}
	if u.ExecutionCompleted != nil {
		set = append(set, "execution_completed = ?")
		args = append(args, formatTime(*u.ExecutionCompleted))
	}
	if u.Result != nil {
		set = append(set, "result = ?")
		args = append(args, *u.Result)
	}
	if u.Error != nil {
		set = append(set, "error_message = ?")
		args = append(args, *u.Error)
	}

	query := "UPDATE schedules SET " + strings.Join(set, ", ") + " WHERE schedule_id = ?"
	args = append(args, scheduleID)

	if len(u.ExpectStatus) > 0 {
		placeholders := make([]string, len(u.ExpectStatus))
		for i, st := range u.ExpectStatus {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		// Distinguish a missing record from a failed status precondition
		if _, err := s.Get(ctx, scheduleID); err != nil {
			return nil, err
		}
		return nil, ErrStatusConflict
	}

	return s.Get(ctx, scheduleID)
}

// Delete removes a record. Used only by retention cleanup.
func (s *Store) Delete(ctx context.Context, scheduleID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE schedule_id = ?`, scheduleID)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return nil
}

// DeleteTerminalBefore removes COMPLETED and CANCELLED records whose
// scheduled_for predates cutoff. FAILED records are retained for audit.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM schedules
		WHERE status IN (?, ?) AND scheduled_for < ?
	`, string(StatusCompleted), string(StatusCancelled), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old schedules: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	return deleted, nil
}

const scheduleColumns = `schedule_id, patch_id, patch_title, device_ids, device_count,
	severity, scheduled_for, status, requested_by, created_at, updated_at,
	execution_started, execution_completed, result, error_message,
	ai_approved, ai_risk_level, ai_recommendation`

// scanner is an interface that both *sql.Row and *sql.Rows implement
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanScheduleRecord(s scanner) (*Record, error) {
	var record Record
	var deviceIDs string
	var status string
	var scheduledFor, createdAt, updatedAt string
	var executionStarted, executionCompleted sql.NullString
	var aiApproved int

	err := s.Scan(
		&record.ScheduleID,
		&record.PatchID,
		&record.PatchTitle,
		&deviceIDs,
		&record.DeviceCount,
		&record.Severity,
		&scheduledFor,
		&status,
		&record.RequestedBy,
		&createdAt,
		&updatedAt,
		&executionStarted,
		&executionCompleted,
		&record.Result,
		&record.Error,
		&aiApproved,
		&record.AIRiskLevel,
		&record.AIRecommendation,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(deviceIDs), &record.DeviceIDs); err != nil {
		return nil, fmt.Errorf("failed to decode device ids: %w", err)
	}
	record.Status = Status(status)
	record.AIApproved = aiApproved != 0

	if record.ScheduledFor, err = parseStoredTime(scheduledFor); err != nil {
		return nil, fmt.Errorf("failed to parse scheduled_for timestamp: %w", err)
	}
	if record.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at timestamp: %w", err)
	}
	if record.UpdatedAt, err = parseStoredTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at timestamp: %w", err)
	}
	if record.ExecutionStarted, err = parseStoredTimePtr(executionStarted); err != nil {
		return nil, fmt.Errorf("failed to parse execution_started timestamp: %w", err)
	}
	if record.ExecutionCompleted, err = parseStoredTimePtr(executionCompleted); err != nil {
		return nil, fmt.Errorf("failed to parse execution_completed timestamp: %w", err)
	}

	return &record, nil
}

// Stored at second precision: RFC3339 strings sort lexicographically, which
// the ordered status queries and the cleanup cutoff comparison rely on.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := formatTime(*t)
	return &formatted
}

func parseStoredTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseStoredTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseStoredTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
