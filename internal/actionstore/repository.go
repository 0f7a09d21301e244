// Package actionstore provides persistent storage for orchestrator jobs.
//
// The dispatcher records every job it hands to the worker pool and the
// reconciler finalizes the record once the job's outcome has been written
// back to the server row. Records that stay "running" after the process
// exits point at jobs that never reconciled.
//
// Storage is backed by the shared SQLite database at
// ~/.config/vpsd/vpsd.db (or the platform-equivalent path returned by
// os.UserConfigDir).
package actionstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"nathanbeddoewebdev/vpsd/internal/database"
)

// timeLayout is fixed-width so that stored timestamps compare correctly
// as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const columns = `id, job_id, hypervisor, server_id, host_name, command, transient_status,
       target_status, status, attempts, error_message, created_at, updated_at`

// ActionRepository defines the persistence interface for job records.
type ActionRepository interface {
	// Save inserts or updates a record. On insert (ID == 0), an ID is
	// assigned to the record.
	Save(record *ActionRecord) error

	// Get retrieves a single record by ID. It returns nil, nil when the
	// record does not exist.
	Get(id int64) (*ActionRecord, error)

	// ListPending returns all records with status "running", ordered by
	// creation time (newest first).
	ListPending() ([]ActionRecord, error)

	// ListRecent returns the most recent n records regardless of status,
	// ordered by creation time (newest first).
	ListRecent(n int) ([]ActionRecord, error)

	// ListByServer returns the most recent n records for one server.
	ListByServer(serverID string, n int) ([]ActionRecord, error)

	// DeleteOlderThan removes completed/errored records older than d.
	// Returns the number of records removed.
	DeleteOlderThan(d time.Duration) (int64, error)

	// Close releases database resources.
	Close() error
}

// SQLiteRepository implements ActionRepository backed by a local SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// Open creates or opens the action repository at the default path.
func Open() (*SQLiteRepository, error) {
	path, err := database.DefaultPath()
	if err != nil {
		return nil, fmt.Errorf("actionstore: %w", err)
	}
	return OpenAt(path)
}

// OpenAt creates or opens a SQLite database at the given path.
// The parent directory is created if it does not exist.
func OpenAt(path string) (*SQLiteRepository, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("actionstore: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Save inserts a new record (ID == 0) or updates an existing one.
func (r *SQLiteRepository) Save(record *ActionRecord) error {
	record.UpdatedAt = time.Now().UTC()
	if record.Status == "" {
		record.Status = StatusRunning
	}

	if record.ID == 0 {
		if record.CreatedAt.IsZero() {
			record.CreatedAt = record.UpdatedAt
		}
		result, err := r.db.Exec(`
			INSERT INTO actions (job_id, hypervisor, server_id, host_name, command, transient_status,
			                     target_status, status, attempts, error_message, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.JobID, record.Hypervisor, record.ServerID, record.HostName, record.Command,
			record.TransientStatus, record.TargetStatus, record.Status, record.Attempts, record.ErrorMessage,
			record.CreatedAt.UTC().Format(timeLayout), record.UpdatedAt.Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("actionstore: insert failed: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("actionstore: failed to get last insert ID: %w", err)
		}
		record.ID = id
		return nil
	}

	result, err := r.db.Exec(`
		UPDATE actions SET job_id=?, hypervisor=?, server_id=?, host_name=?, command=?,
		       transient_status=?, target_status=?, status=?, attempts=?, error_message=?,
		       updated_at=?
		WHERE id=?`,
		record.JobID, record.Hypervisor, record.ServerID, record.HostName, record.Command,
		record.TransientStatus, record.TargetStatus, record.Status, record.Attempts, record.ErrorMessage,
		record.UpdatedAt.Format(timeLayout), record.ID,
	)
	if err != nil {
		return fmt.Errorf("actionstore: update failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("actionstore: record with ID %d not found", record.ID)
	}
	return nil
}

// Get retrieves a single record by ID.
func (r *SQLiteRepository) Get(id int64) (*ActionRecord, error) {
	row := r.db.QueryRow(`SELECT `+columns+` FROM actions WHERE id = ?`, id)

	record, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("actionstore: query failed: %w", err)
	}
	return record, nil
}

// ListPending returns all records with status "running".
func (r *SQLiteRepository) ListPending() ([]ActionRecord, error) {
	return r.list(`SELECT `+columns+` FROM actions WHERE status = ? ORDER BY created_at DESC, id DESC`, StatusRunning)
}

// ListRecent returns the most recent n records regardless of status.
func (r *SQLiteRepository) ListRecent(n int) ([]ActionRecord, error) {
	return r.list(`SELECT `+columns+` FROM actions ORDER BY created_at DESC, id DESC LIMIT ?`, n)
}

// ListByServer returns the most recent n records for serverID.
func (r *SQLiteRepository) ListByServer(serverID string, n int) ([]ActionRecord, error) {
	return r.list(`SELECT `+columns+` FROM actions WHERE server_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, serverID, n)
}

// DeleteOlderThan removes completed/errored records older than d.
func (r *SQLiteRepository) DeleteOlderThan(d time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-d).Format(timeLayout)
	result, err := r.db.Exec(`
		DELETE FROM actions WHERE status != ? AND updated_at < ?`, StatusRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("actionstore: delete failed: %w", err)
	}
	return result.RowsAffected()
}

// Close releases database resources.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) list(query string, args ...any) ([]ActionRecord, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("actionstore: query failed: %w", err)
	}
	defer rows.Close()

	var records []ActionRecord
	for rows.Next() {
		record, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("actionstore: scan failed: %w", err)
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*ActionRecord, error) {
	var record ActionRecord
	var createdStr, updatedStr string
	err := row.Scan(
		&record.ID, &record.JobID, &record.Hypervisor, &record.ServerID, &record.HostName,
		&record.Command, &record.TransientStatus, &record.TargetStatus, &record.Status,
		&record.Attempts, &record.ErrorMessage, &createdStr, &updatedStr,
	)
	if err != nil {
		return nil, err
	}
	record.CreatedAt, _ = time.Parse(timeLayout, createdStr)
	record.UpdatedAt, _ = time.Parse(timeLayout, updatedStr)
	return &record, nil
}
