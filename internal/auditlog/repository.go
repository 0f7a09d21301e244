package auditlog

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"nathanbeddoewebdev/vpsd/internal/database"
)

// timeLayout is fixed-width so that stored timestamps compare correctly
// as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const columns = `id, timestamp, command, args, user_id, hypervisor, resource_type, resource_id,
               outcome, status_code, detail, duration_ms`

// Repository defines the persistence interface for audit entries.
type Repository interface {
	Save(entry *AuditEntry) error
	List(limit int) ([]AuditEntry, error)
	ListByCommand(command string, limit int) ([]AuditEntry, error)
	ListByResource(resourceID string, limit int) ([]AuditEntry, error)
	Prune(filter PruneFilter) (int64, error)
	Close() error
}

// SQLiteRepository implements Repository backed by a local SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// Open creates or opens the audit repository at the default path.
func Open() (*SQLiteRepository, error) {
	path, err := database.DefaultPath()
	if err != nil {
		return nil, fmt.Errorf("auditlog: %w", err)
	}
	return OpenAt(path)
}

// OpenAt creates or opens a SQLite database at the given path.
func OpenAt(path string) (*SQLiteRepository, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("auditlog: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Save inserts a new audit entry.
func (r *SQLiteRepository) Save(entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	result, err := r.db.Exec(`
        INSERT INTO audit_log (timestamp, command, args, user_id, hypervisor, resource_type, resource_id,
                               outcome, status_code, detail, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp.UTC().Format(timeLayout), entry.Command, entry.Args, entry.UserID, entry.Hypervisor,
		entry.ResourceType, entry.ResourceID, entry.Outcome, entry.StatusCode, entry.Detail, entry.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("auditlog: insert failed: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("auditlog: failed to get last insert ID: %w", err)
	}
	entry.ID = id
	return nil
}

// List returns the most recent n audit entries.
func (r *SQLiteRepository) List(limit int) ([]AuditEntry, error) {
	return r.query(`SELECT `+columns+` FROM audit_log ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// ListByCommand returns the most recent n audit entries for a command.
func (r *SQLiteRepository) ListByCommand(command string, limit int) ([]AuditEntry, error) {
	return r.query(`SELECT `+columns+` FROM audit_log WHERE command = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, command, limit)
}

// ListByResource returns the most recent n audit entries for a resource.
func (r *SQLiteRepository) ListByResource(resourceID string, limit int) ([]AuditEntry, error) {
	return r.query(`SELECT `+columns+` FROM audit_log WHERE resource_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`, resourceID, limit)
}

// Prune deletes the entries filter selects and returns how many there
// were. With DryRun set it only counts them.
func (r *SQLiteRepository) Prune(filter PruneFilter) (int64, error) {
	if filter.Before.IsZero() {
		return 0, fmt.Errorf("auditlog: prune needs a cutoff")
	}

	where := []string{"timestamp < ?"}
	args := []any{filter.Before.UTC().Format(timeLayout)}
	switch filter.Source {
	case "", SourceAll:
	case SourceCLI:
		where = append(where, "command LIKE 'vpsd %'")
	case SourceAPI:
		where = append(where, "command NOT LIKE 'vpsd %'")
	default:
		return 0, fmt.Errorf("auditlog: unknown source %q", filter.Source)
	}
	if filter.KeepErrors {
		where = append(where, "outcome <> ?")
		args = append(args, OutcomeError)
	}
	cond := strings.Join(where, " AND ")

	if filter.DryRun {
		var n int64
		if err := r.db.QueryRow(`SELECT COUNT(*) FROM audit_log WHERE `+cond, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("auditlog: count failed: %w", err)
		}
		return n, nil
	}

	result, err := r.db.Exec(`DELETE FROM audit_log WHERE `+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("auditlog: delete failed: %w", err)
	}
	return result.RowsAffected()
}

// Close releases database resources.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) query(query string, args ...any) ([]AuditEntry, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("auditlog: query failed: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]AuditEntry, error) {
	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var timestampStr string
		err := rows.Scan(
			&entry.ID, &timestampStr, &entry.Command, &entry.Args, &entry.UserID, &entry.Hypervisor,
			&entry.ResourceType, &entry.ResourceID, &entry.Outcome, &entry.StatusCode,
			&entry.Detail, &entry.DurationMs,
		)
		if err != nil {
			return nil, fmt.Errorf("auditlog: scan failed: %w", err)
		}
		entry.Timestamp, _ = time.Parse(timeLayout, timestampStr)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
