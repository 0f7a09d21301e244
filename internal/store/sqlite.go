package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"nathanbeddoewebdev/vpsd/internal/database"
	"nathanbeddoewebdev/vpsd/internal/server/domain"
)

// timeLayout is fixed-width so that stored timestamps compare correctly
// as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const serverColumns = `
    s.id, s.hypervisor_id, s.node, s.host_name, s.address, s.status, s.last_error,
    COALESCE(s.legacy_id, ''), s.created_at, s.updated_at,
    COALESCE(v.id, ''), COALESCE(v.user_id, ''), COALESCE(v.product_id, ''),
    COALESCE(v.legacy_id, ''), COALESCE(v.created_at, '')`

// SQLiteGateway implements Gateway on the local SQLite database.
type SQLiteGateway struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and migrates) the SQLite database at path.
func OpenSQLite(path string) (*SQLiteGateway, error) {
	db, err := database.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &SQLiteGateway{db: db, now: time.Now}, nil
}

func (g *SQLiteGateway) timestamp() string {
	return g.now().UTC().Format(timeLayout)
}

// Get returns a server by id.
func (g *SQLiteGateway) Get(ctx context.Context, id string) (*domain.Server, error) {
	row := g.db.QueryRowContext(ctx, `
        SELECT `+serverColumns+`
        FROM servers s LEFT JOIN services v ON v.server_id = s.id
        WHERE s.id = ?`, id)

	srv, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: server %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// Insert stores srv and svc atomically.
func (g *SQLiteGateway) Insert(ctx context.Context, srv *domain.Server, svc *domain.Service) error {
	_, err := g.insert(ctx, srv, svc, "")
	return err
}

// InsertLegacy stores srv and svc unless srv.LegacyID is already present.
func (g *SQLiteGateway) InsertLegacy(ctx context.Context, srv *domain.Server, svc *domain.Service) (bool, error) {
	if srv.LegacyID == "" {
		return false, fmt.Errorf("store: legacy insert requires a legacy id")
	}
	return g.insert(ctx, srv, svc, " ON CONFLICT(legacy_id) DO NOTHING")
}

func (g *SQLiteGateway) insert(ctx context.Context, srv *domain.Server, svc *domain.Service, onConflict string) (bool, error) {
	if svc == nil {
		return false, fmt.Errorf("store: server %s has no service", srv.ID)
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin failed: %w", err)
	}
	defer tx.Rollback()

	now := g.timestamp()
	inserted, err := insertRows(ctx, tx, srv, svc, onConflict, now)
	if err != nil || !inserted {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit failed: %w", err)
	}
	stamp(srv, svc, now)
	return true, nil
}

// insertRows writes the server and service rows inside tx. It reports
// false when onConflict suppressed the server row.
func insertRows(ctx context.Context, tx *sql.Tx, srv *domain.Server, svc *domain.Service, onConflict, now string) (bool, error) {
	result, err := tx.ExecContext(ctx, `
        INSERT INTO servers (id, hypervisor_id, node, host_name, address, status, last_error, legacy_id, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`+onConflict,
		srv.ID, srv.HypervisorID, srv.Node, srv.HostName, srv.Address, string(srv.Status), srv.LastError,
		nullable(srv.LegacyID), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("store: insert server failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return false, nil
	}

	svc.ServerID = srv.ID
	_, err = tx.ExecContext(ctx, `
        INSERT INTO services (id, user_id, product_id, server_id, legacy_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		svc.ID, svc.UserID, svc.ProductID, svc.ServerID, nullable(svc.LegacyID), now,
	)
	if err != nil {
		return false, fmt.Errorf("store: insert service failed: %w", err)
	}
	return true, nil
}

func stamp(srv *domain.Server, svc *domain.Service, now string) {
	created, _ := time.Parse(timeLayout, now)
	srv.CreatedAt, srv.UpdatedAt = created, created
	svc.CreatedAt = created
	srv.Service = svc
}

// CompareAndSwap performs a conditional status update.
func (g *SQLiteGateway) CompareAndSwap(ctx context.Context, id string, expected, next domain.Status, fields *Fields) error {
	if fields == nil {
		fields = &Fields{}
	}

	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(next), g.timestamp()}
	where := "id = ? AND status = ?"

	if fields.setsIdentity() {
		set = append(set, "hypervisor_id = ?", "node = ?")
		args = append(args, fields.HypervisorID, fields.Node)
		if fields.Address != "" {
			set = append(set, "address = ?")
			args = append(args, fields.Address)
		}
		where += " AND hypervisor_id = ''"
	}
	switch {
	case fields.LastError != "":
		set = append(set, "last_error = ?")
		args = append(args, fields.LastError)
	case fields.ClearError:
		set = append(set, "last_error = ''")
	}
	args = append(args, id, string(expected))

	result, err := g.db.ExecContext(ctx,
		`UPDATE servers SET `+strings.Join(set, ", ")+` WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("store: update failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 1 {
		return nil
	}
	return g.explainMiss(ctx, id, expected)
}

// Delete removes the server and its service when the status matches and
// releases its address.
func (g *SQLiteGateway) Delete(ctx context.Context, id string, expected domain.Status) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin failed: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM servers WHERE id = ? AND status = ?`, id, string(expected))
	if err != nil {
		return fmt.Errorf("store: delete failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		tx.Rollback()
		return g.explainMiss(ctx, id, expected)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ip_addresses SET server_id = NULL WHERE server_id = ?`, id); err != nil {
		return fmt.Errorf("store: release address failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM services WHERE server_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete service failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit failed: %w", err)
	}
	return nil
}

// explainMiss turns a conditional write that touched no rows into
// ErrNotFound or ErrConflict.
func (g *SQLiteGateway) explainMiss(ctx context.Context, id string, expected domain.Status) error {
	var status string
	err := g.db.QueryRowContext(ctx, `SELECT status FROM servers WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: server %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: query failed: %w", err)
	}
	if domain.Status(status) != expected {
		return fmt.Errorf("store: server %s is %s, expected %s: %w", id, status, expected, domain.ErrConflict)
	}
	return fmt.Errorf("store: server %s already has a hypervisor identity: %w", id, domain.ErrConflict)
}

// ListForUser returns the servers owned by userID.
func (g *SQLiteGateway) ListForUser(ctx context.Context, userID string) ([]domain.Server, error) {
	rows, err := g.db.QueryContext(ctx, `
        SELECT `+serverColumns+`
        FROM servers s JOIN services v ON v.server_id = s.id
        WHERE v.user_id = ?
        ORDER BY s.created_at ASC, s.id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: query failed: %w", err)
	}
	defer rows.Close()
	return scanServers(rows)
}

// ListTransientOlderThan returns servers stuck in a transient status.
func (g *SQLiteGateway) ListTransientOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Server, error) {
	placeholders := make([]string, len(domain.TransientStatuses))
	args := make([]any, 0, len(domain.TransientStatuses)+1)
	for i, s := range domain.TransientStatuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	args = append(args, cutoff.UTC().Format(timeLayout))

	rows, err := g.db.QueryContext(ctx, `
        SELECT `+serverColumns+`
        FROM servers s LEFT JOIN services v ON v.server_id = s.id
        WHERE s.status IN (`+strings.Join(placeholders, ", ")+`) AND s.updated_at < ?
        ORDER BY s.updated_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query failed: %w", err)
	}
	defer rows.Close()
	return scanServers(rows)
}

// ListOrphans returns servers without a service.
func (g *SQLiteGateway) ListOrphans(ctx context.Context) ([]domain.Server, error) {
	rows, err := g.db.QueryContext(ctx, `
        SELECT `+serverColumns+`
        FROM servers s LEFT JOIN services v ON v.server_id = s.id
        WHERE v.id IS NULL
        ORDER BY s.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query failed: %w", err)
	}
	defer rows.Close()
	return scanServers(rows)
}

// Close releases database resources.
func (g *SQLiteGateway) Close() error {
	return g.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServer(row scanner) (*domain.Server, error) {
	var srv domain.Server
	var svc domain.Service
	var status, createdAt, updatedAt, svcAt string
	err := row.Scan(
		&srv.ID, &srv.HypervisorID, &srv.Node, &srv.HostName, &srv.Address, &status, &srv.LastError,
		&srv.LegacyID, &createdAt, &updatedAt,
		&svc.ID, &svc.UserID, &svc.ProductID, &svc.LegacyID, &svcAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan failed: %w", err)
	}

	srv.Status = domain.Status(status)
	srv.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	srv.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	if svc.ID != "" {
		svc.ServerID = srv.ID
		svc.CreatedAt, _ = time.Parse(timeLayout, svcAt)
		srv.Service = &svc
	}
	return &srv, nil
}

func scanServers(rows *sql.Rows) ([]domain.Server, error) {
	var servers []domain.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *srv)
	}
	return servers, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
