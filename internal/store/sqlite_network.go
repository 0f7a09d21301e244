package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"nathanbeddoewebdev/vpsd/internal/server/domain"
	"nathanbeddoewebdev/vpsd/internal/util"
)

// InsertWithAddress claims a free address in datacenter and stores srv and
// svc in the same transaction. The claim is the transaction's first
// statement so that it takes the write lock before reading the pool.
func (g *SQLiteGateway) InsertWithAddress(ctx context.Context, srv *domain.Server, svc *domain.Service, datacenter string) (*domain.IPAssignment, error) {
	if svc == nil {
		return nil, fmt.Errorf("store: server %s has no service", srv.ID)
	}
	datacenter = util.NormalizeKey(datacenter)

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin failed: %w", err)
	}
	defer tx.Rollback()

	var ip domain.IPAssignment
	var network string
	err = tx.QueryRowContext(ctx, `
        UPDATE ip_addresses SET server_id = ?
        WHERE address = (
            SELECT a.address FROM ip_addresses a JOIN networks n ON n.name = a.network_name
            WHERE n.datacenter = ? AND a.server_id IS NULL
            ORDER BY a.rowid LIMIT 1)
        RETURNING address, network_name`, srv.ID, datacenter).Scan(&ip.Address, &network)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, g.explainExhausted(ctx, tx, datacenter)
	}
	if err != nil {
		return nil, fmt.Errorf("store: reserve address failed: %w", err)
	}
	err = tx.QueryRowContext(ctx, `SELECT gateway, subnet_mask FROM networks WHERE name = ?`, network).
		Scan(&ip.Gateway, &ip.SubnetMask)
	if err != nil {
		return nil, fmt.Errorf("store: network %s: %w", network, err)
	}

	srv.Address = ip.Address
	now := g.timestamp()
	if _, err := insertRows(ctx, tx, srv, svc, "", now); err != nil {
		srv.Address = ""
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		srv.Address = ""
		return nil, fmt.Errorf("store: commit failed: %w", err)
	}
	stamp(srv, svc, now)
	return &ip, nil
}

func (g *SQLiteGateway) explainExhausted(ctx context.Context, tx *sql.Tx, datacenter string) error {
	var networks int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM networks WHERE datacenter = ?`, datacenter).Scan(&networks); err != nil {
		return fmt.Errorf("store: query failed: %w", err)
	}
	if networks == 0 {
		return fmt.Errorf("store: datacenter %q: %w", datacenter, domain.ErrUnknownDatacenter)
	}
	return fmt.Errorf("store: datacenter %q: %w", datacenter, domain.ErrNoFreeAddress)
}

// AddNetwork registers n and its addresses in one transaction.
func (g *SQLiteGateway) AddNetwork(ctx context.Context, n domain.Network, addresses []string) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if err := validateAddresses(addresses); err != nil {
		return err
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin failed: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
        INSERT INTO networks (name, datacenter, gateway, subnet_mask, created_at)
        VALUES (?, ?, ?, ?, ?) ON CONFLICT(name) DO NOTHING`,
		n.Name, n.Datacenter, n.Gateway, n.SubnetMask, g.timestamp())
	if err != nil {
		return fmt.Errorf("store: insert network failed: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("store: network %s already exists: %w", n.Name, domain.ErrConflict)
	}

	for _, addr := range addresses {
		result, err := tx.ExecContext(ctx, `
            INSERT INTO ip_addresses (address, network_name) VALUES (?, ?)
            ON CONFLICT(address) DO NOTHING`, addr, n.Name)
		if err != nil {
			return fmt.Errorf("store: insert address failed: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return fmt.Errorf("store: address %s is already pooled: %w", addr, domain.ErrConflict)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit failed: %w", err)
	}
	return nil
}

// ListNetworks returns every network with its address counts.
func (g *SQLiteGateway) ListNetworks(ctx context.Context) ([]domain.Network, error) {
	rows, err := g.db.QueryContext(ctx, `
        SELECT n.name, n.datacenter, n.gateway, n.subnet_mask,
               COUNT(a.address), COUNT(a.address) - COUNT(a.server_id)
        FROM networks n LEFT JOIN ip_addresses a ON a.network_name = n.name
        GROUP BY n.name
        ORDER BY n.datacenter ASC, n.name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query failed: %w", err)
	}
	defer rows.Close()

	var networks []domain.Network
	for rows.Next() {
		var n domain.Network
		if err := rows.Scan(&n.Name, &n.Datacenter, &n.Gateway, &n.SubnetMask, &n.Total, &n.Free); err != nil {
			return nil, fmt.Errorf("store: scan failed: %w", err)
		}
		networks = append(networks, n)
	}
	return networks, rows.Err()
}
