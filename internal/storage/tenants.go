package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/assistd/internal/tenant"
)

var _ tenant.Store = (*Store)(nil)

// UpsertTenant creates the tenant or renames an existing one.
func (s *Store) UpsertTenant(ctx context.Context, t tenant.Tenant) error {
	if t.ID == "" {
		return errors.New("tenant id is required")
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		t.ID, t.Name, formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("upserting tenant %s: %w", t.ID, err)
	}
	return nil
}

// ReadTenantConfig assembles the tenant record and all of its registrations.
func (s *Store) ReadTenantConfig(ctx context.Context, tenantID string) (tenant.Config, error) {
	var t tenant.Tenant
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM tenants WHERE id = ?`, tenantID,
	).Scan(&t.ID, &t.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Config{}, fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, tenantID)
	}
	if err != nil {
		return tenant.Config{}, fmt.Errorf("reading tenant %s: %w", tenantID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return tenant.Config{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, department, agent_id, vector_store_id, created_at, updated_at
		FROM assistant_registrations WHERE tenant_id = ? ORDER BY department`, tenantID)
	if err != nil {
		return tenant.Config{}, fmt.Errorf("listing registrations for %s: %w", tenantID, err)
	}
	defer rows.Close()

	cfg := tenant.Config{Tenant: t, Assistants: make(map[tenant.Department]tenant.Registration)}
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return tenant.Config{}, err
		}
		cfg.Assistants[reg.Department] = reg
	}
	return cfg, rows.Err()
}

// GetRegistration returns the registration for the pair or a *tenant.NotProvisionedError.
func (s *Store) GetRegistration(ctx context.Context, tenantID string, dept tenant.Department) (tenant.Registration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, department, agent_id, vector_store_id, created_at, updated_at
		FROM assistant_registrations WHERE tenant_id = ? AND department = ?`, tenantID, string(dept))
	reg, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tenant.Registration{}, &tenant.NotProvisionedError{TenantID: tenantID, Department: dept}
	}
	return reg, err
}

// InsertRegistration inserts reg if the pair has no registration yet.
func (s *Store) InsertRegistration(ctx context.Context, reg tenant.Registration) (tenant.Registration, bool, error) {
	now := time.Now()
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = now
	}
	reg.UpdatedAt = reg.CreatedAt

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO assistant_registrations (tenant_id, department, agent_id, vector_store_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, department) DO NOTHING`,
		reg.TenantID, string(reg.Department), reg.AgentID, reg.VectorStoreID,
		formatTime(reg.CreatedAt), formatTime(reg.UpdatedAt),
	)
	if err != nil {
		return tenant.Registration{}, false, fmt.Errorf("inserting registration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return tenant.Registration{}, false, err
	}

	stored, err := s.GetRegistration(ctx, reg.TenantID, reg.Department)
	if err != nil {
		return tenant.Registration{}, false, err
	}
	return stored, n == 1, nil
}

// SetVectorStore swaps the recorded vector store id inside one transaction.
func (s *Store) SetVectorStore(ctx context.Context, tenantID string, dept tenant.Department, storeID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning vector store update: %w", err)
	}
	defer tx.Rollback()

	var previous string
	err = tx.QueryRowContext(ctx,
		`SELECT vector_store_id FROM assistant_registrations WHERE tenant_id = ? AND department = ?`,
		tenantID, string(dept),
	).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &tenant.NotProvisionedError{TenantID: tenantID, Department: dept}
	}
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE assistant_registrations SET vector_store_id = ?, updated_at = ? WHERE tenant_id = ? AND department = ?`,
		storeID, formatTime(time.Now()), tenantID, string(dept),
	); err != nil {
		return "", fmt.Errorf("updating vector store: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing vector store update: %w", err)
	}
	return previous, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (tenant.Registration, error) {
	var reg tenant.Registration
	var dept, createdAt, updatedAt string
	if err := row.Scan(&reg.TenantID, &dept, &reg.AgentID, &reg.VectorStoreID, &createdAt, &updatedAt); err != nil {
		return tenant.Registration{}, err
	}
	reg.Department = tenant.Department(dept)
	var err error
	if reg.CreatedAt, err = parseTime(createdAt); err != nil {
		return tenant.Registration{}, err
	}
	if reg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return tenant.Registration{}, err
	}
	return reg, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
