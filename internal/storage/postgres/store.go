// Package postgres is the PostgreSQL implementation of the tenant store and
// job queue, selected with store.driver=postgres.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/assistd/internal/tenant"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ tenant.Store = (*Store)(nil)

// Store is backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, pings the server and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres DSN is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	cfg.MaxConns = 20

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("reading schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	type migration struct {
		version int
		name    string
	}
	var pending []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(e.Name(), "_", 2)[0])
		if err != nil {
			return fmt.Errorf("invalid migration filename %q: %w", e.Name(), err)
		}
		if !applied[v] {
			pending = append(pending, migration{version: v, name: e.Name()})
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].version < pending[j].version })

	for _, m := range pending {
		body, err := migrationsFS.ReadFile("migrations/" + m.name)
		if err != nil {
			return err
		}
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, string(body)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("applying %s: %w", m.name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`, m.version); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// UpsertTenant creates the tenant or renames an existing one.
func (s *Store) UpsertTenant(ctx context.Context, t tenant.Tenant) error {
	if t.ID == "" {
		return errors.New("tenant id is required")
	}
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		t.ID, t.Name, createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting tenant %s: %w", t.ID, err)
	}
	return nil
}

// ReadTenantConfig assembles the tenant record and all of its registrations.
func (s *Store) ReadTenantConfig(ctx context.Context, tenantID string) (tenant.Config, error) {
	var t tenant.Tenant
	err := s.pool.QueryRow(ctx, `SELECT id, name, created_at FROM tenants WHERE id = $1`, tenantID).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return tenant.Config{}, fmt.Errorf("%w: %s", tenant.ErrTenantNotFound, tenantID)
	}
	if err != nil {
		return tenant.Config{}, fmt.Errorf("reading tenant %s: %w", tenantID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id, department, agent_id, vector_store_id, created_at, updated_at
		FROM assistant_registrations WHERE tenant_id = $1 ORDER BY department`, tenantID)
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
	row := s.pool.QueryRow(ctx, `
		SELECT tenant_id, department, agent_id, vector_store_id, created_at, updated_at
		FROM assistant_registrations WHERE tenant_id = $1 AND department = $2`, tenantID, string(dept))
	reg, err := scanRegistration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return tenant.Registration{}, &tenant.NotProvisionedError{TenantID: tenantID, Department: dept}
	}
	return reg, err
}

// InsertRegistration inserts reg unless the pair already has one.
func (s *Store) InsertRegistration(ctx context.Context, reg tenant.Registration) (tenant.Registration, bool, error) {
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = time.Now()
	}
	reg.UpdatedAt = reg.CreatedAt

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO assistant_registrations (tenant_id, department, agent_id, vector_store_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, department) DO NOTHING`,
		reg.TenantID, string(reg.Department), reg.AgentID, reg.VectorStoreID, reg.CreatedAt.UTC(), reg.UpdatedAt.UTC(),
	)
	if err != nil {
		return tenant.Registration{}, false, fmt.Errorf("inserting registration: %w", err)
	}

	stored, err := s.GetRegistration(ctx, reg.TenantID, reg.Department)
	if err != nil {
		return tenant.Registration{}, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

// SetVectorStore swaps the recorded vector store id, locking the row for the
// duration of the read-modify-write.
func (s *Store) SetVectorStore(ctx context.Context, tenantID string, dept tenant.Department, storeID string) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("beginning vector store update: %w", err)
	}
	defer tx.Rollback(ctx)

	var previous string
	err = tx.QueryRow(ctx, `
		SELECT vector_store_id FROM assistant_registrations
		WHERE tenant_id = $1 AND department = $2 FOR UPDATE`, tenantID, string(dept)).Scan(&previous)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &tenant.NotProvisionedError{TenantID: tenantID, Department: dept}
	}
	if err != nil {
		return "", err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE assistant_registrations SET vector_store_id = $1, updated_at = now()
		WHERE tenant_id = $2 AND department = $3`, storeID, tenantID, string(dept)); err != nil {
		return "", fmt.Errorf("updating vector store: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing vector store update: %w", err)
	}
	return previous, nil
}

func scanRegistration(row pgx.Row) (tenant.Registration, error) {
	var reg tenant.Registration
	var dept string
	if err := row.Scan(&reg.TenantID, &dept, &reg.AgentID, &reg.VectorStoreID, &reg.CreatedAt, &reg.UpdatedAt); err != nil {
		return tenant.Registration{}, err
	}
	reg.Department = tenant.Department(dept)
	return reg, nil
}
