package tenant

import "context"

// Store is the tenant configuration collaborator. Implemented by storage.Store
// (SQLite) and postgres.Store.
//
// Registrations are stored one row per (tenant, department), so writes for one
// department never overwrite another department's entry.
type Store interface {
	UpsertTenant(ctx context.Context, t Tenant) error

	// ReadTenantConfig returns ErrTenantNotFound when the tenant does not exist.
	ReadTenantConfig(ctx context.Context, tenantID string) (Config, error)

	// GetRegistration returns a *NotProvisionedError when absent.
	GetRegistration(ctx context.Context, tenantID string, dept Department) (Registration, error)

	// InsertRegistration stores reg unless one already exists for the pair.
	// It returns the stored registration and whether reg was the one inserted.
	InsertRegistration(ctx context.Context, reg Registration) (Registration, bool, error)

	// SetVectorStore records storeID as the bound vector store and returns the
	// previously recorded id ("" if none).
	SetVectorStore(ctx context.Context, tenantID string, dept Department, storeID string) (string, error)
}
