package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/assistd/internal/tenant"
)

func seedTenant(t *testing.T, s *Store, id, name string) {
	t.Helper()
	if err := s.UpsertTenant(context.Background(), tenant.Tenant{ID: id, Name: name}); err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}
}

func TestReadTenantConfig_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ReadTenantConfig(context.Background(), "nope")
	if !errors.Is(err, tenant.ErrTenantNotFound) {
		t.Fatalf("err = %v, want ErrTenantNotFound", err)
	}
}

func TestUpsertTenant_Renames(t *testing.T) {
	s := openTestStore(t)
	seedTenant(t, s, "t1", "Old Name")
	seedTenant(t, s, "t1", "Bakery Co")

	cfg, err := s.ReadTenantConfig(context.Background(), "t1")
	if err != nil {
		t.Fatalf("ReadTenantConfig: %v", err)
	}
	if cfg.Tenant.Name != "Bakery Co" {
		t.Errorf("Name = %q, want %q", cfg.Tenant.Name, "Bakery Co")
	}
	if len(cfg.Assistants) != 0 {
		t.Errorf("Assistants = %v, want empty", cfg.Assistants)
	}
}

func TestInsertRegistration_InsertIfAbsent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, "t1", "Bakery")

	first, created, err := s.InsertRegistration(ctx, tenant.Registration{TenantID: "t1", Department: tenant.Finance, AgentID: "asst_1"})
	if err != nil {
		t.Fatalf("InsertRegistration: %v", err)
	}
	if !created {
		t.Error("first insert should report created")
	}

	second, created, err := s.InsertRegistration(ctx, tenant.Registration{TenantID: "t1", Department: tenant.Finance, AgentID: "asst_2"})
	if err != nil {
		t.Fatalf("InsertRegistration: %v", err)
	}
	if created {
		t.Error("second insert should not report created")
	}
	if second.AgentID != first.AgentID {
		t.Errorf("stored AgentID = %q, want %q", second.AgentID, first.AgentID)
	}
}

func TestRegistrations_DepartmentsIndependent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, "t1", "Bakery")

	for dept, agent := range map[tenant.Department]string{tenant.Finance: "asst_f", tenant.Sales: "asst_s"} {
		if _, _, err := s.InsertRegistration(ctx, tenant.Registration{TenantID: "t1", Department: dept, AgentID: agent}); err != nil {
			t.Fatalf("InsertRegistration(%s): %v", dept, err)
		}
	}
	if _, err := s.SetVectorStore(ctx, "t1", tenant.Finance, "vs_1"); err != nil {
		t.Fatalf("SetVectorStore: %v", err)
	}

	cfg, err := s.ReadTenantConfig(ctx, "t1")
	if err != nil {
		t.Fatalf("ReadTenantConfig: %v", err)
	}
	if len(cfg.Assistants) != 2 {
		t.Fatalf("got %d assistants, want 2", len(cfg.Assistants))
	}
	if cfg.Assistants[tenant.Finance].VectorStoreID != "vs_1" {
		t.Errorf("finance vector store = %q", cfg.Assistants[tenant.Finance].VectorStoreID)
	}
	if cfg.Assistants[tenant.Sales].VectorStoreID != "" {
		t.Errorf("sales vector store touched: %q", cfg.Assistants[tenant.Sales].VectorStoreID)
	}
}

func TestGetRegistration_NotProvisioned(t *testing.T) {
	s := openTestStore(t)
	seedTenant(t, s, "t1", "Bakery")

	_, err := s.GetRegistration(context.Background(), "t1", tenant.Marketing)
	var npe *tenant.NotProvisionedError
	if !errors.As(err, &npe) {
		t.Fatalf("err = %v, want *NotProvisionedError", err)
	}
	if npe.Department != tenant.Marketing {
		t.Errorf("Department = %q", npe.Department)
	}
}

func TestSetVectorStore_ReturnsPrevious(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedTenant(t, s, "t1", "Bakery")
	if _, _, err := s.InsertRegistration(ctx, tenant.Registration{TenantID: "t1", Department: tenant.Finance, AgentID: "asst_1"}); err != nil {
		t.Fatalf("InsertRegistration: %v", err)
	}

	prev, err := s.SetVectorStore(ctx, "t1", tenant.Finance, "vs_1")
	if err != nil {
		t.Fatalf("SetVectorStore: %v", err)
	}
	if prev != "" {
		t.Errorf("first previous = %q, want empty", prev)
	}
	prev, err = s.SetVectorStore(ctx, "t1", tenant.Finance, "vs_2")
	if err != nil {
		t.Fatalf("SetVectorStore: %v", err)
	}
	if prev != "vs_1" {
		t.Errorf("previous = %q, want %q", prev, "vs_1")
	}

	if _, err := s.SetVectorStore(ctx, "t1", tenant.Sales, "vs_3"); !errors.Is(err, tenant.ErrNotProvisioned) {
		t.Errorf("SetVectorStore on missing pair = %v, want ErrNotProvisioned", err)
	}
}

func TestInsertRegistration_UnknownTenant(t *testing.T) {
	s := openTestStore(t)

	_, _, err := s.InsertRegistration(context.Background(), tenant.Registration{TenantID: "ghost", Department: tenant.Finance, AgentID: "asst_1"})
	if err == nil {
		t.Fatal("expected foreign key error for unknown tenant")
	}
}
