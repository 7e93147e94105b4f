// Package assistant ensures exactly one agent exists per tenant department.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/assistd/internal/aiservice"
	"github.com/kalambet/assistd/internal/ingest"
	"github.com/kalambet/assistd/internal/lock"
	"github.com/kalambet/assistd/internal/tenant"
)

// AgentCreator creates agents at the provider.
type AgentCreator interface {
	CreateAgent(ctx context.Context, spec aiservice.AgentSpec) (string, error)
}

// Ingester runs an ingestion batch.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.BatchResult, error)
}

// ProvisioningError wraps a provider failure while creating the agent.
type ProvisioningError struct {
	TenantID   string
	Department tenant.Department
	Err        error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s assistant for tenant %s: %v", e.Department, e.TenantID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Request asks for an assistant, optionally seeded with documents.
type Request struct {
	TenantID     string
	Department   tenant.Department
	Documents    []tenant.Document
	BusinessInfo string
	WebsiteURL   string
}

func (r Request) hasMaterial() bool {
	return len(r.Documents) > 0 || r.BusinessInfo != "" || r.WebsiteURL != ""
}

// Result is the outcome of Provision.
type Result struct {
	Registration tenant.Registration

	// Created is false when an existing registration was returned.
	Created bool

	Ingestion *ingest.BatchResult

	// Warning describes a non-fatal ingestion failure.
	Warning string
}

// Provisioner creates and records department agents.
type Provisioner struct {
	ai       AgentCreator
	store    tenant.Store
	ingester Ingester
	locker   lock.Locker
	model    string
	logger   *slog.Logger
}

// NewProvisioner wires a Provisioner. A nil locker falls back to an
// in-process keyed lock.
func NewProvisioner(ai AgentCreator, store tenant.Store, ingester Ingester, locker lock.Locker, model string) *Provisioner {
	if locker == nil {
		locker = lock.NewKeyed()
	}
	return &Provisioner{
		ai:       ai,
		store:    store,
		ingester: ingester,
		locker:   locker,
		model:    model,
		logger:   slog.Default(),
	}
}

// Provision returns the (tenant, department) agent, creating it on first use.
func (p *Provisioner) Provision(ctx context.Context, req Request) (Result, error) {
	cfg, err := p.store.ReadTenantConfig(ctx, req.TenantID)
	if err != nil {
		return Result{}, err
	}

	release, err := p.locker.Lock(ctx, req.TenantID+"/"+string(req.Department))
	if err != nil {
		return Result{}, fmt.Errorf("acquiring provisioning lock: %w", err)
	}
	defer release()

	res, err := p.ensureAgent(ctx, cfg.Tenant, req.Department)
	if err != nil {
		return Result{}, err
	}

	if req.hasMaterial() && p.ingester != nil {
		batch, err := p.ingester.Ingest(ctx, ingest.Request{
			TenantID:     req.TenantID,
			Department:   req.Department,
			Documents:    req.Documents,
			BusinessInfo: req.BusinessInfo,
			WebsiteURL:   req.WebsiteURL,
		})
		if err != nil {
			p.logger.Warn("initial ingestion failed",
				"tenant_id", req.TenantID, "department", req.Department, "error", err)
			res.Warning = fmt.Sprintf("assistant provisioned but document ingestion failed: %v", err)
		}
		res.Ingestion = &batch
	}
	return res, nil
}

func (p *Provisioner) ensureAgent(ctx context.Context, t tenant.Tenant, dept tenant.Department) (Result, error) {
	existing, err := p.store.GetRegistration(ctx, t.ID, dept)
	if err == nil {
		return Result{Registration: existing}, nil
	}
	if !isNotProvisioned(err) {
		return Result{}, fmt.Errorf("looking up registration: %w", err)
	}

	name := t.Name
	if name == "" {
		name = t.ID
	}
	agentID, err := p.ai.CreateAgent(ctx, aiservice.AgentSpec{
		Name:         agentName(name, dept),
		Instructions: instructions(name, dept),
		Model:        p.model,
		Retrieval:    true,
	})
	if err != nil {
		return Result{}, &ProvisioningError{TenantID: t.ID, Department: dept, Err: err}
	}

	stored, created, err := p.store.InsertRegistration(ctx, tenant.Registration{
		TenantID:   t.ID,
		Department: dept,
		AgentID:    agentID,
	})
	if err != nil {
		return Result{}, fmt.Errorf("recording registration for agent %s: %w", agentID, err)
	}
	if !created {
		// Another instance registered first; ours is unreferenced.
		p.logger.Warn("orphaned agent after concurrent provisioning",
			"tenant_id", t.ID, "department", dept, "agent_id", agentID, "kept_agent_id", stored.AgentID)
	} else {
		p.logger.Info("assistant provisioned", "tenant_id", t.ID, "department", dept, "agent_id", agentID)
	}
	return Result{Registration: stored, Created: created}, nil
}

func isNotProvisioned(err error) bool {
	return errors.Is(err, tenant.ErrNotProvisioned)
}
