package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/assistd/internal/storage"
	"github.com/kalambet/assistd/internal/tenant"
)

// JobVectorStoreCleanup is the job type that deletes a superseded vector store.
const JobVectorStoreCleanup = "vector_store_cleanup"

const (
	businessInfoDocName = "business-information.txt"
	websiteDocName      = "website-about-page.txt"
	defaultUploadLimit  = 4
)

// AIService is the subset of the provider client the pipeline needs.
type AIService interface {
	CreateVectorStore(ctx context.Context, label string) (string, error)
	UploadFile(ctx context.Context, name string, data []byte, mediaType string) (string, error)
	AttachFilesToStore(ctx context.Context, storeID string, fileIDs []string) error
	BindStoreToAgent(ctx context.Context, agentID, storeID string) error
}

// ContentExtractor summarizes a website. "" means nothing usable.
type ContentExtractor interface {
	Extract(ctx context.Context, rawURL string) string
}

// Registry reads and updates assistant registrations.
type Registry interface {
	GetRegistration(ctx context.Context, tenantID string, dept tenant.Department) (tenant.Registration, error)
	SetVectorStore(ctx context.Context, tenantID string, dept tenant.Department, storeID string) (string, error)
}

// JobQueue accepts deferred work.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Request is one ingestion batch for a provisioned assistant.
type Request struct {
	TenantID     string
	Department   tenant.Department
	Documents    []tenant.Document
	BusinessInfo string
	WebsiteURL   string
}

// DocumentOutcome records what happened to one document.
type DocumentOutcome struct {
	Name   string `json:"name"`
	FileID string `json:"file_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// BatchResult summarizes an ingestion batch.
type BatchResult struct {
	Succeeded     []DocumentOutcome `json:"succeeded"`
	Failed        []DocumentOutcome `json:"failed"`
	Skipped       []DocumentOutcome `json:"skipped"`
	VectorStoreID string            `json:"vector_store_id,omitempty"`
}

// ProcessedCount is the number of documents uploaded successfully.
func (r BatchResult) ProcessedCount() int {
	return len(r.Succeeded)
}

// Pipeline uploads a tenant's documents into a fresh vector store and binds
// it to the department's agent.
type Pipeline struct {
	ai          AIService
	registry    Registry
	website     ContentExtractor
	jobs        JobQueue
	uploadLimit int
	now         func() time.Time
	logger      *slog.Logger
}

// NewPipeline wires the pipeline. website and jobs may be nil: without an
// extractor website URLs are ignored, without a queue superseded stores are
// left in place.
func NewPipeline(ai AIService, registry Registry, website ContentExtractor, jobs JobQueue) *Pipeline {
	return &Pipeline{
		ai:          ai,
		registry:    registry,
		website:     website,
		jobs:        jobs,
		uploadLimit: defaultUploadLimit,
		now:         time.Now,
		logger:      slog.Default(),
	}
}

// SetUploadConcurrency bounds parallel uploads. Values below 1 are ignored.
func (p *Pipeline) SetUploadConcurrency(n int) {
	if n > 0 {
		p.uploadLimit = n
	}
}

// Ingest runs one batch. Per-document failures are reported in the result;
// an error is returned only when the batch as a whole could not proceed.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (BatchResult, error) {
	var result BatchResult

	reg, err := p.registry.GetRegistration(ctx, req.TenantID, req.Department)
	if err != nil {
		return result, err
	}

	logger := p.logger.With("tenant_id", req.TenantID, "department", req.Department)
	docs := p.workingSet(ctx, req, logger)

	var indexable []tenant.Document
	for _, d := range docs {
		if d.IsImage {
			logger.Info("skipping image document", "name", d.Name)
			result.Skipped = append(result.Skipped, DocumentOutcome{Name: d.Name, Reason: "image documents are not indexed"})
			continue
		}
		if isPDF(d) {
			if pages, err := countPDFPages(d.Content); err != nil {
				logger.Warn("pdf did not parse locally, uploading anyway", "name", d.Name, "error", err)
			} else {
				logger.Debug("pdf parsed", "name", d.Name, "pages", pages)
			}
		}
		indexable = append(indexable, d)
	}
	if len(indexable) == 0 {
		logger.Info("no indexable documents, nothing to ingest")
		return result, nil
	}

	label := fmt.Sprintf("%s-%s-%d", req.TenantID, req.Department, p.now().Unix())
	storeID, err := p.ai.CreateVectorStore(ctx, label)
	if err != nil {
		return result, fmt.Errorf("creating vector store: %w", err)
	}

	outcomes := p.upload(ctx, indexable, logger)
	if err := ctx.Err(); err != nil {
		p.scheduleCleanup(ctx, req, storeID, logger)
		return result, fmt.Errorf("uploading documents: %w", err)
	}

	var fileIDs []string
	for _, o := range outcomes {
		if o.FileID != "" {
			result.Succeeded = append(result.Succeeded, o)
			fileIDs = append(fileIDs, o.FileID)
		} else {
			result.Failed = append(result.Failed, o)
		}
	}
	if len(fileIDs) == 0 {
		logger.Warn("every upload failed, leaving agent binding unchanged", "vector_store_id", storeID)
		p.scheduleCleanup(ctx, req, storeID, logger)
		return result, nil
	}

	if err := p.ai.AttachFilesToStore(ctx, storeID, fileIDs); err != nil {
		p.scheduleCleanup(ctx, req, storeID, logger)
		return result, fmt.Errorf("attaching files to vector store %s: %w", storeID, err)
	}
	if err := p.ai.BindStoreToAgent(ctx, reg.AgentID, storeID); err != nil {
		p.scheduleCleanup(ctx, req, storeID, logger)
		return result, fmt.Errorf("binding vector store %s to agent %s: %w", storeID, reg.AgentID, err)
	}
	result.VectorStoreID = storeID

	previous, err := p.registry.SetVectorStore(ctx, req.TenantID, req.Department, storeID)
	if err != nil {
		return result, fmt.Errorf("recording vector store: %w", err)
	}
	if previous != "" && previous != storeID {
		p.scheduleCleanup(ctx, req, previous, logger)
	}

	logger.Info("ingestion complete",
		"vector_store_id", storeID,
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"skipped", len(result.Skipped),
	)
	return result, nil
}

// workingSet is the uploads plus synthetic documents from business info and
// the website.
func (p *Pipeline) workingSet(ctx context.Context, req Request, logger *slog.Logger) []tenant.Document {
	docs := make([]tenant.Document, 0, len(req.Documents)+2)
	docs = append(docs, req.Documents...)

	if info := strings.TrimSpace(req.BusinessInfo); info != "" {
		docs = append(docs, tenant.TextDocument(businessInfoDocName, info, tenant.OriginBusinessInfo))
	}
	if p.website != nil && strings.TrimSpace(req.WebsiteURL) != "" {
		if text := p.website.Extract(ctx, req.WebsiteURL); text != "" {
			docs = append(docs, tenant.TextDocument(websiteDocName, text, tenant.OriginWebsite))
		} else {
			logger.Info("website yielded no content", "url", req.WebsiteURL)
		}
	}
	return docs
}

// upload sends every document, at most uploadLimit at a time. Outcomes keep
// the input order.
func (p *Pipeline) upload(ctx context.Context, docs []tenant.Document, logger *slog.Logger) []DocumentOutcome {
	outcomes := make([]DocumentOutcome, len(docs))

	var g errgroup.Group
	g.SetLimit(p.uploadLimit)
	for i, d := range docs {
		g.Go(func() error {
			outcomes[i] = DocumentOutcome{Name: d.Name}
			fileID, err := p.ai.UploadFile(ctx, d.Name, d.Content, d.MediaType)
			if err != nil {
				logger.Warn("document upload failed", "name", d.Name, "error", err)
				outcomes[i].Reason = err.Error()
				return nil
			}
			outcomes[i].FileID = fileID
			return nil
		})
	}
	g.Wait()
	return outcomes
}

type cleanupPayload struct {
	VectorStoreID string `json:"vector_store_id"`
	TenantID      string `json:"tenant_id"`
	Department    string `json:"department"`
}

// scheduleCleanup queues storeID for deletion. Used both for the store a new
// binding replaced and for a fresh store that never got bound.
func (p *Pipeline) scheduleCleanup(ctx context.Context, req Request, storeID string, logger *slog.Logger) {
	if p.jobs == nil {
		logger.Warn("unused vector store left in place", "vector_store_id", storeID)
		return
	}
	// The request may already be cancelled; the job must still be recorded.
	ctx = context.WithoutCancel(ctx)
	payload, _ := json.Marshal(cleanupPayload{
		VectorStoreID: storeID,
		TenantID:      req.TenantID,
		Department:    string(req.Department),
	})
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobVectorStoreCleanup,
		PayloadJSON: string(payload),
	}
	if err := p.jobs.EnqueueJob(ctx, job); err != nil {
		logger.Warn("failed to queue vector store for deletion", "vector_store_id", storeID, "error", err)
	}
}

func isPDF(d tenant.Document) bool {
	return strings.EqualFold(d.MediaType, "application/pdf")
}

// countPDFPages parses data locally. A parse failure is only logged: the
// document is uploaded regardless.
func countPDFPages(data []byte) (pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unreadable pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("unreadable pdf: %w", err)
	}
	return r.NumPage(), nil
}
