// Package api exposes provisioning, ingestion and chat over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/assistd/internal/assistant"
	"github.com/kalambet/assistd/internal/conversation"
	"github.com/kalambet/assistd/internal/ingest"
	"github.com/kalambet/assistd/internal/tenant"
)

const (
	maxRequestBodySize    = 32 << 20 // 32MB, documents arrive inline
	defaultRequestTimeout = 120 * time.Second
)

// Provisioner creates department agents.
type Provisioner interface {
	Provision(ctx context.Context, req assistant.Request) (assistant.Result, error)
}

// Ingester trains an existing agent.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.BatchResult, error)
}

// Chatter holds one conversation turn.
type Chatter interface {
	Chat(ctx context.Context, req conversation.Request) (conversation.Reply, error)
}

// TenantStore registers tenants and reads their configuration.
type TenantStore interface {
	UpsertTenant(ctx context.Context, t tenant.Tenant) error
	ReadTenantConfig(ctx context.Context, tenantID string) (tenant.Config, error)
}

// Deps holds the collaborators behind the router.
type Deps struct {
	Provisioner Provisioner
	Ingester    Ingester
	Chatter     Chatter
	Tenants     TenantStore
	Token       string

	// RequestTimeout bounds every request. Zero means two minutes.
	RequestTimeout time.Duration
}

// NewRouter returns the HTTP handler for the service.
func NewRouter(deps Deps) http.Handler {
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(requestDeadline(timeout))

		r.Post("/actions", handleAction(deps))
		r.Put("/tenants/{tenant}", handlePutTenant(deps))
		r.Get("/tenants/{tenant}/assistants", handleTenantAssistants(deps))
		r.Post("/tenants/{tenant}/assistants/{department}", handleAlias(deps, ActionCreateAssistant))
		r.Post("/tenants/{tenant}/assistants/{department}/documents", handleAlias(deps, ActionUploadDocuments))
		r.Post("/tenants/{tenant}/assistants/{department}/chat", handleAlias(deps, ActionChat))
	})

	return r
}

// requestDeadline attaches the caller deadline that every external call inherits.
func requestDeadline(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleAction(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var env envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		act, err := decodeAction(env)
		if err != nil {
			writeError(w, r, err)
			return
		}
		dispatch(w, r, deps, act)
	}
}

// handleAlias serves the REST form of an action: tenant and department come
// from the path, the rest of the payload from the body.
func handleAlias(deps Deps, name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var p actionPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		p.TenantID = chi.URLParam(r, "tenant")
		p.Department = chi.URLParam(r, "department")

		act, err := p.toAction(name)
		if err != nil {
			writeError(w, r, err)
			return
		}
		dispatch(w, r, deps, act)
	}
}

func dispatch(w http.ResponseWriter, r *http.Request, deps Deps, act Action) {
	code, body, err := perform(r.Context(), deps, act)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, code, body)
}

// perform runs an action and returns the success status and response body.
func perform(ctx context.Context, deps Deps, act Action) (int, any, error) {
	switch a := act.(type) {
	case CreateAssistantAction:
		return createAssistant(ctx, deps, a)
	case UploadDocumentsAction:
		return uploadDocuments(ctx, deps, a)
	case ChatAction:
		return chat(ctx, deps, a)
	}
	return 0, nil, fmt.Errorf("unhandled action %T", act)
}

type createAssistantResponse struct {
	AgentID   string             `json:"agent_id"`
	Created   bool               `json:"created"`
	Ingestion *ingestionResponse `json:"ingestion,omitempty"`
	Warning   string             `json:"warning,omitempty"`
}

type ingestionResponse struct {
	ProcessedCount int                      `json:"processed_count"`
	Failed         []ingest.DocumentOutcome `json:"failed"`
	Skipped        []ingest.DocumentOutcome `json:"skipped"`
	VectorStoreID  string                   `json:"vector_store_id,omitempty"`
}

type chatResponse struct {
	Reply    string `json:"reply"`
	ThreadID string `json:"thread_id"`
}

func newIngestionResponse(res ingest.BatchResult) ingestionResponse {
	out := ingestionResponse{
		ProcessedCount: res.ProcessedCount(),
		Failed:         res.Failed,
		Skipped:        res.Skipped,
		VectorStoreID:  res.VectorStoreID,
	}
	if out.Failed == nil {
		out.Failed = []ingest.DocumentOutcome{}
	}
	if out.Skipped == nil {
		out.Skipped = []ingest.DocumentOutcome{}
	}
	return out
}

func createAssistant(ctx context.Context, deps Deps, a CreateAssistantAction) (int, any, error) {
	res, err := deps.Provisioner.Provision(ctx, assistant.Request{
		TenantID:   a.TenantID,
		Department: a.Department,
		Documents:  a.Documents,
	})
	if err != nil {
		return 0, nil, err
	}

	resp := createAssistantResponse{
		AgentID: res.Registration.AgentID,
		Created: res.Created,
		Warning: res.Warning,
	}
	if res.Ingestion != nil {
		ir := newIngestionResponse(*res.Ingestion)
		resp.Ingestion = &ir
	}
	if res.Created {
		return http.StatusCreated, resp, nil
	}
	return http.StatusOK, resp, nil
}

func uploadDocuments(ctx context.Context, deps Deps, a UploadDocumentsAction) (int, any, error) {
	res, err := deps.Ingester.Ingest(ctx, ingest.Request{
		TenantID:     a.TenantID,
		Department:   a.Department,
		Documents:    a.Documents,
		BusinessInfo: a.BusinessInfo,
		WebsiteURL:   a.WebsiteURL,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, newIngestionResponse(res), nil
}

func chat(ctx context.Context, deps Deps, a ChatAction) (int, any, error) {
	reply, err := deps.Chatter.Chat(ctx, conversation.Request{
		TenantID:   a.TenantID,
		Department: a.Department,
		Message:    a.Message,
	})
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, chatResponse{Reply: reply.Text, ThreadID: reply.ThreadID}, nil
}

func handlePutTenant(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if body.Name == "" {
			writeError(w, r, missing("name"))
			return
		}

		t := tenant.Tenant{ID: chi.URLParam(r, "tenant"), Name: body.Name, CreatedAt: time.Now().UTC()}
		if err := deps.Tenants.UpsertTenant(r.Context(), t); err != nil {
			writeError(w, r, err)
			return
		}
		cfg, err := deps.Tenants.ReadTenantConfig(r.Context(), t.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg.Tenant)
	}
}

func handleTenantAssistants(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := deps.Tenants.ReadTenantConfig(r.Context(), chi.URLParam(r, "tenant"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	}
}
