// Package aiservicetest provides an in-memory fake of the assistant provider
// served over httptest, for tests that exercise the real aiservice.Client.
package aiservicetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/assistd/internal/aiservice"
)

// Agent is a created assistant.
type Agent struct {
	Name           string
	Instructions   string
	Model          string
	Tools          []string
	VectorStoreIDs []string
}

// VectorStore is a created document index.
type VectorStore struct {
	Name    string
	FileIDs []string
}

// File is an uploaded document.
type File struct {
	Name      string
	MediaType string
	Content   []byte
}

// ThreadMessage is one message on a thread.
type ThreadMessage struct {
	Role    string
	Content string
}

type run struct {
	threadID  string
	polls     int
	replied   bool
	cancelled bool
}

// Provider is the fake. Knob fields may be set before the first request.
type Provider struct {
	server *httptest.Server

	// FailUpload rejects the upload of the named file with a 400.
	FailUpload func(name string) bool

	// FailCreateAgent makes agent creation return a 500.
	FailCreateAgent bool

	// RunStatuses is the sequence reported by successive polls of each run.
	// The last entry repeats. Empty means immediately completed.
	RunStatuses []aiservice.RunStatus

	// RunErrorMessage is reported as last_error.message on failed runs.
	RunErrorMessage string

	// Reply is appended as an assistant message when a run completes.
	// Empty means the run completes without replying.
	Reply string

	mu           sync.Mutex
	seq          int
	agents       map[string]*Agent
	vectorStores map[string]*VectorStore
	files        map[string]File
	threads      map[string][]ThreadMessage
	runs         map[string]*run
	calls        map[string]int
}

// New starts a fake provider that is closed when the test ends.
func New(t testing.TB) *Provider {
	t.Helper()
	p := &Provider{
		agents:       make(map[string]*Agent),
		vectorStores: make(map[string]*VectorStore),
		files:        make(map[string]File),
		threads:      make(map[string][]ThreadMessage),
		runs:         make(map[string]*run),
		calls:        make(map[string]int),
	}
	p.server = httptest.NewServer(p.routes())
	t.Cleanup(p.server.Close)
	return p
}

// URL is the base URL to hand to aiservice.NewClientWithBaseURL.
func (p *Provider) URL() string { return p.server.URL }

// Client returns a real client pointed at the fake.
func (p *Provider) Client() *aiservice.Client {
	return aiservice.NewClientWithBaseURL("test-key", p.server.URL)
}

// Calls reports how many requests reached the named operation.
func (p *Provider) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Agent returns a copy of the agent, if it exists.
func (p *Provider) Agent(id string) (Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	if !ok {
		return Agent{}, false
	}
	return *a, true
}

// VectorStore returns a copy of the store, if it exists.
func (p *Provider) VectorStore(id string) (VectorStore, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vs, ok := p.vectorStores[id]
	if !ok {
		return VectorStore{}, false
	}
	return *vs, true
}

// VectorStoreCount reports the number of live vector stores.
func (p *Provider) VectorStoreCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.vectorStores)
}

// UploadedNames lists the names of all uploaded files.
func (p *Provider) UploadedNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.files))
	for _, f := range p.files {
		names = append(names, f.Name)
	}
	return names
}

// Thread returns the messages on a thread in insertion order.
func (p *Provider) Thread(id string) []ThreadMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ThreadMessage(nil), p.threads[id]...)
}

func (p *Provider) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/assistants", p.handleCreateAgent)
	r.Post("/assistants/{id}", p.handleUpdateAgent)
	r.Post("/vector_stores", p.handleCreateVectorStore)
	r.Delete("/vector_stores/{id}", p.handleDeleteVectorStore)
	r.Post("/vector_stores/{id}/file_batches", p.handleFileBatch)
	r.Post("/files", p.handleUpload)
	r.Post("/threads", p.handleCreateThread)
	r.Post("/threads/{id}/messages", p.handlePostMessage)
	r.Get("/threads/{id}/messages", p.handleListMessages)
	r.Post("/threads/{id}/runs", p.handleStartRun)
	r.Get("/threads/{id}/runs/{run}", p.handleGetRun)
	r.Post("/threads/{id}/runs/{run}/cancel", p.handleCancelRun)
	return r
}

// nextID must be called with mu held.
func (p *Provider) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_%d", prefix, p.seq)
}

func (p *Provider) count(op string) {
	p.mu.Lock()
	p.calls[op]++
	p.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": msg}})
}

func (p *Provider) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	p.count("CreateAgent")
	if p.FailCreateAgent {
		writeError(w, http.StatusInternalServerError, "agent creation unavailable")
		return
	}
	var req struct {
		Name         string `json:"name"`
		Instructions string `json:"instructions"`
		Model        string `json:"model"`
		Tools        []struct {
			Type string `json:"type"`
		} `json:"tools"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a := &Agent{Name: req.Name, Instructions: req.Instructions, Model: req.Model}
	for _, tool := range req.Tools {
		a.Tools = append(a.Tools, tool.Type)
	}

	p.mu.Lock()
	id := p.nextID("asst")
	p.agents[id] = a
	p.mu.Unlock()
	writeJSON(w, map[string]string{"id": id, "object": "assistant"})
}

func (p *Provider) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	p.count("BindStoreToAgent")
	var req struct {
		ToolResources struct {
			FileSearch struct {
				VectorStoreIDs []string `json:"vector_store_ids"`
			} `json:"file_search"`
		} `json:"tool_resources"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	if !ok {
		writeError(w, http.StatusNotFound, "no such assistant")
		return
	}
	a.VectorStoreIDs = req.ToolResources.FileSearch.VectorStoreIDs
	writeJSON(w, map[string]string{"id": id})
}

func (p *Provider) handleCreateVectorStore(w http.ResponseWriter, r *http.Request) {
	p.count("CreateVectorStore")
	var req struct {
		Name string `json:"name"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	p.mu.Lock()
	id := p.nextID("vs")
	p.vectorStores[id] = &VectorStore{Name: req.Name}
	p.mu.Unlock()
	writeJSON(w, map[string]string{"id": id})
}

func (p *Provider) handleDeleteVectorStore(w http.ResponseWriter, r *http.Request) {
	p.count("DeleteVectorStore")
	id := chi.URLParam(r, "id")
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.vectorStores[id]; !ok {
		writeError(w, http.StatusNotFound, "no such vector store")
		return
	}
	delete(p.vectorStores, id)
	writeJSON(w, map[string]any{"id": id, "deleted": true})
}

func (p *Provider) handleFileBatch(w http.ResponseWriter, r *http.Request) {
	p.count("AttachFilesToStore")
	var req struct {
		FileIDs []string `json:"file_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	p.mu.Lock()
	defer p.mu.Unlock()
	vs, ok := p.vectorStores[id]
	if !ok {
		writeError(w, http.StatusNotFound, "no such vector store")
		return
	}
	for _, fid := range req.FileIDs {
		if _, ok := p.files[fid]; !ok {
			writeError(w, http.StatusBadRequest, "unknown file "+fid)
			return
		}
	}
	vs.FileIDs = append(vs.FileIDs, req.FileIDs...)
	writeJSON(w, map[string]any{"id": p.nextID("vsfb"), "status": "in_progress"})
}

func (p *Provider) handleUpload(w http.ResponseWriter, r *http.Request) {
	p.count("UploadFile")
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if r.FormValue("purpose") != "assistants" {
		writeError(w, http.StatusBadRequest, "purpose must be assistants")
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer f.Close()
	content, _ := io.ReadAll(f)

	if p.FailUpload != nil && p.FailUpload(hdr.Filename) {
		writeError(w, http.StatusBadRequest, "file rejected: "+hdr.Filename)
		return
	}

	p.mu.Lock()
	id := p.nextID("file")
	p.files[id] = File{Name: hdr.Filename, MediaType: hdr.Header.Get("Content-Type"), Content: content}
	p.mu.Unlock()
	writeJSON(w, map[string]string{"id": id})
}

func (p *Provider) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	p.count("CreateThread")
	p.mu.Lock()
	id := p.nextID("thread")
	p.threads[id] = nil
	p.mu.Unlock()
	writeJSON(w, map[string]string{"id": id})
}

func (p *Provider) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	p.count("PostMessage")
	var req struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.threads[id]; !ok {
		writeError(w, http.StatusNotFound, "no such thread")
		return
	}
	p.threads[id] = append(p.threads[id], ThreadMessage{Role: req.Role, Content: req.Content})
	writeJSON(w, map[string]string{"id": p.nextID("msg")})
}

func (p *Provider) handleListMessages(w http.ResponseWriter, r *http.Request) {
	p.count("ListMessages")
	id := chi.URLParam(r, "id")
	p.mu.Lock()
	msgs := append([]ThreadMessage(nil), p.threads[id]...)
	p.mu.Unlock()

	type textPart struct {
		Type string            `json:"type"`
		Text map[string]string `json:"text"`
	}
	data := make([]map[string]any, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		data = append(data, map[string]any{
			"id":         fmt.Sprintf("msg_%s_%d", id, i),
			"role":       msgs[i].Role,
			"created_at": i,
			"content":    []textPart{{Type: "text", Text: map[string]string{"value": msgs[i].Content}}},
		})
	}
	writeJSON(w, map[string]any{"data": data})
}

func (p *Provider) handleStartRun(w http.ResponseWriter, r *http.Request) {
	p.count("StartRun")
	var req struct {
		AssistantID string `json:"assistant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	threadID := chi.URLParam(r, "id")
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.agents[req.AssistantID]; !ok {
		writeError(w, http.StatusNotFound, "no such assistant")
		return
	}
	if _, ok := p.threads[threadID]; !ok {
		writeError(w, http.StatusNotFound, "no such thread")
		return
	}
	id := p.nextID("run")
	p.runs[id] = &run{threadID: threadID}
	writeJSON(w, map[string]string{"id": id, "thread_id": threadID, "status": string(aiservice.RunQueued)})
}

func (p *Provider) handleGetRun(w http.ResponseWriter, r *http.Request) {
	p.count("GetRunStatus")
	threadID, runID := chi.URLParam(r, "id"), chi.URLParam(r, "run")

	p.mu.Lock()
	defer p.mu.Unlock()
	rs, ok := p.runs[runID]
	if !ok || rs.threadID != threadID {
		writeError(w, http.StatusNotFound, "no such run")
		return
	}

	status := aiservice.RunCompleted
	if rs.cancelled {
		status = aiservice.RunCancelled
	} else if n := len(p.RunStatuses); n > 0 {
		idx := rs.polls
		if idx >= n {
			idx = n - 1
		}
		status = p.RunStatuses[idx]
	}
	rs.polls++

	if status == aiservice.RunCompleted && !rs.replied && p.Reply != "" {
		p.threads[threadID] = append(p.threads[threadID], ThreadMessage{Role: "assistant", Content: p.Reply})
		rs.replied = true
	}

	resp := map[string]any{"id": runID, "thread_id": threadID, "status": string(status)}
	if status == aiservice.RunFailed && p.RunErrorMessage != "" {
		resp["last_error"] = map[string]string{"code": "server_error", "message": p.RunErrorMessage}
	}
	writeJSON(w, resp)
}

func (p *Provider) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	p.count("CancelRun")
	threadID, runID := chi.URLParam(r, "id"), chi.URLParam(r, "run")

	p.mu.Lock()
	defer p.mu.Unlock()
	rs, ok := p.runs[runID]
	if !ok || rs.threadID != threadID {
		writeError(w, http.StatusNotFound, "no such run")
		return
	}
	rs.cancelled = true
	writeJSON(w, map[string]string{"id": runID, "thread_id": threadID, "status": string(aiservice.RunCancelling)})
}
