package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/assistd/internal/aiservice/aiservicetest"
	"github.com/kalambet/assistd/internal/api"
	"github.com/kalambet/assistd/internal/config"
	"github.com/kalambet/assistd/internal/lock"
	"github.com/kalambet/assistd/internal/storage"
	"github.com/kalambet/assistd/internal/tenant"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

// useServer points every command at url for the duration of the test.
func useServer(t *testing.T, url string) {
	t.Helper()
	prev := newAPIClient
	newAPIClient = func() (*apiClient, error) {
		return &apiClient{baseURL: url, token: "test-token", httpClient: &http.Client{Timeout: 10 * time.Second}}, nil
	}
	t.Cleanup(func() { newAPIClient = prev })
}

// resetFlags restores defaults, since cobra commands are package globals.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the CLI and returns stdout and the status stream.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out, status bytes.Buffer
	prev := statusOut
	statusOut = &status
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		statusOut = prev
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), status.String(), err
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIngestCommand_SendsDocuments(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/tenants/acme/assistants/sales/documents": `{"processed_count":1,"failed":[],"skipped":[{"name":"logo.png","reason":"image"}],"vector_store_id":"vs_1"}`,
	})
	useServer(t, ts.server.URL)

	notes := writeFile(t, "notes.txt", []byte("We deliver on Tuesdays."))
	_, status, err := execute(t, "ingest", "acme", "sales", "--file", notes, "--business-info", "Soap maker")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" {
		t.Errorf("method = %q, want POST", r.Method)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body struct {
		Documents    []api.DocumentInput `json:"documents"`
		BusinessInfo string              `json:"business_info"`
	}
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body.BusinessInfo != "Soap maker" {
		t.Errorf("business_info = %q", body.BusinessInfo)
	}
	if len(body.Documents) != 1 {
		t.Fatalf("documents = %d, want 1", len(body.Documents))
	}
	doc := body.Documents[0]
	if doc.Name != "notes.txt" || doc.MediaType != "text/plain" {
		t.Errorf("document = %+v", doc)
	}
	decoded, _ := base64.StdEncoding.DecodeString(doc.Content)
	if string(decoded) != "We deliver on Tuesdays." {
		t.Errorf("content = %q", decoded)
	}

	if !strings.Contains(status, "Processed: 1") || !strings.Contains(status, "skipped logo.png: image") {
		t.Errorf("status output = %q", status)
	}
}

func TestIngestCommand_MissingArgs(t *testing.T) {
	_, _, err := execute(t, "ingest", "acme", "sales")
	if err == nil {
		t.Fatal("expected error for missing input")
	}
	if !strings.Contains(err.Error(), "required") {
		t.Errorf("error = %q, want it to mention 'required'", err.Error())
	}
}

func TestChatCommand_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"message":"no sales assistant for tenant acme","type":"not_provisioned"}}`))
	}))
	t.Cleanup(ts.Close)
	useServer(t, ts.URL)

	_, _, err := execute(t, "chat", "acme", "sales", "hello")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *apiError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Type != "not_provisioned" {
		t.Errorf("apiError = %+v", apiErr)
	}
}

func TestDecodeJSON_NonEnvelopeError(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusBadGateway)
	rec.Body.WriteString("upstream down")

	err := decodeJSON(rec.Result(), &struct{}{})
	if err == nil || !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "upstream down") {
		t.Errorf("error = %v", err)
	}
}

func TestMediaTypeOf(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"logo.png", []byte("\x89PNG\r\n\x1a\n"), "image/png"},
		{"report.pdf", []byte("%PDF-1.7"), "application/pdf"},
		{"README", []byte("plain words"), "text/plain"},
		{"blob.unknownext", []byte{0x00, 0x01, 0x02, 0xff}, "application/octet-stream"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mediaTypeOf(tt.name, tt.data); got != tt.want {
				t.Errorf("mediaTypeOf(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestAssistantPath(t *testing.T) {
	if got := assistantPath("acme co", "sales", "chat"); got != "/v1/tenants/acme%20co/assistants/sales/chat" {
		t.Errorf("assistantPath = %q", got)
	}
	if got := assistantPath("acme", "finance", ""); got != "/v1/tenants/acme/assistants/finance" {
		t.Errorf("assistantPath = %q", got)
	}
}

func TestPIDFile(t *testing.T) {
	path := pidFilePath(filepath.Join(t.TempDir(), "data"))
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil || pid != os.Getpid() {
		t.Errorf("readPIDFile = %d, %v; want %d", pid, err, os.Getpid())
	}
	removePIDFile(path)
	if _, err := readPIDFile(path); err == nil {
		t.Error("PID file still present after remove")
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	store, err := openStore(context.Background(), config.StoreConfig{Driver: config.DriverSQLite, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer store.Close()

	if err := store.UpsertTenant(context.Background(), tenant.Tenant{ID: "acme", Name: "Acme"}); err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}
}

func TestNewLocker_DefaultsToInProcess(t *testing.T) {
	l, closeFn, err := newLocker(context.Background(), config.LockConfig{})
	if err != nil {
		t.Fatalf("newLocker: %v", err)
	}
	defer closeFn()
	if _, ok := l.(*lock.Keyed); !ok {
		t.Errorf("locker = %T, want *lock.Keyed", l)
	}
}

// startAssistd serves the fully wired router against a fake provider.
func startAssistd(t *testing.T) *aiservicetest.Provider {
	t.Helper()
	p := aiservicetest.New(t)
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Config{
		Server:       config.ServerConfig{APIToken: "test-token", RequestTimeout: 5 * time.Second},
		AI:           config.AIConfig{BaseURL: p.URL(), APIKey: "test-key", Model: "gpt-4o", Timeout: 5 * time.Second},
		Conversation: config.ConversationConfig{PollInterval: time.Millisecond, MaxWait: 2 * time.Second},
		Website:      config.WebsiteConfig{Timeout: time.Second},
		Ingest:       config.IngestConfig{UploadConcurrency: 2},
		Cleanup:      config.CleanupConfig{PollInterval: 10 * time.Millisecond},
	}
	svc := buildServices(cfg, store, lock.NewKeyed())

	srv := httptest.NewServer(api.NewRouter(svc.deps))
	t.Cleanup(srv.Close)
	useServer(t, srv.URL)
	return p
}

func TestCLI_ProvisionTrainChat(t *testing.T) {
	p := startAssistd(t)
	p.Reply = "We open at 9am."

	if _, status, err := execute(t, "tenant", "register", "acme", "--name", "Acme Soap"); err != nil {
		t.Fatalf("tenant register: %v", err)
	} else if !strings.Contains(status, "Registered tenant acme (Acme Soap)") {
		t.Errorf("register output = %q", status)
	}

	faq := writeFile(t, "faq.txt", []byte("Opening hours: 9am to 5pm."))
	logo := writeFile(t, "logo.png", []byte("\x89PNG\r\n\x1a\n"))
	_, status, err := execute(t, "provision", "acme", "customer-service", "--file", faq, "--file", logo)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if !strings.Contains(status, "Created customer-service assistant for acme") {
		t.Errorf("provision output = %q", status)
	}
	if !strings.Contains(status, "Processed: 1") {
		t.Errorf("provision output missing ingestion summary: %q", status)
	}
	if names := p.UploadedNames(); !slices.Equal(names, []string{"faq.txt"}) {
		t.Errorf("uploaded = %v, want [faq.txt]", names)
	}

	_, status, err = execute(t, "provision", "acme", "customer_service")
	if err != nil {
		t.Fatalf("second provision: %v", err)
	}
	if !strings.Contains(status, "already exists") {
		t.Errorf("second provision output = %q", status)
	}
	if got := p.Calls("CreateAgent"); got != 1 {
		t.Errorf("CreateAgent calls = %d, want 1", got)
	}

	out, _, err := execute(t, "chat", "acme", "customer_service", "When", "do", "you", "open?")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out != "We open at 9am.\n" {
		t.Errorf("chat output = %q", out)
	}

	out, _, err = execute(t, "tenant", "show", "acme", "--json")
	if err != nil {
		t.Fatalf("tenant show: %v", err)
	}
	var cfg tenant.Config
	if err := json.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("decoding tenant config: %v\n%s", err, out)
	}
	reg, ok := cfg.Assistants[tenant.CustomerService]
	if !ok || reg.AgentID == "" || reg.VectorStoreID == "" {
		t.Errorf("customer_service registration = %+v, %v", reg, ok)
	}
}

func TestCLI_ChatUnprovisioned(t *testing.T) {
	p := startAssistd(t)
	if _, _, err := execute(t, "tenant", "register", "acme"); err != nil {
		t.Fatalf("tenant register: %v", err)
	}

	_, _, err := execute(t, "chat", "acme", "sales", "hi")
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Type != "not_provisioned" {
		t.Fatalf("error = %v, want not_provisioned", err)
	}
	if got := p.Calls("CreateThread"); got != 0 {
		t.Errorf("CreateThread calls = %d, want 0", got)
	}
}
