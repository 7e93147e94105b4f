package aiservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClientWithBaseURL("test-key", srv.URL)
	c.initialBackoff = time.Millisecond
	return c
}

func TestHeaders(t *testing.T) {
	var gotAuth, gotBeta, gotCT string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBeta = r.Header.Get("OpenAI-Beta")
		gotCT = r.Header.Get("Content-Type")
		fmt.Fprint(w, `{"id":"thread_1"}`)
	})

	if _, err := c.CreateThread(context.Background()); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBeta != "assistants=v2" {
		t.Errorf("OpenAI-Beta = %q", gotBeta)
	}
	if gotCT != "application/json" {
		t.Errorf("Content-Type = %q", gotCT)
	}
}

func TestCreateAgent_RetrievalTool(t *testing.T) {
	var body createAssistantRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/assistants" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprint(w, `{"id":"asst_123"}`)
	})

	id, err := c.CreateAgent(context.Background(), AgentSpec{
		Name: "Bakery finance", Instructions: "Be helpful.", Model: "gpt-4o", Retrieval: true,
	})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if id != "asst_123" {
		t.Errorf("id = %q", id)
	}
	if len(body.Tools) != 1 || body.Tools[0].Type != "file_search" {
		t.Errorf("tools = %+v, want file_search", body.Tools)
	}
	if body.Model != "gpt-4o" || body.Instructions != "Be helpful." {
		t.Errorf("body = %+v", body)
	}
}

func TestCreateAgent_NotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"overloaded"}}`)
	})

	_, err := c.CreateAgent(context.Background(), AgentSpec{Name: "x"})
	var se *ServiceError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *ServiceError", err)
	}
	if se.Status != http.StatusServiceUnavailable || se.Message != "overloaded" {
		t.Errorf("ServiceError = %+v", se)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestUploadFile_Multipart(t *testing.T) {
	var purpose, filename, ctype, content string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
		}
		purpose = r.FormValue("purpose")
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer f.Close()
		filename = hdr.Filename
		ctype = hdr.Header.Get("Content-Type")
		b, _ := io.ReadAll(f)
		content = string(b)
		fmt.Fprint(w, `{"id":"file_9"}`)
	})

	id, err := c.UploadFile(context.Background(), "budget.txt", []byte("Q3 budget"), "text/plain")
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if id != "file_9" {
		t.Errorf("id = %q", id)
	}
	if purpose != "assistants" || filename != "budget.txt" || ctype != "text/plain" || content != "Q3 budget" {
		t.Errorf("got purpose=%q filename=%q ctype=%q content=%q", purpose, filename, ctype, content)
	}
}

func TestUploadFile_Rejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, "unsupported file")
	})

	_, err := c.UploadFile(context.Background(), "x.bin", []byte{0}, "")
	var se *ServiceError
	if !errors.As(err, &se) || se.Message != "unsupported file" {
		t.Fatalf("err = %v, want ServiceError with raw body", err)
	}
}

func TestBindStoreToAgent_Payload(t *testing.T) {
	var body updateAssistantRequest
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprint(w, `{"id":"asst_1"}`)
	})

	if err := c.BindStoreToAgent(context.Background(), "asst_1", "vs_1"); err != nil {
		t.Fatalf("BindStoreToAgent: %v", err)
	}
	if path != "/assistants/asst_1" {
		t.Errorf("path = %q", path)
	}
	ids := body.ToolResources.FileSearch.VectorStoreIDs
	if len(ids) != 1 || ids[0] != "vs_1" {
		t.Errorf("vector_store_ids = %v", ids)
	}
}

func TestCancelRun_Path(t *testing.T) {
	var method, path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		fmt.Fprint(w, `{"id":"run_1","status":"cancelling"}`)
	})

	if err := c.CancelRun(context.Background(), "thread_1", "run_1"); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if method != http.MethodPost || path != "/threads/thread_1/runs/run_1/cancel" {
		t.Errorf("request = %s %s", method, path)
	}
}

func TestGetRunStatus_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"id":"run_1","thread_id":"thread_1","status":"completed"}`)
	})

	run, err := c.GetRunStatus(context.Background(), "thread_1", "run_1")
	if err != nil {
		t.Fatalf("GetRunStatus: %v", err)
	}
	if run.Status != RunCompleted {
		t.Errorf("status = %q", run.Status)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestGetRunStatus_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.GetRunStatus(context.Background(), "thread_1", "run_1")
	var se *ServiceError
	if !errors.As(err, &se) || se.Status != http.StatusTooManyRequests {
		t.Fatalf("err = %v, want 429 ServiceError", err)
	}
	if n := calls.Load(); n != maxRetries+1 {
		t.Errorf("calls = %d, want %d", n, maxRetries+1)
	}
}

func TestGetRunStatus_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetRunStatus(context.Background(), "thread_1", "run_1")
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestGetRunStatus_LastError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"run_1","status":"failed","last_error":{"code":"server_error","message":"model crashed"}}`)
	})

	run, err := c.GetRunStatus(context.Background(), "thread_1", "run_1")
	if err != nil {
		t.Fatalf("GetRunStatus: %v", err)
	}
	if run.LastError == nil || run.LastError.Message != "model crashed" {
		t.Errorf("LastError = %+v", run.LastError)
	}
}

func TestContextDeadline(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.ListMessages(ctx, "thread_1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestListMessages_ConcatenatesText(t *testing.T) {
	var query string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		fmt.Fprint(w, `{"data":[
			{"id":"msg_2","role":"assistant","created_at":2,"content":[
				{"type":"text","text":{"value":"Your budget "}},
				{"type":"image_file"},
				{"type":"text","text":{"value":"is on track."}}]},
			{"id":"msg_1","role":"user","created_at":1,"content":[{"type":"text","text":{"value":"How is my budget?"}}]}
		]}`)
	})

	msgs, err := c.ListMessages(context.Background(), "thread_1")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if query != "order=desc" {
		t.Errorf("query = %q", query)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Role != "assistant" || msgs[0].Content != "Your budget is on track." {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
}

func TestDeleteVectorStore_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/vector_stores/vs_old" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"id":"vs_old","deleted":true}`)
	})

	if err := c.DeleteVectorStore(context.Background(), "vs_old"); err != nil {
		t.Fatalf("DeleteVectorStore: %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", time.Second},
		{"2", 2 * time.Second},
		{"600", maxRetryAfter},
		{"soon", time.Second},
	}
	for _, tt := range tests {
		resp := &http.Response{Header: http.Header{}}
		if tt.header != "" {
			resp.Header.Set("Retry-After", tt.header)
		}
		if got := retryAfter(resp, time.Second); got != tt.want {
			t.Errorf("retryAfter(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	terminal := map[RunStatus]bool{
		RunQueued: false, RunInProgress: false, RunRequiresAction: false, RunCancelling: false,
		RunCompleted: true, RunFailed: true, RunCancelled: true, RunExpired: true, RunIncomplete: true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
		if got := s.Succeeded(); got != (s == RunCompleted) {
			t.Errorf("%s.Succeeded() = %v", s, got)
		}
	}
}
