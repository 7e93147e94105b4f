package aiservice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// CreateAgent creates an assistant and returns its id.
func (c *Client) CreateAgent(ctx context.Context, spec AgentSpec) (string, error) {
	payload := createAssistantRequest{
		Name:         spec.Name,
		Instructions: spec.Instructions,
		Model:        spec.Model,
	}
	if spec.Retrieval {
		payload.Tools = []toolSpec{{Type: "file_search"}}
	}
	r, err := jsonRequest("CreateAgent", http.MethodPost, "/assistants", payload)
	if err != nil {
		return "", err
	}
	var out idResponse
	if err := c.do(ctx, r, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("CreateAgent: provider returned empty id")
	}
	return out.ID, nil
}

// CreateVectorStore creates an empty document index named label.
func (c *Client) CreateVectorStore(ctx context.Context, label string) (string, error) {
	r, err := jsonRequest("CreateVectorStore", http.MethodPost, "/vector_stores", createVectorStoreRequest{Name: label})
	if err != nil {
		return "", err
	}
	var out idResponse
	if err := c.do(ctx, r, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("CreateVectorStore: provider returned empty id")
	}
	return out.ID, nil
}

// UploadFile uploads one document for retrieval use and returns the file id.
func (c *Client) UploadFile(ctx context.Context, name string, data []byte, mediaType string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("purpose", "assistants"); err != nil {
		return "", fmt.Errorf("writing purpose field: %w", err)
	}

	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(name)))
	h.Set("Content-Type", mediaType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("creating file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("writing file part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("closing multipart body: %w", err)
	}

	r := request{
		op:          "UploadFile",
		method:      http.MethodPost,
		path:        "/files",
		body:        buf.Bytes(),
		contentType: mw.FormDataContentType(),
	}
	var out idResponse
	if err := c.do(ctx, r, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("UploadFile: provider returned empty id")
	}
	return out.ID, nil
}

// AttachFilesToStore adds uploaded files to a vector store in one batch.
func (c *Client) AttachFilesToStore(ctx context.Context, storeID string, fileIDs []string) error {
	if len(fileIDs) == 0 {
		return errors.New("AttachFilesToStore: no file ids")
	}
	r, err := jsonRequest("AttachFilesToStore", http.MethodPost,
		"/vector_stores/"+url.PathEscape(storeID)+"/file_batches", fileBatchRequest{FileIDs: fileIDs})
	if err != nil {
		return err
	}
	return c.do(ctx, r, nil)
}

// BindStoreToAgent makes storeID the agent's only retrieval source.
func (c *Client) BindStoreToAgent(ctx context.Context, agentID, storeID string) error {
	payload := updateAssistantRequest{
		ToolResources: toolResources{FileSearch: fileSearchResources{VectorStoreIDs: []string{storeID}}},
	}
	r, err := jsonRequest("BindStoreToAgent", http.MethodPost, "/assistants/"+url.PathEscape(agentID), payload)
	if err != nil {
		return err
	}
	return c.do(ctx, r, nil)
}

// DeleteVectorStore removes a vector store. Retried on transient failures.
func (c *Client) DeleteVectorStore(ctx context.Context, storeID string) error {
	r := request{
		op:     "DeleteVectorStore",
		method: http.MethodDelete,
		path:   "/vector_stores/" + url.PathEscape(storeID),
		retry:  true,
	}
	return c.do(ctx, r, nil)
}

// CreateThread opens an empty conversation thread.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	r, err := jsonRequest("CreateThread", http.MethodPost, "/threads", struct{}{})
	if err != nil {
		return "", err
	}
	var out idResponse
	if err := c.do(ctx, r, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("CreateThread: provider returned empty id")
	}
	return out.ID, nil
}

// PostMessage appends a message to a thread.
func (c *Client) PostMessage(ctx context.Context, threadID, role, content string) error {
	r, err := jsonRequest("PostMessage", http.MethodPost,
		"/threads/"+url.PathEscape(threadID)+"/messages", createMessageRequest{Role: role, Content: content})
	if err != nil {
		return err
	}
	return c.do(ctx, r, nil)
}

// StartRun asks the agent to process the thread.
func (c *Client) StartRun(ctx context.Context, threadID, agentID string) (Run, error) {
	r, err := jsonRequest("StartRun", http.MethodPost,
		"/threads/"+url.PathEscape(threadID)+"/runs", createRunRequest{AssistantID: agentID})
	if err != nil {
		return Run{}, err
	}
	var run Run
	if err := c.do(ctx, r, &run); err != nil {
		return Run{}, err
	}
	if run.ID == "" {
		return Run{}, errors.New("StartRun: provider returned empty id")
	}
	if run.ThreadID == "" {
		run.ThreadID = threadID
	}
	return run, nil
}

// GetRunStatus fetches the current state of a run.
func (c *Client) GetRunStatus(ctx context.Context, threadID, runID string) (Run, error) {
	r := request{
		op:     "GetRunStatus",
		method: http.MethodGet,
		path:   "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID),
		retry:  true,
	}
	var run Run
	if err := c.do(ctx, r, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// CancelRun asks the provider to stop a run that is still executing.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string) error {
	r, err := jsonRequest("CancelRun", http.MethodPost,
		"/threads/"+url.PathEscape(threadID)+"/runs/"+url.PathEscape(runID)+"/cancel", struct{}{})
	if err != nil {
		return err
	}
	return c.do(ctx, r, nil)
}

// ListMessages returns the thread's messages newest first, with text parts
// concatenated per message.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]Message, error) {
	r := request{
		op:     "ListMessages",
		method: http.MethodGet,
		path:   "/threads/" + url.PathEscape(threadID) + "/messages?order=desc",
		retry:  true,
	}
	var list messageList
	if err := c.do(ctx, r, &list); err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(list.Data))
	for _, d := range list.Data {
		var sb strings.Builder
		for _, part := range d.Content {
			if part.Type != "text" || part.Text == nil {
				continue
			}
			sb.WriteString(part.Text.Value)
		}
		msgs = append(msgs, Message{ID: d.ID, Role: d.Role, Content: sb.String(), CreatedAt: d.CreatedAt})
	}
	return msgs, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
