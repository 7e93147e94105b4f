package aiservice

import "fmt"

// RunStatus is the provider-reported state of a run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
	RunIncomplete     RunStatus = "incomplete"
)

// Terminal reports whether polling should stop at this status.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired, RunIncomplete:
		return true
	}
	return false
}

// Succeeded reports whether the run produced a usable reply.
func (s RunStatus) Succeeded() bool {
	return s == RunCompleted
}

// AgentSpec describes an agent to create.
type AgentSpec struct {
	Name         string
	Instructions string
	Model        string

	// Retrieval enables the file_search tool so bound vector stores are consulted.
	Retrieval bool
}

// Run is one execution of an agent over a thread.
type Run struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Status    RunStatus `json:"status"`
	LastError *RunError `json:"last_error,omitempty"`
}

// RunError is the provider's explanation for a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is a flattened thread message.
type Message struct {
	ID        string
	Role      string
	Content   string
	CreatedAt int64
}

// ServiceError is a non-2xx response from the provider.
type ServiceError struct {
	Status  int
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("ai service error (HTTP %d): %s", e.Status, e.Message)
}

// HTTPStatusCode exposes the status for retry classification.
func (e *ServiceError) HTTPStatusCode() int { return e.Status }

// wire types

type toolSpec struct {
	Type string `json:"type"`
}

type createAssistantRequest struct {
	Name         string     `json:"name"`
	Instructions string     `json:"instructions"`
	Model        string     `json:"model"`
	Tools        []toolSpec `json:"tools,omitempty"`
}

type idResponse struct {
	ID string `json:"id"`
}

type fileSearchResources struct {
	VectorStoreIDs []string `json:"vector_store_ids"`
}

type toolResources struct {
	FileSearch fileSearchResources `json:"file_search"`
}

type updateAssistantRequest struct {
	ToolResources toolResources `json:"tool_resources"`
}

type createVectorStoreRequest struct {
	Name string `json:"name"`
}

type fileBatchRequest struct {
	FileIDs []string `json:"file_ids"`
}

type createMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type createRunRequest struct {
	AssistantID string `json:"assistant_id"`
}

type messageList struct {
	Data []struct {
		ID        string `json:"id"`
		Role      string `json:"role"`
		CreatedAt int64  `json:"created_at"`
		Content   []struct {
			Type string `json:"type"`
			Text *struct {
				Value string `json:"value"`
			} `json:"text,omitempty"`
		} `json:"content"`
	} `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
