package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/assistd/internal/tenant"
)

// Action names accepted by POST /v1/actions.
const (
	ActionCreateAssistant = "create_assistant"
	ActionUploadDocuments = "upload_documents"
	ActionChat            = "chat"
)

// Action is one of CreateAssistantAction, UploadDocumentsAction or ChatAction.
type Action interface {
	action()
}

// DocumentInput is a document carried inline in a request.
type DocumentInput struct {
	Name      string `json:"name"`
	Content   string `json:"content"`
	MediaType string `json:"media_type"`
	IsImage   *bool  `json:"is_image,omitempty"`
}

// CreateAssistantAction provisions the department agent, optionally with an
// initial batch of documents.
type CreateAssistantAction struct {
	TenantID   string
	Department tenant.Department
	Documents  []tenant.Document
}

// UploadDocumentsAction trains an existing agent.
type UploadDocumentsAction struct {
	TenantID     string
	Department   tenant.Department
	Documents    []tenant.Document
	BusinessInfo string
	WebsiteURL   string
}

// ChatAction sends one message to the department agent.
type ChatAction struct {
	TenantID   string
	Department tenant.Department
	Message    string
}

func (CreateAssistantAction) action() {}
func (UploadDocumentsAction) action() {}
func (ChatAction) action() {}

type envelope struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type actionPayload struct {
	TenantID     string          `json:"tenant_id"`
	Department   string          `json:"department"`
	Documents    []DocumentInput `json:"documents"`
	BusinessInfo string          `json:"business_info"`
	WebsiteURL   string          `json:"website_url"`
	Message      string          `json:"message"`
}

// decodeAction turns an envelope into its typed variant.
func decodeAction(env envelope) (Action, error) {
	switch env.Action {
	case ActionCreateAssistant, ActionUploadDocuments, ActionChat:
	default:
		return nil, &InvalidActionError{Action: env.Action}
	}

	var p actionPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("is malformed: %v", err)}
		}
	}
	return p.toAction(env.Action)
}

func (p actionPayload) toAction(name string) (Action, error) {
	if strings.TrimSpace(p.TenantID) == "" {
		return nil, missing("tenant_id")
	}
	if p.Department == "" {
		return nil, missing("department")
	}
	dept, err := tenant.ParseDepartment(p.Department)
	if err != nil {
		return nil, err
	}

	switch name {
	case ActionCreateAssistant:
		docs, err := toDocuments(p.Documents)
		if err != nil {
			return nil, err
		}
		return CreateAssistantAction{TenantID: p.TenantID, Department: dept, Documents: docs}, nil

	case ActionUploadDocuments:
		if p.Documents == nil {
			return nil, missing("documents")
		}
		docs, err := toDocuments(p.Documents)
		if err != nil {
			return nil, err
		}
		return UploadDocumentsAction{
			TenantID:     p.TenantID,
			Department:   dept,
			Documents:    docs,
			BusinessInfo: p.BusinessInfo,
			WebsiteURL:   p.WebsiteURL,
		}, nil

	case ActionChat:
		if strings.TrimSpace(p.Message) == "" {
			return nil, missing("message")
		}
		return ChatAction{TenantID: p.TenantID, Department: dept, Message: p.Message}, nil
	}
	return nil, &InvalidActionError{Action: name}
}

func toDocuments(in []DocumentInput) ([]tenant.Document, error) {
	docs := make([]tenant.Document, 0, len(in))
	for i, d := range in {
		if d.Name == "" {
			return nil, missing(fmt.Sprintf("documents[%d].name", i))
		}
		content, err := base64.StdEncoding.DecodeString(d.Content)
		if err != nil {
			return nil, &ValidationError{Field: fmt.Sprintf("documents[%d].content", i), Reason: "is not valid base64"}
		}
		mediaType := d.MediaType
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		isImage := strings.HasPrefix(mediaType, "image/")
		if d.IsImage != nil {
			isImage = *d.IsImage
		}
		docs = append(docs, tenant.Document{
			Name:      d.Name,
			Content:   content,
			MediaType: mediaType,
			IsImage:   isImage,
			Origin:    tenant.OriginUpload,
		})
	}
	return docs, nil
}
