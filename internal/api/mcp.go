package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const tenantResourceTemplate = "tenant://{id}/assistants"

// NewMCPServer creates an MCP server exposing the action table as tools and
// each tenant's assistants as a resource.
func NewMCPServer(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"assistd",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("assistd provisions department assistants for a business, trains them on its documents and relays chat messages to them."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool(ActionCreateAssistant,
			mcp.WithDescription("Create the assistant for a tenant department. Returns the existing one if already provisioned."),
			mcp.WithString("tenant_id", mcp.Description("Tenant identifier"), mcp.Required()),
			mcp.WithString("department", mcp.Description("social_media, finance, sales, marketing, customer_service or custom"), mcp.Required()),
			mcp.WithString("documents", mcp.Description(`Optional JSON array of {name, content (base64), media_type, is_image}`)),
		),
		mcpAction(deps, ActionCreateAssistant),
	)

	s.AddTool(
		mcp.NewTool(ActionUploadDocuments,
			mcp.WithDescription("Train a provisioned assistant on documents, a business description and a website."),
			mcp.WithString("tenant_id", mcp.Description("Tenant identifier"), mcp.Required()),
			mcp.WithString("department", mcp.Description("Department of the assistant"), mcp.Required()),
			mcp.WithString("documents", mcp.Description(`JSON array of {name, content (base64), media_type, is_image}`)),
			mcp.WithString("business_info", mcp.Description("Free-text description of the business")),
			mcp.WithString("website_url", mcp.Description("Business website to summarize")),
		),
		mcpAction(deps, ActionUploadDocuments),
	)

	s.AddTool(
		mcp.NewTool(ActionChat,
			mcp.WithDescription("Send a message to a department assistant and return its reply."),
			mcp.WithString("tenant_id", mcp.Description("Tenant identifier"), mcp.Required()),
			mcp.WithString("department", mcp.Description("Department of the assistant"), mcp.Required()),
			mcp.WithString("message", mcp.Description("The user's message"), mcp.Required()),
		),
		mcpAction(deps, ActionChat),
	)

	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			tenantResourceTemplate,
			"Tenant Assistants",
			mcp.WithTemplateDescription("Assistants registered for a tenant, keyed by department"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		mcpResourceAssistants(deps),
	)

	return s
}

func mcpAction(deps Deps, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p := actionPayload{
			TenantID:     req.GetString("tenant_id", ""),
			Department:   req.GetString("department", ""),
			BusinessInfo: req.GetString("business_info", ""),
			WebsiteURL:   req.GetString("website_url", ""),
			Message:      req.GetString("message", ""),
		}
		if raw := req.GetString("documents", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &p.Documents); err != nil {
				return mcpError(fmt.Sprintf("invalid documents JSON: %v", err)), nil
			}
		} else if name == ActionUploadDocuments {
			p.Documents = []DocumentInput{}
		}

		act, err := p.toAction(name)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		_, body, err := perform(ctx, deps, act)
		if err != nil {
			_, errType := classify(err)
			return mcpError(fmt.Sprintf("%s: %v", errType, err)), nil
		}

		if c, ok := body.(chatResponse); ok {
			return mcpText(c.Reply), nil
		}
		b, err := json.Marshal(body)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceAssistants(deps Deps) server.ResourceTemplateHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		tenantID, ok := tenantFromURI(req.Params.URI)
		if !ok {
			return nil, fmt.Errorf("unrecognized resource %q", req.Params.URI)
		}
		cfg, err := deps.Tenants.ReadTenantConfig(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("reading tenant %s: %w", tenantID, err)
		}

		b, err := json.Marshal(cfg.Assistants)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal assistants: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// tenantFromURI extracts the id from tenant://{id}/assistants.
func tenantFromURI(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, "tenant://")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/assistants")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
