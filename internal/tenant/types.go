package tenant

import (
	"fmt"
	"strings"
	"time"
)

// Tenant is a business account using the platform.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Department namespaces assistants within a tenant.
type Department string

const (
	SocialMedia     Department = "social_media"
	Finance         Department = "finance"
	Sales           Department = "sales"
	Marketing       Department = "marketing"
	CustomerService Department = "customer_service"
	Custom          Department = "custom"
)

// Departments lists every known department in display order.
var Departments = []Department{SocialMedia, Finance, Sales, Marketing, CustomerService, Custom}

// ParseDepartment normalizes s ("Customer-Service", "customer_service", ...) into
// a known Department.
func ParseDepartment(s string) (Department, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	for _, d := range Departments {
		if string(d) == norm {
			return d, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDepartment, s)
}

// Registration binds a (tenant, department) pair to an external agent.
type Registration struct {
	TenantID      string     `json:"tenant_id"`
	Department    Department `json:"department"`
	AgentID       string     `json:"agent_id"`
	VectorStoreID string     `json:"vector_store_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Config is the tenant configuration view: the tenant plus its assistants
// keyed by department.
type Config struct {
	Tenant     Tenant                      `json:"tenant"`
	Assistants map[Department]Registration `json:"assistants"`
}

// Origin records where a Document came from.
type Origin string

const (
	OriginUpload       Origin = "upload"
	OriginBusinessInfo Origin = "business_info"
	OriginWebsite      Origin = "website"
)

// Document is one unit of training material. It is never persisted.
type Document struct {
	Name      string
	Content   []byte
	MediaType string
	IsImage   bool
	Origin    Origin
}

// TextDocument builds a synthetic text/plain document.
func TextDocument(name, text string, origin Origin) Document {
	return Document{
		Name:      name,
		Content:   []byte(text),
		MediaType: "text/plain",
		Origin:    origin,
	}
}
