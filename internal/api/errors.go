package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/assistd/internal/aiservice"
	"github.com/kalambet/assistd/internal/assistant"
	"github.com/kalambet/assistd/internal/conversation"
	"github.com/kalambet/assistd/internal/tenant"
)

// InvalidActionError reports an unrecognized action selector.
type InvalidActionError struct {
	Action string
}

func (e *InvalidActionError) Error() string {
	if e.Action == "" {
		return "action is required"
	}
	return fmt.Sprintf("unknown action %q", e.Action)
}

// ValidationError reports a malformed or incomplete payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func missing(field string) error {
	return &ValidationError{Field: field, Reason: "is required"}
}

// classify maps an error to an HTTP status and envelope type.
func classify(err error) (int, string) {
	var (
		invalidAction *InvalidActionError
		validation    *ValidationError
		runFailed     *conversation.RunFailedError
		runTimeout    *conversation.RunTimeoutError
		provisioning  *assistant.ProvisioningError
		service       *aiservice.ServiceError
	)
	switch {
	case errors.As(err, &invalidAction):
		return http.StatusBadRequest, "invalid_action"
	case errors.As(err, &validation), errors.Is(err, tenant.ErrInvalidDepartment), errors.Is(err, conversation.ErrEmptyMessage):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, tenant.ErrNotProvisioned):
		return http.StatusNotFound, "not_provisioned"
	case errors.Is(err, tenant.ErrTenantNotFound):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &runFailed):
		return http.StatusBadGateway, "run_failed"
	case errors.As(err, &runTimeout):
		return http.StatusGatewayTimeout, "run_timeout"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "deadline_exceeded"
	case errors.As(err, &provisioning), errors.As(err, &service):
		return http.StatusBadGateway, "upstream_error"
	}
	return http.StatusInternalServerError, "api_error"
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, errType := classify(err)
	if code >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	httpError(w, code, errType, "%s", err.Error())
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
