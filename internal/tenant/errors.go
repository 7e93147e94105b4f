package tenant

import (
	"errors"
	"fmt"
)

var (
	// ErrNotProvisioned is matched by NotProvisionedError via errors.Is.
	ErrNotProvisioned = errors.New("assistant not provisioned")

	// ErrTenantNotFound is returned when the tenant record does not exist.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrInvalidDepartment is returned by ParseDepartment.
	ErrInvalidDepartment = errors.New("invalid department")
)

// NotProvisionedError reports a missing registration for a (tenant, department) pair.
type NotProvisionedError struct {
	TenantID   string
	Department Department
}

func (e *NotProvisionedError) Error() string {
	return fmt.Sprintf("no %s assistant provisioned for tenant %s", e.Department, e.TenantID)
}

func (e *NotProvisionedError) Is(target error) bool {
	return target == ErrNotProvisioned
}
