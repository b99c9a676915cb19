// Package tenant carries the validated tenant identity through request
// context. Every persistence call in the engine is scoped to a tenant; a
// missing or malformed tenant id fails closed before any I/O.
package tenant

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// contextKey is a private type for context keys to prevent collisions
type contextKey string

const tenantIDKey contextKey = "tenant_id"

var (
	// ErrNoTenantInContext is returned when tenant context is missing
	ErrNoTenantInContext = errors.New("no tenant in context")
	// ErrInvalidTenantID is returned for tenant ids that are not UUIDs
	ErrInvalidTenantID = errors.New("tenant id is not a valid UUID")
)

// Validate checks that a tenant id is a well-formed UUID.
func Validate(tenantID string) error {
	if tenantID == "" {
		return ErrNoTenantInContext
	}
	if _, err := uuid.Parse(tenantID); err != nil {
		return ErrInvalidTenantID
	}
	return nil
}

// WithTenantID adds the tenant ID to the context.
// This should be called by middleware after extracting the tenant from the
// gateway-set request headers.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantID extracts the tenant ID from context.
// Returns ErrNoTenantInContext if it is not found.
func TenantID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(tenantIDKey).(string)
	if !ok || id == "" {
		return "", ErrNoTenantInContext
	}
	return id, nil
}

// MustTenantID extracts the tenant ID from context and panics if not found.
// Use only in cases where a missing tenant is a programming error.
func MustTenantID(ctx context.Context) string {
	id, err := TenantID(ctx)
	if err != nil {
		panic("tenant ID not found in context")
	}
	return id
}
