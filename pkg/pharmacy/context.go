// Package pharmacy carries the pharmacy scope a request was resolved to.
// Tenant resolution (who may touch which pharmacy) happens upstream at the
// gateway; by the time a request reaches this service it is already scoped
// to exactly one pharmacy and the ledger trusts that scoping.
package pharmacy

import (
	"context"
	"errors"
)

// contextKey is a private type for context keys to prevent collisions
type contextKey string

const pharmacyIDKey contextKey = "pharmacy_id"

// ErrNoPharmacyInContext is returned when pharmacy scope is missing
var ErrNoPharmacyInContext = errors.New("no pharmacy in context")

// WithPharmacyID adds the pharmacy ID to the context.
// This should be called by middleware after extracting the scope headers.
func WithPharmacyID(ctx context.Context, pharmacyID string) context.Context {
	return context.WithValue(ctx, pharmacyIDKey, pharmacyID)
}

// PharmacyID extracts the pharmacy ID from context.
// Returns ErrNoPharmacyInContext if it is not set.
func PharmacyID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(pharmacyIDKey).(string)
	if !ok || id == "" {
		return "", ErrNoPharmacyInContext
	}
	return id, nil
}

// MustPharmacyID extracts the pharmacy ID from context and panics if not found.
// Use only in cases where a missing scope is a programming error.
func MustPharmacyID(ctx context.Context) string {
	id, err := PharmacyID(ctx)
	if err != nil {
		panic("pharmacy ID not found in context")
	}
	return id
}
