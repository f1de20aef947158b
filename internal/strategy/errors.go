package strategy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/syncq/internal/schema"
)

// ValidationError is a permanent structural defect in a payload.
type ValidationError struct {
	EntityType string             `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	Violations []schema.Violation `json:"violations"`
}

// NewValidationError builds a ValidationError for one entity.
func NewValidationError(entityType, entityID string, violations ...schema.Violation) *ValidationError {
	return &ValidationError{
		EntityType: entityType,
		EntityID:   entityID,
		Violations: violations,
	}
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("invalid %s/%s: %s", e.EntityType, e.EntityID, strings.Join(parts, "; "))
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
