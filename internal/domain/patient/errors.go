package patient

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("patient not found")
	ErrInvalidID        = errors.New("invalid patient id")
	ErrStoreUnavailable = errors.New("patient store unavailable")
)

// FieldError names one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned for malformed input and for store-level
// constraint violations.
type ValidationError struct {
	Fields []FieldError
	cause  error
}

func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns nil when no field was rejected.
func (e *ValidationError) OrNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Field == "" {
			parts = append(parts, f.Message)
			continue
		}
		parts = append(parts, f.Field+" "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return e.cause }

func newValidationError(field, message string, cause error) *ValidationError {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: message}}, cause: cause}
}

// constraintError maps a store constraint failure to a fixed client message.
// detail is the constraint name or driver text used only to pick the column;
// the driver error stays reachable through Unwrap.
func constraintError(detail string, cause error) *ValidationError {
	switch {
	case strings.Contains(detail, "clinical_data"):
		return newValidationError("clinicalData", "must be an array of observations", cause)
	case strings.Contains(detail, "name"):
		return newValidationError("name", "must not be blank", cause)
	case strings.Contains(detail, "age"):
		return newValidationError("age", "must be between 0 and 150", cause)
	}
	return newValidationError("", "violates a data constraint", cause)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// ParseID parses a patient identifier. Malformed identifiers yield ErrInvalidID.
func ParseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	return id, nil
}
