package site

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no site exists for the given id or slug.
	ErrNotFound = errors.New("site not found")
	// ErrSlugTaken indicates another site already owns the slug.
	ErrSlugTaken = errors.New("slug already taken")
	// ErrPlanLimit indicates the owner's plan does not allow the operation.
	ErrPlanLimit = errors.New("plan limit reached")
)

// ValidationError reports invalid user input for a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func validationErrorf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
