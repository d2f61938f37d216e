package store

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input rejected at the API boundary
// before any persistence happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrNoEligibleAgent is returned when weighted scoring finds no scorable
// agent. Callers park the task in blocked rather than failing it.
var ErrNoEligibleAgent = errors.New("no eligible agent available")
