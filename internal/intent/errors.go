package intent

import (
	"errors"
	"fmt"
)

var (
	ErrReservedName = errors.New("intent name is reserved")
	ErrEmptyName    = errors.New("intent name is empty")
	ErrNoSchema     = errors.New("intent schema is required")
)

// ConfigurationError reports an invalid registration.
type ConfigurationError struct {
	Name string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("register intent %q: %v", e.Name, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ValidationError reports parameters that do not match a declared schema.
// Sessions drop the offending candidate and keep going.
type ValidationError struct {
	Intent string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid parameters for %s: %s", e.Intent, e.Reason)
	}
	return fmt.Sprintf("invalid parameters for %s: %s: %s", e.Intent, e.Field, e.Reason)
}
