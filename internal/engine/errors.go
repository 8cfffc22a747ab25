package engine

import "fmt"

// ValidationError rejects malformed or inconsistent input. Field names the
// offending attribute when one can be singled out.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return e.Reason
}

// StateError rejects an operation invalid for the entity's current status.
type StateError struct {
	Reason string
}

func (e StateError) Error() string { return e.Reason }

// ConflictError signals a concurrent-use conflict; the caller may retry with
// fresh data.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string { return e.Reason }

// AuthorizationError signals the caller does not own the resource.
type AuthorizationError struct {
	Reason string
}

func (e AuthorizationError) Error() string { return e.Reason }
