package engine

import "fmt"

// ValidationError reports malformed or out-of-range input.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) ValidationError {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError reports a status move the lifecycle does not allow.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid request status transition %s -> %s", e.From, e.To)
}

// StateConflictError reports an operation that clashes with the ticket's
// current state, such as opening a second active request.
type StateConflictError struct {
	Msg       string
	RequestID string
}

func (e StateConflictError) Error() string { return e.Msg }

// AssignConflictError reports an assignment race lost to another valet.
type AssignConflictError struct {
	RequestID  string
	AssignedTo string
}

func (e AssignConflictError) Error() string {
	return fmt.Sprintf("request %s already assigned to %s", e.RequestID, e.AssignedTo)
}

// CooldownError reports an operation retried faster than its cooldown.
type CooldownError struct {
	Msg          string
	RetryAfterMS int64
}

func (e CooldownError) Error() string { return e.Msg }
