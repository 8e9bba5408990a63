// Package errkind defines the closed set of error classifications visible
// in audit entries, metrics, and stage outputs.
package errkind

import "errors"

// Kind is one of the error taxonomy values from the incident pipeline design.
type Kind string

const (
	BadInput        Kind = "BadInput"
	BadArgs         Kind = "BadArgs"
	UnknownTool     Kind = "UnknownTool"
	ToolExecError   Kind = "ToolExecError"
	Denied          Kind = "Denied"
	AutoRejected    Kind = "AutoRejected"
	BudgetExceeded  Kind = "BudgetExceeded"
	Deadline        Kind = "Deadline"
	LLMUnavailable  Kind = "LLMUnavailable"
	MemoryUnavail   Kind = "MemoryUnavailable"
	Cancelled       Kind = "Cancelled"
	Internal        Kind = "Internal"
)

// Sentinel errors so callers can classify with errors.Is while still
// carrying a dynamic message via fmt.Errorf("%w: ...").
var (
	ErrUnknownTool    = errors.New("unknown tool")
	ErrBadArgs        = errors.New("invalid tool arguments")
	ErrToolExec       = errors.New("tool execution failed")
	ErrDenied         = errors.New("approval denied")
	ErrAutoRejected   = errors.New("approval auto-rejected")
	ErrBudgetExceeded = errors.New("stage budget exceeded")
	ErrDeadline       = errors.New("incident deadline exceeded")
	ErrLLMUnavailable = errors.New("llm unavailable")
	ErrMemoryUnavail  = errors.New("memory unavailable")
	ErrCancelled      = errors.New("cancelled")
	ErrInternal       = errors.New("internal invariant violation")
)

// Of maps a sentinel error to its Kind. Unknown errors classify as Internal.
func Of(err error) Kind {
	switch {
	case errors.Is(err, ErrUnknownTool):
		return UnknownTool
	case errors.Is(err, ErrBadArgs):
		return BadArgs
	case errors.Is(err, ErrToolExec):
		return ToolExecError
	case errors.Is(err, ErrDenied):
		return Denied
	case errors.Is(err, ErrAutoRejected):
		return AutoRejected
	case errors.Is(err, ErrBudgetExceeded):
		return BudgetExceeded
	case errors.Is(err, ErrDeadline):
		return Deadline
	case errors.Is(err, ErrLLMUnavailable):
		return LLMUnavailable
	case errors.Is(err, ErrMemoryUnavail):
		return MemoryUnavail
	case errors.Is(err, ErrCancelled):
		return Cancelled
	default:
		return Internal
	}
}
