// Package taskerr defines the stable error surface of the engine.
// Every externally visible failure carries a machine code, a human
// message, a retry hint and suggested actions for the caller.
package taskerr

import (
	"errors"
	"fmt"
)

// Code families. The prefix identifies the handling policy (§ error taxonomy).
const (
	// Network / store connectivity. Retryable with backoff.
	CodeNetConnectionFailed = "NET_CONNECTION_FAILED"
	CodeNetTimeout          = "NET_TIMEOUT"
	CodeNetThrottled        = "NET_THROTTLED"

	// Validation. Never retried.
	CodeValMissingField   = "VAL_MISSING_FIELD"
	CodeValBadEnum        = "VAL_BAD_ENUM"
	CodeValBadDuration    = "VAL_BAD_DURATION"
	CodeValTaskInvalid    = "VAL_TASK_INVALID"
	CodeValConfigInvalid  = "VAL_CONFIG_INVALID"
	CodeValBadProgress    = "VAL_BAD_PROGRESS"
	CodeValChecksumFormat = "VAL_CHECKSUM_FORMAT"

	// Persistence. Version conflicts are consumed locally; the rest
	// go through repair or surface unrepairable.
	CodePerVersionConflict   = "PER_VERSION_CONFLICT"
	CodePerChecksumMismatch  = "PER_CHECKSUM_MISMATCH"
	CodePerOrphanedTask      = "PER_ORPHANED_CURRENT_TASK"
	CodePerNotFound          = "PER_NOT_FOUND"
	CodePerRetriesExhausted  = "PER_RETRIES_EXHAUSTED"
	CodePerUnrepairable      = "PER_QUEUE_UNREPAIRABLE"
	CodePerSnapshotNotFound  = "PER_SNAPSHOT_NOT_FOUND"
	CodePerSnapshotMismatch  = "PER_SNAPSHOT_PLAYER_MISMATCH"
	CodePerMigrationConflict = "PER_MIGRATION_CONFLICT"
	CodePerPlanImpossible    = "PER_PLAN_IMPOSSIBLE"

	// Business rules. Never retried.
	CodeBusQueueFull        = "BUS_QUEUE_FULL"
	CodeBusTaskTooLong      = "BUS_TASK_TOO_LONG"
	CodeBusDurationExceeded = "BUS_TOTAL_DURATION_EXCEEDED"
	CodeBusNotPaused        = "BUS_NOT_PAUSED"
	CodeBusAlreadyPaused    = "BUS_ALREADY_PAUSED"
	CodeBusResumeForbidden  = "BUS_RESUME_FORBIDDEN"
	CodeBusPrerequisite     = "BUS_PREREQUISITE_NOT_MET"
	CodeBusInsufficientRes  = "BUS_INSUFFICIENT_RESOURCES"

	// Internal faults. One recovery attempt, then surfaced.
	CodeSysInternal   = "SYS_INTERNAL"
	CodeSysCorruption = "SYS_DATA_CORRUPTION"

	// Authorization. Never retried.
	CodeSecUnauthorized = "SEC_UNAUTHORIZED"

	// Resource pressure. Degrade instead of retry.
	CodeResOverloaded  = "RES_SYSTEM_OVERLOADED"
	CodeResCircuitOpen = "RES_CIRCUIT_OPEN"

	// Deadlines. Retry advised.
	CodeTimDeadline = "TIM_DEADLINE_EXCEEDED"
)

// Error is the surfaced failure shape. It wraps an optional cause so
// errors.Is / errors.As keep working across package boundaries.
type Error struct {
	Code             string
	Message          string
	RetryRecommended bool
	SuggestedActions []string
	cause            error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a surfaced error with the retry policy implied by the
// code family.
func New(code, message string) *Error {
	return &Error{
		Code:             code,
		Message:          message,
		RetryRecommended: retryable(code),
		SuggestedActions: actionsFor(code),
	}
}

// Wrap attaches a cause to a surfaced error.
func Wrap(code, message string, cause error) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// CodeOf extracts the machine code from err, or SYS_INTERNAL when err
// is not a surfaced error.
func CodeOf(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeSysInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	var te *Error
	return errors.As(err, &te) && te.Code == code
}

func retryable(code string) bool {
	switch code[:4] {
	case "NET_", "TIM_":
		return true
	case "PER_":
		return code == CodePerVersionConflict
	case "SYS_":
		return true
	default:
		return false
	}
}

func actionsFor(code string) []string {
	switch code[:4] {
	case "NET_", "TIM_":
		return []string{"Wait and retry"}
	case "VAL_":
		return []string{"Fix the request and try again"}
	case "BUS_":
		return []string{"Check requirements"}
	case "PER_":
		return []string{"Refresh and try again"}
	case "RES_":
		return []string{"Wait for the system to recover"}
	case "SEC_":
		return []string{"Sign in again"}
	default:
		return []string{"Contact support if the problem persists"}
	}
}
