package contracts

import (
	"errors"
	"fmt"
	"time"
)

// ConfigurationError reports bad configuration discovered at load time,
// before a run begins.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// NewConfigurationError formats a ConfigurationError.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// ViolationKind classifies a contract violation.
type ViolationKind string

const (
	ViolationMissingField ViolationKind = "missing_field"
	ViolationTypeMismatch ViolationKind = "type_mismatch"
	ViolationExtraField   ViolationKind = "extra_field"
)

// Violation is one schema-contract failure for one field. The actual value
// is never included in the message; only its kind is, so audit records stay
// free of payload data.
type Violation struct {
	Kind          ViolationKind
	Field         string // normalized name
	OriginalField string
	Expected      FieldKind // set for type mismatches
	Actual        FieldKind // set for type mismatches
}

func (v Violation) Error() string {
	switch v.Kind {
	case ViolationMissingField:
		return fmt.Sprintf("required field %q (%s) is missing", v.OriginalField, v.Field)
	case ViolationTypeMismatch:
		return fmt.Sprintf("field %q (%s) expected type %q, got %q", v.OriginalField, v.Field, v.Expected, v.Actual)
	case ViolationExtraField:
		return fmt.Sprintf("extra field %q (%s) not allowed in fixed mode", v.OriginalField, v.Field)
	default:
		return fmt.Sprintf("contract violation on field %q", v.Field)
	}
}

// Reason renders the violation as an error-reason map for audit records.
func (v Violation) Reason() map[string]any {
	r := map[string]any{
		"reason":         "contract_violation",
		"violation_type": string(v.Kind),
		"field":          v.Field,
		"original_field": v.OriginalField,
	}
	if v.Kind == ViolationTypeMismatch {
		r["expected_type"] = string(v.Expected)
		r["actual_type"] = string(v.Actual)
	}
	return r
}

// ViolationsReason collapses one or more violations into a single
// error-reason map.
func ViolationsReason(violations []Violation) map[string]any {
	if len(violations) == 1 {
		return violations[0].Reason()
	}
	details := make([]any, len(violations))
	for i, v := range violations {
		details[i] = v.Reason()
	}
	return map[string]any{
		"reason":     "multiple_contract_violations",
		"count":      len(violations),
		"violations": details,
	}
}

// ContractMergeError reports two branches carrying incompatible types into a
// coalesce point. Run-fatal.
type ContractMergeError struct {
	Field string
	KindA FieldKind
	KindB FieldKind
}

func (e *ContractMergeError) Error() string {
	return fmt.Sprintf("cannot merge contracts: field %q has conflicting types %q and %q", e.Field, e.KindA, e.KindB)
}

// PluginInvocationError wraps an error raised by a plugin, attributed to its
// node. Retryable invocations go back through the retry manager; the rest
// become error results at the engine boundary.
type PluginInvocationError struct {
	Plugin    string
	NodeID    string
	Retryable bool
	Err       error
}

func (e *PluginInvocationError) Error() string {
	return fmt.Sprintf("plugin %s at node %s failed: %v", e.Plugin, e.NodeID, e.Err)
}

func (e *PluginInvocationError) Unwrap() error { return e.Err }

// CapacityError signals that an external service is saturated. Always
// retryable; the pooled executor additionally treats it as a throttle signal.
type CapacityError struct {
	Service string
	Err     error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exhausted for service %s: %v", e.Service, e.Err)
}

func (e *CapacityError) Unwrap() error { return e.Err }

// BatchPendingError is not a failure: it is the control-flow signal that a
// plugin handed work to an external system and the token must suspend until
// that system completes. The engine records a PENDING state, persists the
// checkpoint, and stops advancing the token.
type BatchPendingError struct {
	BatchID    string
	Status     string
	CheckAfter time.Duration
	Checkpoint map[string]any
	NodeID     string
}

func (e *BatchPendingError) Error() string {
	return fmt.Sprintf("batch %s is %s, check after %s", e.BatchID, e.Status, e.CheckAfter)
}

// NewBatchPendingError builds the signal with the default polling interval.
func NewBatchPendingError(batchID, status string) *BatchPendingError {
	return &BatchPendingError{BatchID: batchID, Status: status, CheckAfter: 5 * time.Minute}
}

// FrameworkBugError is an engine invariant violation. It must crash the run;
// continuing would corrupt the audit trail.
type FrameworkBugError struct {
	Invariant string
	Message   string
}

func (e *FrameworkBugError) Error() string {
	return fmt.Sprintf("framework bug [%s]: %s", e.Invariant, e.Message)
}

// NewFrameworkBug formats a FrameworkBugError.
func NewFrameworkBug(invariant, format string, args ...any) *FrameworkBugError {
	return &FrameworkBugError{Invariant: invariant, Message: fmt.Sprintf(format, args...)}
}

// DataIntegrityError reports a hash mismatch on checkpoint restore, payload
// read-back, or audit verification. Fail hard; the trail can no longer be
// trusted.
type DataIntegrityError struct {
	Message  string
	Expected string
	Actual   string
}

func (e *DataIntegrityError) Error() string {
	if e.Expected != "" || e.Actual != "" {
		return fmt.Sprintf("data integrity violation: %s (expected %s, got %s)", e.Message, e.Expected, e.Actual)
	}
	return fmt.Sprintf("data integrity violation: %s", e.Message)
}

// MaxRetriesExceeded reports retry exhaustion, carrying the attempt count and
// the final error.
type MaxRetriesExceeded struct {
	Attempts int
	LastErr  error
}

func (e *MaxRetriesExceeded) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *MaxRetriesExceeded) Unwrap() error { return e.LastErr }

// IsRetryable reports whether an error should go back through the retry
// manager: capacity signals and invocation errors whose plugin declared them
// retryable. BatchPendingError is control flow, never retried here.
func IsRetryable(err error) bool {
	var capacity *CapacityError
	if errors.As(err, &capacity) {
		return true
	}
	var invocation *PluginInvocationError
	if errors.As(err, &invocation) {
		return invocation.Retryable
	}
	return false
}
