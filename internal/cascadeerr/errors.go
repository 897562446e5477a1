// Package cascadeerr defines the error taxonomy (kinds, not classes) from
// the engine's error handling design: each kind carries enough identity to
// locate the failure (session, cascade, cell) and a Retryable flag the
// CellLoop and scheduler branch on.
package cascadeerr

import (
	"errors"
	"fmt"
)

// Kind identifies one row of the error taxonomy table.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindProviderTransient   Kind = "ProviderTransient"
	KindProviderPermanent   Kind = "ProviderPermanent"
	KindTool                Kind = "ToolError"
	KindDeterministic       Kind = "DeterministicError"
	KindWardFatal           Kind = "WardFatal"
	KindTimeout             Kind = "Timeout"
	KindCheckpointCancelled Kind = "CheckpointCancelled"
	KindAnalytics           Kind = "AnalyticsError"
)

// CascadeError is the base error type for all cascade-execution errors.
type CascadeError struct {
	Kind      Kind
	SessionID string
	CascadeID string
	CellName  string
	Message   string
	Cause     error
	Retryable bool
}

func (e *CascadeError) Error() string {
	if e.CellName != "" {
		return fmt.Sprintf("%s in cascade %s (session %s) at cell %s: %s", e.Kind, e.CascadeID, e.SessionID, e.CellName, e.Message)
	}
	return fmt.Sprintf("%s in cascade %s (session %s): %s", e.Kind, e.CascadeID, e.SessionID, e.Message)
}

func (e *CascadeError) Unwrap() error { return e.Cause }

func New(kind Kind, sessionID, cascadeID, cellName, message string, cause error, retryable bool) *CascadeError {
	return &CascadeError{
		Kind:      kind,
		SessionID: sessionID,
		CascadeID: cascadeID,
		CellName:  cellName,
		Message:   message,
		Cause:     cause,
		Retryable: retryable,
	}
}

// cascadeErrorHolder is implemented by *CascadeError and, through method
// promotion, by every type embedding it by value (e.g. *ValidationError) —
// a plain `err.(*CascadeError)` type assertion would miss those.
type cascadeErrorHolder interface {
	cascadeError() *CascadeError
}

func (e *CascadeError) cascadeError() *CascadeError { return e }

func extractCascadeError(err error) *CascadeError {
	for err != nil {
		if h, ok := err.(cascadeErrorHolder); ok {
			return h.cascadeError()
		}
		err = errors.Unwrap(err)
	}
	return nil
}

// IsRetryable reports whether err (or a wrapped *CascadeError) is retryable.
func IsRetryable(err error) bool {
	ce := extractCascadeError(err)
	return ce != nil && ce.Retryable
}

// KindOf returns the Kind of err if it is (or wraps) a *CascadeError.
func KindOf(err error) (Kind, bool) {
	ce := extractCascadeError(err)
	if ce == nil {
		return "", false
	}
	return ce.Kind, true
}

// ValidationError represents a schema/ward validation failure (§7 row 1).
type ValidationError struct{ CascadeError }

func NewValidationError(sessionID, cascadeID, cellName, message string) *ValidationError {
	return &ValidationError{CascadeError{Kind: KindValidation, SessionID: sessionID, CascadeID: cascadeID, CellName: cellName, Message: message, Retryable: true}}
}

// DeterministicExecutionError carries the full context of a failed tool
// invocation, per §4.5: "{cell_name, tool, inputs, original}".
type DeterministicExecutionError struct {
	CellName string
	Tool     string
	Inputs   map[string]any
	Original error
}

func (e *DeterministicExecutionError) Error() string {
	return fmt.Sprintf("deterministic execution failed for cell %s (tool %s): %v", e.CellName, e.Tool, e.Original)
}

func (e *DeterministicExecutionError) Unwrap() error { return e.Original }
