// Package errors defines the Hyperstack error taxonomy: a typed error code
// per failure bucket from the error handling design, plus a Fatal()
// classifier the projector and lifecycle manager use for propagation.
package errors

import "fmt"

// Code identifies which bucket of the error handling design an error
// belongs to.
type Code string

const (
	// SpecError (build time).
	CodeUnknownField    Code = "SPEC_1001"
	CodeAmbiguousWriter Code = "SPEC_1002"
	CodeCyclicComputed  Code = "SPEC_1003"
	CodeBadPrimaryKey   Code = "SPEC_1004"
	CodeDeleteConflict  Code = "SPEC_1005"

	// CompileError.
	CodeUnsupportedExpr Code = "COMPILE_2001"
	CodeTypeMismatch    Code = "COMPILE_2002"

	// RuntimeWarning (non-fatal).
	CodeMissingField Code = "RUNTIME_3001"
	CodeOverflow     Code = "RUNTIME_3002"
	CodeStaleEvent   Code = "RUNTIME_3003"
	CodeLateEvent    Code = "RUNTIME_3004"
	CodeDeduplicated Code = "RUNTIME_3005"

	// ResolverError.
	CodeResolverTimeout  Code = "RESOLVER_4001"
	CodeResolverRejected Code = "RESOLVER_4002"

	// ProtocolError (wire).
	CodeMalformedMessage Code = "PROTOCOL_5001"
	CodeUnknownView      Code = "PROTOCOL_5002"
	CodeBadFilter        Code = "PROTOCOL_5003"

	// Bus.
	CodeBackpressureExceeded Code = "BUS_6001"

	// FatalError.
	CodeCacheCorruption     Code = "FATAL_9001"
	CodeBusAllocationFailed Code = "FATAL_9002"
)

var fatalCodes = map[Code]bool{
	CodeCacheCorruption:     true,
	CodeBusAllocationFailed: true,
}

// HyperstackError is the single error type carried through the system; it
// wraps an underlying cause and attaches a stable code plus optional
// structured details.
type HyperstackError struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *HyperstackError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *HyperstackError) Unwrap() error { return e.Err }

// Fatal reports whether this error should abort the owning view per the
// error handling design's propagation policy.
func (e *HyperstackError) Fatal() bool { return fatalCodes[e.Code] }

// WithDetails returns a copy of e with Details merged in.
func (e *HyperstackError) WithDetails(details map[string]any) *HyperstackError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &HyperstackError{Code: e.Code, Message: e.Message, Details: merged, Err: e.Err}
}

func new_(code Code, message string, err error) *HyperstackError {
	return &HyperstackError{Code: code, Message: message, Err: err}
}

// SpecError constructors.

func UnknownField(field string) *HyperstackError {
	return new_(CodeUnknownField, fmt.Sprintf("unknown field %q", field), nil)
}

func AmbiguousWriter(field string) *HyperstackError {
	return new_(CodeAmbiguousWriter, fmt.Sprintf("field %q has more than one non-accumulating writer", field), nil)
}

func CyclicComputed(field string) *HyperstackError {
	return new_(CodeCyclicComputed, fmt.Sprintf("computed field %q transitively reads itself", field), nil)
}

func BadPrimaryKey(entity string, reason string) *HyperstackError {
	return new_(CodeBadPrimaryKey, fmt.Sprintf("entity %q: bad primary key: %s", entity, reason), nil)
}

func DeleteConflict(entity, source string) *HyperstackError {
	return new_(CodeDeleteConflict, fmt.Sprintf("entity %q: source %q is both mapped and declared as a delete trigger", entity, source), nil)
}

// CompileError constructors.

func UnsupportedExpr(expr string) *HyperstackError {
	return new_(CodeUnsupportedExpr, fmt.Sprintf("unsupported expression: %s", expr), nil)
}

func TypeMismatch(field string, want, got string) *HyperstackError {
	return new_(CodeTypeMismatch, fmt.Sprintf("field %q: expected %s, got %s", field, want, got), nil)
}

// RuntimeWarning constructors.

func MissingField(field string) *HyperstackError {
	return new_(CodeMissingField, fmt.Sprintf("missing source field %q", field), nil)
}

func Overflow(field string) *HyperstackError {
	return new_(CodeOverflow, fmt.Sprintf("arithmetic overflow computing %q", field), nil)
}

func Stale(entity, key string, eventSlot, lastApplied uint64) *HyperstackError {
	return new_(CodeStaleEvent, fmt.Sprintf("event slot %d < last applied slot %d for %s/%s", eventSlot, lastApplied, entity, key), nil)
}

func Late(entity, key string, eventSlot, windowStart uint64) *HyperstackError {
	return new_(CodeLateEvent, fmt.Sprintf("event slot %d before reorder window start %d for %s/%s", eventSlot, windowStart, entity, key), nil)
}

func Deduplicated(signature string) *HyperstackError {
	return new_(CodeDeduplicated, fmt.Sprintf("duplicate event signature %q", signature), nil)
}

// ResolverError constructors.

func ResolverTimeout(kind string) *HyperstackError {
	return new_(CodeResolverTimeout, fmt.Sprintf("resolver %q timed out", kind), nil)
}

func ResolverRejected(kind string, err error) *HyperstackError {
	return new_(CodeResolverRejected, fmt.Sprintf("resolver %q rejected", kind), err)
}

// ProtocolError constructors.

func MalformedMessage(err error) *HyperstackError {
	return new_(CodeMalformedMessage, "malformed wire message", err)
}

func UnknownView(view string) *HyperstackError {
	return new_(CodeUnknownView, fmt.Sprintf("unknown view %q", view), nil)
}

func BadFilter(err error) *HyperstackError {
	return new_(CodeBadFilter, "bad filter", err)
}

// Bus / Fatal constructors.

func BackpressureExceeded(view string) *HyperstackError {
	return new_(CodeBackpressureExceeded, fmt.Sprintf("subscriber exceeded backpressure threshold on %q", view), nil)
}

func CacheCorruption(reason string) *HyperstackError {
	return new_(CodeCacheCorruption, reason, nil)
}

func BusAllocationFailed(reason string) *HyperstackError {
	return new_(CodeBusAllocationFailed, reason, nil)
}

// As reports whether err is a *HyperstackError and returns it.
func As(err error) (*HyperstackError, bool) {
	he, ok := err.(*HyperstackError)
	return he, ok
}
