// Package catalogerr defines the typed error taxonomy the catalog core
// raises as typed errors walked up the call stack.
package catalogerr

import (
	"errors"
	"fmt"
)

// Kind names one of the catalog core's error categories. These are kinds,
// not Go types: every CatalogError carries exactly one.
type Kind int

const (
	// UndefinedObject: named object not found and missing_ok was false.
	UndefinedObject Kind = iota
	// DuplicateObject: insertion would collide with an existing name+namespace.
	DuplicateObject
	// InsufficientPrivilege: an ACL check failed.
	InsufficientPrivilege
	// InvalidFunctionDefinition: aggregate/function-like validation rejected inputs.
	InvalidFunctionDefinition
	// DatatypeMismatch: return type or polymorphism rule violated.
	DatatypeMismatch
	// FeatureNotSupported: a combination of options is individually valid
	// but not supported together (e.g. a tag-filtered login trigger).
	FeatureNotSupported
	// SyntaxError: a bad option name or a duplicate option.
	SyntaxError
	// ObjectNotInPrerequisiteState: e.g. WaitForLsn called with an active
	// snapshot, or primary_flush requested during recovery.
	ObjectNotInPrerequisiteState
	// QueryCanceled: WaitForLsn timed out with no_throw=false, or a
	// check-for-interrupts point observed cancellation.
	QueryCanceled
	// InternalError: an invariant was violated; the transaction must abort.
	InternalError
	// ProtocolViolation: a trigger-support helper was called outside its event.
	ProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case UndefinedObject:
		return "undefined_object"
	case DuplicateObject:
		return "duplicate_object"
	case InsufficientPrivilege:
		return "insufficient_privilege"
	case InvalidFunctionDefinition:
		return "invalid_function_definition"
	case DatatypeMismatch:
		return "datatype_mismatch"
	case FeatureNotSupported:
		return "feature_not_supported"
	case SyntaxError:
		return "syntax_error"
	case ObjectNotInPrerequisiteState:
		return "object_not_in_prerequisite_state"
	case QueryCanceled:
		return "query_canceled"
	case InternalError:
		return "internal_error"
	case ProtocolViolation:
		return "protocol_violation"
	default:
		return "unknown_error_kind"
	}
}

// CatalogError is the typed error every catalog-core operation returns in
// place of a non-local elog(ERROR, ...) jump.
type CatalogError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *CatalogError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CatalogError) Unwrap() error { return e.Cause }

// Is reports whether target is a *CatalogError with the same Kind, so
// callers can do errors.Is(err, catalogerr.New(catalogerr.UndefinedObject, "")).
func (e *CatalogError) Is(target error) bool {
	var ce *CatalogError
	if errors.As(target, &ce) {
		return ce.Kind == e.Kind
	}
	return false
}

// New builds a CatalogError with no wrapped cause.
func New(kind Kind, format string, args ...any) *CatalogError {
	return &CatalogError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a CatalogError that wraps an underlying error.
func Wrap(kind Kind, cause error, format string, args ...any) *CatalogError {
	return &CatalogError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *CatalogError.
func KindOf(err error) (Kind, bool) {
	var ce *CatalogError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}
