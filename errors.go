package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeDuplicateVersion   = "ORCH_DUPLICATE_VERSION"
	ErrCodeDefinitionNotFound = "ORCH_DEFINITION_NOT_FOUND"
	ErrCodeUnknownDefinition  = "ORCH_UNKNOWN_DEFINITION"
	ErrCodeInvalidState       = "ORCH_INVALID_STATE"
	ErrCodeInvalidDefinition  = "ORCH_INVALID_DEFINITION"
	ErrCodeInvalidRequest     = "ORCH_INVALID_REQUEST"
	ErrCodeExecutionNotFound  = "ORCH_EXECUTION_NOT_FOUND"
	ErrCodeDLQEntryNotFound   = "ORCH_DLQ_ENTRY_NOT_FOUND"
	ErrCodePermissionDenied   = "ORCH_PERMISSION_DENIED"
	ErrCodeDefinitionInUse    = "ORCH_DEFINITION_IN_USE"
	ErrCodeClaimLost          = "ORCH_CLAIM_LOST"
	ErrCodeDefinitionFrozen   = "ORCH_DEFINITION_FROZEN"
)

var (
	ErrDuplicateVersion = apperrors.New("definition version already registered", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateVersion)
	ErrDefinitionNotFound = apperrors.New("definition not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeDefinitionNotFound)
	ErrUnknownDefinition = apperrors.New("unknown definition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeUnknownDefinition)
	ErrInvalidState = apperrors.New("invalid state", apperrors.CategoryConflict).
			WithTextCode(ErrCodeInvalidState)
	ErrInvalidDefinition = apperrors.New("invalid definition", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidDefinition)
	ErrInvalidRequest = apperrors.New("invalid request", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidRequest)
	ErrExecutionNotFound = apperrors.New("execution not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeExecutionNotFound)
	ErrDLQEntryNotFound = apperrors.New("dlq entry not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeDLQEntryNotFound)
	ErrPermissionDenied = apperrors.New("permission denied", apperrors.CategoryBadInput).
				WithTextCode(ErrCodePermissionDenied)
	ErrDefinitionInUse = apperrors.New("definition is referenced by executions", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDefinitionInUse)
	ErrClaimLost = apperrors.New("step claim lost", apperrors.CategoryConflict).
			WithTextCode(ErrCodeClaimLost)
	ErrDefinitionFrozen = apperrors.New("referenced definition changed", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDefinitionFrozen)
)

// NewError clones one of the engine sentinels with a message, cause and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrInvalidRequest
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the text code carried by err, or "".
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// ClassifiedError attaches a retry class to a handler failure.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	}
	return string(e.Class)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classified wraps err with the given class. A nil err yields nil.
func Classified(class ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// Transient marks err as retryable infrastructure trouble.
func Transient(err error) error { return Classified(ErrorTransient, err) }

// Conflict marks err as an optimistic concurrency conflict.
func Conflict(err error) error { return Classified(ErrorConflict, err) }

// RateLimited marks err as an upstream throttle.
func RateLimited(err error) error { return Classified(ErrorRateLimit, err) }

// Permanent marks err as never retryable.
func Permanent(err error) error { return Classified(ErrorPermanent, err) }

// Classify maps err to an error class. An explicit ClassifiedError wins,
// deadlines and network timeouts are transient, anything else is unknown.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if stderrors.As(err, &ce) && ce.Class.Valid() {
		return ce.Class
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTransient
	}
	return ErrorUnknown
}
