package ivdesc

import (
	"errors"
	"fmt"
)

// ErrorCode identifies which descriptor invariant was violated.
type ErrorCode string

const (
	ErrStartTypeMismatch      ErrorCode = "START_TYPE_MISMATCH"
	ErrZeroStep               ErrorCode = "ZERO_STEP"
	ErrNonConstantPointerStep ErrorCode = "NON_CONSTANT_POINTER_STEP"
	ErrStepTypeMismatch       ErrorCode = "STEP_TYPE_MISMATCH"
	ErrMissingFPUpdate        ErrorCode = "MISSING_FP_UPDATE"
)

// DescriptorError reports an attempt to build a descriptor that breaks one
// of its construction invariants.
//
// DESIGN CHOICE: A typed error instead of an assertion because:
// - Callers that assemble descriptors by hand get a value they can inspect
// - An invalid descriptor can never be observed
//
// The classifiers themselves only ever build valid descriptors. When one of
// them trips an invariant it is a bug in the classifier, and the must...
// helpers turn the error into a panic.
type DescriptorError struct {
	Code    ErrorCode
	Message string
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func descriptorError(code ErrorCode, format string, args ...interface{}) *DescriptorError {
	return &DescriptorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsDescriptorError reports whether err is a DescriptorError with the given
// code. An empty code matches any DescriptorError.
func IsDescriptorError(err error, code ErrorCode) bool {
	var de *DescriptorError
	if !errors.As(err, &de) {
		return false
	}
	return code == "" || de.Code == code
}
