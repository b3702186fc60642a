package pipeline

import (
	"errors"
	"fmt"
)

// Failure codes produced by the pipeline.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeSizeLimit       = "SIZE_LIMIT"
	CodeUnsupportedMIME = "UNSUPPORTED_MIME"
	CodeNoAdapter       = "NO_ADAPTER"
	CodeTimeout         = "TIMEOUT"
	CodeCanceled        = "CANCELED"

	// CodeUnknown marks defects: errors the pipeline did not expect.
	CodeUnknown = "UNKNOWN"
)

// ConversionError is an expected pipeline failure with a stable code.
// Anything else coming out of the pipeline is a defect.
type ConversionError struct {
	Code    string
	Message string
	Err     error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

func newError(code, format string, args ...interface{}) *ConversionError {
	return &ConversionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsConversionError extracts a ConversionError from err's chain.
func AsConversionError(err error) (*ConversionError, bool) {
	var ce *ConversionError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsCanceled reports whether err is a CANCELED conversion failure.
func IsCanceled(err error) bool {
	ce, ok := AsConversionError(err)
	return ok && ce.Code == CodeCanceled
}
