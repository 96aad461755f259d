package profiler

import "fmt"

type ErrCode string

const (
	CodeValidation ErrCode = "validation_error"
	CodeNotFound   ErrCode = "not_found"
	CodeProcessing ErrCode = "processing_error"
)

// Error is returned by the tier operations. Processing errors carry the
// classified error type and wrap the original cause.
type Error struct {
	Code      ErrCode
	Message   string
	ErrorType string
	Err       error
}

func (e *Error) Error() string {
	if e.ErrorType == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.ErrorType, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func ErrValidation(msg string) error { return &Error{Code: CodeValidation, Message: msg} }
func ErrNotFound(msg string) error   { return &Error{Code: CodeNotFound, Message: msg} }
