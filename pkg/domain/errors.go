package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error code carried in HTTP error envelopes.
type Code string

const (
	CodeUnknown           Code = "UNKNOWN"
	CodeBadRequest        Code = "BAD_REQUEST"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeProcessNotFound   Code = "PROCESS_NOT_FOUND"
	CodeDocumentNotReady  Code = "DOCUMENT_NOT_READY"
	CodeUploadFailed      Code = "UPLOAD_FAILED"
	CodeDownloadFailed    Code = "DOWNLOAD_FAILED"
	CodeRenderFailed      Code = "RENDER_FAILED"
	CodeIntegrityMismatch Code = "INTEGRITY_MISMATCH"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeRetryLimitReached Code = "RETRY_LIMIT_REACHED"
)

// HTTPStatus maps codes to response statuses.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeProcessNotFound:
		return http.StatusNotFound
	case CodeDocumentNotReady, CodeInvalidTransition:
		return http.StatusConflict
	case CodeRetryLimitReached:
		return http.StatusTooManyRequests
	case CodeIntegrityMismatch:
		return http.StatusUnprocessableEntity
	case CodeUploadFailed, CodeDownloadFailed, CodeRenderFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrUnauthorized      = &Error{Code: CodeUnauthorized, Message: "actor is not bound to this signature process"}
	ErrProcessNotFound   = &Error{Code: CodeProcessNotFound, Message: "signature process not found"}
	ErrDocumentNotReady  = &Error{Code: CodeDocumentNotReady, Message: "no generated contract document"}
	ErrUploadFailed      = &Error{Code: CodeUploadFailed, Message: "document upload failed"}
	ErrDownloadFailed    = &Error{Code: CodeDownloadFailed, Message: "document download failed"}
	ErrRenderFailed      = &Error{Code: CodeRenderFailed, Message: "signature rendering failed"}
	ErrIntegrityMismatch = &Error{Code: CodeIntegrityMismatch, Message: "fingerprint mismatch"}
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition, Message: "transition not allowed"}
	ErrRetryLimitReached = &Error{Code: CodeRetryLimitReached, Message: "retry limit reached"}
)

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeUnknown
}
