package types

// ============================================================================
// Error taxonomy
//
//   admission  - concurrency ceiling reached; back off and retry
//   input      - bad path, extension, size or archive manifest; needs a different input
//   structural - document is corrupt or unsupported; needs a different file
//   runtime    - I/O, worker crash, timeout, shutdown; safe to retry
// ============================================================================

import (
	"errors"
	"fmt"
)

// Code is a stable, serializable error identifier.
type Code string

// Error codes
const (
	CodeTooManyConcurrent    Code = "too_many_concurrent"
	CodeInvalidPath          Code = "invalid_path"
	CodeUnsupportedExtension Code = "unsupported_extension"
	CodeFileTooLarge         Code = "file_too_large"
	CodeMalformedArchive     Code = "malformed_archive"
	CodeMissingDocument      Code = "missing_document"
	CodeUnsafeArchivePath    Code = "unsafe_archive_path"
	CodeDuplicateJob         Code = "duplicate_job"
	CodeInvalidDocument      Code = "invalid_document"
	CodeMalformedMarkup      Code = "malformed_markup"
	CodeBufferExceeded       Code = "buffer_exceeded"
	CodeUnexpectedEOF        Code = "unexpected_eof"
	CodeIO                   Code = "io"
	CodeWorkerCrashed        Code = "worker_crashed"
	CodeTimeout              Code = "timeout"
	CodeShutdown             Code = "shutdown"
	CodeInternal             Code = "internal"
)

// Category groups codes by how a caller should react.
type Category string

// Categories
const (
	CategoryAdmission  Category = "admission"
	CategoryInput      Category = "input"
	CategoryStructural Category = "structural"
	CategoryRuntime    Category = "runtime"
)

// Sentinel errors, one per code, for errors.Is.
var (
	ErrTooManyConcurrent    = &sentinel{CodeTooManyConcurrent, "too many concurrent operations"}
	ErrInvalidPath          = &sentinel{CodeInvalidPath, "invalid file path"}
	ErrUnsupportedExtension = &sentinel{CodeUnsupportedExtension, "unsupported file extension"}
	ErrFileTooLarge         = &sentinel{CodeFileTooLarge, "file exceeds size limit"}
	ErrMalformedArchive     = &sentinel{CodeMalformedArchive, "malformed archive"}
	ErrMissingDocument      = &sentinel{CodeMissingDocument, "archive contains no score document"}
	ErrUnsafeArchivePath    = &sentinel{CodeUnsafeArchivePath, "unsafe path in archive manifest"}
	ErrDuplicateJob         = &sentinel{CodeDuplicateJob, "job already exists"}
	ErrInvalidDocument      = &sentinel{CodeInvalidDocument, "invalid score document"}
	ErrMalformedMarkup      = &sentinel{CodeMalformedMarkup, "malformed markup"}
	ErrBufferExceeded       = &sentinel{CodeBufferExceeded, "buffer size exceeded"}
	ErrUnexpectedEOF        = &sentinel{CodeUnexpectedEOF, "unexpected end of document"}
	ErrIO                   = &sentinel{CodeIO, "i/o error"}
	ErrWorkerCrashed        = &sentinel{CodeWorkerCrashed, "worker exited abnormally"}
	ErrTimeout              = &sentinel{CodeTimeout, "operation timed out"}
	ErrShutdown             = &sentinel{CodeShutdown, "loader is shut down"}
	ErrInternal             = &sentinel{CodeInternal, "internal error"}
)

var sentinels = map[Code]*sentinel{}

func init() {
	for _, s := range []*sentinel{
		ErrTooManyConcurrent, ErrInvalidPath, ErrUnsupportedExtension, ErrFileTooLarge,
		ErrMalformedArchive, ErrMissingDocument, ErrUnsafeArchivePath, ErrDuplicateJob,
		ErrInvalidDocument, ErrMalformedMarkup, ErrBufferExceeded, ErrUnexpectedEOF,
		ErrIO, ErrWorkerCrashed, ErrTimeout, ErrShutdown, ErrInternal,
	} {
		sentinels[s.code] = s
	}
}

type sentinel struct {
	code Code
	msg  string
}

func (s *sentinel) Error() string { return s.msg }

// Code returns the sentinel's code.
func (s *sentinel) Code() Code { return s.code }

// CategoryOf maps a code to its category.
func CategoryOf(code Code) Category {
	switch code {
	case CodeTooManyConcurrent:
		return CategoryAdmission
	case CodeInvalidPath, CodeUnsupportedExtension, CodeFileTooLarge, CodeUnsafeArchivePath, CodeDuplicateJob:
		return CategoryInput
	case CodeMalformedArchive, CodeMissingDocument, CodeInvalidDocument, CodeMalformedMarkup,
		CodeBufferExceeded, CodeUnexpectedEOF:
		return CategoryStructural
	default:
		return CategoryRuntime
	}
}

// Error is a coded error with the failing operation and an optional cause.
type Error struct {
	Code Code   // classification
	Op   string // operation that failed, e.g. "stat" or "parse"
	Msg  string // human readable detail
	Err  error  // underlying cause, may be nil
}

// Errorf builds an *Error with a formatted detail message.
func Errorf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error around cause.
func Wrap(code Code, op string, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

func (e *Error) Error() string {
	detail := e.Msg
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	if detail == "" {
		if s, ok := sentinels[e.Code]; ok {
			detail = s.msg
		} else {
			detail = "unknown error"
		}
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Code, detail)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, detail)
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Code.
func (e *Error) Is(target error) bool {
	s, ok := target.(*sentinel)
	return ok && s.code == e.Code
}

// Category returns the error's category.
func (e *Error) Category() Category { return CategoryOf(e.Code) }

// Retryable reports whether retrying the same input may succeed.
func (e *Error) Retryable() bool {
	c := e.Category()
	return c == CategoryAdmission || c == CategoryRuntime
}

// CodeOf extracts the code from err. Unknown errors are CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var s *sentinel
	if errors.As(err, &s) {
		return s.code
	}
	return CodeInternal
}

// ErrorInfo is the serializable form of an error carried inside results and
// across the worker boundary.
type ErrorInfo struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// InfoFromError converts err into an ErrorInfo.
func InfoFromError(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	return &ErrorInfo{Code: CodeOf(err), Message: err.Error()}
}

// AsError converts the info back into an *Error matching its sentinel.
func (i *ErrorInfo) AsError() error {
	if i == nil {
		return nil
	}
	return &Error{Code: i.Code, Msg: i.Message}
}

// Category returns the info's category.
func (i *ErrorInfo) Category() Category { return CategoryOf(i.Code) }
