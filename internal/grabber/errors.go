package grabber

import (
	"errors"
	"fmt"
)

// Code is the stable machine-readable classification persisted on failures.
type Code string

// Error codes surfaced by the core.
const (
	CodeInvalidURL              Code = "INVALID_URL"
	CodeDuplicateActiveJob      Code = "DUPLICATE_ACTIVE_JOB"
	CodeDuplicateCompletedJob   Code = "DUPLICATE_COMPLETED_JOB"
	CodeInvalidStatusTransition Code = "INVALID_STATUS_TRANSITION"
	CodeJobNotFound             Code = "JOB_NOT_FOUND"
	CodeNavigationFailed        Code = "NAVIGATION_FAILED"
	CodeBotChallenge            Code = "BOT_CHALLENGE"
	CodeAuthRequired            Code = "AUTH_REQUIRED"
	CodeNoMediaURL              Code = "NO_MEDIA_URL"
	CodeVideoUnavailable        Code = "VIDEO_UNAVAILABLE"
	CodeExpiredMediaURL         Code = "EXPIRED_MEDIA_URL"
	CodeAccessDenied            Code = "ACCESS_DENIED"
	CodeDownloadFailed          Code = "DOWNLOAD_FAILED"
	CodeHLSRemuxFailed          Code = "HLS_REMUX_FAILED"
	CodeInvalidMedia            Code = "INVALID_MEDIA"
	CodeStaleJobRecovered       Code = "STALE_JOB_RECOVERED"
	CodeOperatorFailed          Code = "OPERATOR_FAILED"
	CodeUnknown                 Code = "UNKNOWN_ERROR"
)

// Repository sentinel errors.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrDuplicateActive = errors.New("active job already exists for canonical url")
	ErrStatusConflict  = errors.New("job status changed concurrently")
)

// ErrInvalidTransition is returned when a status change is not an edge of the lifecycle DAG.
var ErrInvalidTransition = &Error{Code: CodeInvalidStatusTransition, Message: "invalid status transition"}

// Coded is implemented by errors that carry a persisted classification.
type Coded interface {
	ErrorCode() Code
}

// Error is a classified failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// NewError builds a classified error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError classifies an underlying error.
func WrapError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Code)
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode implements Coded.
func (e *Error) ErrorCode() Code {
	return e.Code
}

// Is matches another *Error by code so callers can use errors.Is against
// sentinels such as ErrInvalidTransition.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Code == e.Code
}

// CodeOf returns the first classification found in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded Coded
	if errors.As(err, &coded) {
		if code := coded.ErrorCode(); code != "" {
			return code
		}
	}
	switch {
	case errors.Is(err, ErrJobNotFound):
		return CodeJobNotFound
	case errors.Is(err, ErrStatusConflict):
		return CodeInvalidStatusTransition
	}
	return CodeUnknown
}
