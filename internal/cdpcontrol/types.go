package cdpcontrol

import (
	"errors"
	"fmt"
)

const (
	CodeValidation       = "VALIDATION"
	CodeTabNotFound      = "TAB_NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeStreamNotFound   = "STREAM_NOT_FOUND"
	CodeEvalFailure      = "EVAL_FAILURE"
	CodeEvalTimeout      = "EVAL_TIMEOUT"
	CodeCDPUnavailable   = "CDP_UNAVAILABLE"
)

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// NewError builds a CodedError. Other packages use it to speak the same
// error vocabulary, for example in fakes.
func NewError(code, msg string) error { return newError(code, msg, nil) }

// IsCode reports whether err carries code anywhere in its chain.
func IsCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}

// IsTabGone reports whether err means the tab no longer exists.
func IsTabGone(err error) bool { return IsCode(err, CodeTabNotFound) }

// IsPermissionDenied reports whether the tab refused to be captured.
func IsPermissionDenied(err error) bool { return IsCode(err, CodePermissionDenied) }

// TabInfo describes a browser tab mapped from a page target.
type TabInfo struct {
	TabID      int    `json:"tab_id"`
	TargetID   string `json:"target_id"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	FavIconURL string `json:"fav_icon_url,omitempty"`
}
