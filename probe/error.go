package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/petal-labs/switchboard/probe/mcp"
)

const (
	// CodeTimeout is returned when a probe exceeds its deadline.
	CodeTimeout = "TIMEOUT"
	// CodeTransportFailure is returned when the provider cannot be reached.
	CodeTransportFailure = "TRANSPORT_FAILURE"
	// CodeUpstreamFailure is returned when the provider answers with an error.
	CodeUpstreamFailure = "UPSTREAM_FAILURE"
	// CodeDecodeFailure is returned when the provider's answer is malformed.
	CodeDecodeFailure = "DECODE_FAILURE"
	// CodeUnsupportedKind is returned when no prober handles a descriptor kind.
	CodeUnsupportedKind = "UNSUPPORTED_KIND"
	// CodeInvalidDescriptor is returned when a descriptor lacks what its kind needs.
	CodeInvalidDescriptor = "INVALID_DESCRIPTOR"
)

// Error is a classified probe failure. Code is stable and machine readable;
// Retryable tells the retry policy whether another attempt can help.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Cause     error  `json:"-"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newError(code string, retryable bool, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = strings.TrimSpace(cause.Error())
	}
	return &Error{Code: code, Message: msg, Retryable: retryable, Cause: cause}
}

// Classify converts any probe failure into an *Error. Errors that are already
// classified pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var probeErr *Error
	if errors.As(err, &probeErr) {
		return probeErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeTimeout, true, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(CodeTimeout, true, err)
	}

	var statusErr *mcp.StatusError
	if errors.As(err, &statusErr) {
		return newError(CodeUpstreamFailure, retryableStatus(statusErr.StatusCode), err)
	}
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		return newError(CodeUpstreamFailure, false, err)
	}
	var decodeErr *mcp.DecodeError
	if errors.As(err, &decodeErr) {
		return newError(CodeDecodeFailure, false, err)
	}
	return newError(CodeTransportFailure, true, err)
}

// CodeOf returns the classification code of err, or "" for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return Classify(err).Code
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}
