// Package exception provides the error taxonomy used across tsingest.
// Errors are classified as retryable (transient network), permanent (the entity or
// request can never succeed) or plain failures, so that retry loops, the adapter
// registry and the orchestrator can react without string matching.
package exception

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"sync"
)

// errorRegistry maps configured error names to sentinel instances for errors.Is comparison.
var errorRegistry = make(map[string]error)

// registryMutex protects access to errorRegistry.
var registryMutex sync.RWMutex

// RegisterErrorType registers a named error prototype.
// Registered names can be referenced from configuration (for example, retry.retryable_errors)
// and by IsErrorOfType.
//
// Panics if name is empty or prototype is nil.
func RegisterErrorType(name string, prototype error) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if name == "" {
		panic("Error type name cannot be empty")
	}
	if prototype == nil {
		panic(fmt.Sprintf("Cannot register nil prototype for name: %s", name))
	}
	errorRegistry[name] = prototype
}

// IsErrorTypeRegistered checks if the specified error type name is registered.
func IsErrorTypeRegistered(name string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, ok := errorRegistry[name]
	return ok
}

// IngestError is the error type raised by adapters, the store and the orchestrator.
type IngestError struct {
	// Module indicates where the error occurred (e.g., "prices.fetch", "store", "config").
	Module string
	// Message is a concise description of the error.
	Message string
	// OriginalErr is the wrapped original error.
	OriginalErr error
	// StatusCode is the upstream HTTP status, if the error came from a provider response.
	StatusCode int

	retryable bool
	permanent bool
}

// NewIngestError creates a new IngestError.
//
// Parameters:
//
//	module: The module where the error occurred.
//	message: The error message.
//	originalErr: The original error to wrap (may be nil).
//	isPermanent: Whether the failure can never succeed for this entity/request.
//	isRetryable: Whether a retry may succeed.
func NewIngestError(module, message string, originalErr error, isPermanent, isRetryable bool) *IngestError {
	return &IngestError{
		Module:      module,
		Message:     message,
		OriginalErr: originalErr,
		retryable:   isRetryable,
		permanent:   isPermanent,
	}
}

// NewIngestErrorf creates a new IngestError using a format string.
// Optional trailing arguments are extracted from the end of a, in the order:
// [originalErr error], then [isRetryable bool], then [isPermanent bool].
// The remaining arguments are used for fmt.Sprintf.
//
// Examples:
//
//	NewIngestErrorf("news.fetch", "request for %s failed", "AAPL", false, true, err)
//	-> message "request for AAPL failed", permanent=false, retryable=true, originalErr=err
func NewIngestErrorf(module, format string, a ...interface{}) *IngestError {
	var originalErr error
	isRetryable := false
	isPermanent := false
	args := a

	if len(args) > 0 {
		if err, ok := args[len(args)-1].(error); ok {
			originalErr = err
			args = args[:len(args)-1]
		}
	}
	if len(args) > 0 {
		if b, ok := args[len(args)-1].(bool); ok {
			isRetryable = b
			args = args[:len(args)-1]
		}
	}
	if len(args) > 0 {
		if b, ok := args[len(args)-1].(bool); ok {
			isPermanent = b
			args = args[:len(args)-1]
		}
	}

	return &IngestError{
		Module:      module,
		Message:     fmt.Sprintf(format, args...),
		OriginalErr: originalErr,
		retryable:   isRetryable,
		permanent:   isPermanent,
	}
}

// NewHTTPStatusError builds an IngestError classified from an upstream HTTP status.
func NewHTTPStatusError(module string, statusCode int, body string) *IngestError {
	retryable, permanent := ClassifyHTTPStatus(statusCode)
	msg := fmt.Sprintf("upstream returned %d %s", statusCode, http.StatusText(statusCode))
	if body = strings.TrimSpace(body); body != "" {
		if len(body) > 256 {
			body = body[:256]
		}
		msg += ": " + body
	}
	e := NewIngestError(module, msg, nil, permanent, retryable)
	e.StatusCode = statusCode
	return e
}

// ClassifyHTTPStatus reports whether a status code is retryable (429, 5xx, 408)
// or permanent (403, 404, 410). Other 4xx codes are neither.
func ClassifyHTTPStatus(statusCode int) (retryable, permanent bool) {
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode == http.StatusRequestTimeout:
		return true, false
	case statusCode >= 500:
		return true, false
	case statusCode == http.StatusForbidden, statusCode == http.StatusNotFound, statusCode == http.StatusGone:
		return false, true
	default:
		return false, false
	}
}

// Error implements the error interface.
func (e *IngestError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Module, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s", e.Module, e.Message)
}

// Unwrap returns the original error for errors.Unwrap.
func (e *IngestError) Unwrap() error {
	return e.OriginalErr
}

// IsRetryable returns whether this error is retryable.
func (e *IngestError) IsRetryable() bool {
	return e.retryable
}

// IsPermanent returns whether this error marks the request as never satisfiable.
func (e *IngestError) IsPermanent() bool {
	return e.permanent
}

// ErrNoData is returned by adapters when a provider reports no data at all for an entity.
var ErrNoData = errors.New("no data for entity")

// IsPermanent reports whether err (or anything it wraps) is a permanent client failure.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoData) {
		return true
	}
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.IsPermanent()
	}
	return false
}

// IsTemporary determines if an error is transient: an IngestError flagged retryable,
// a network timeout, a refused/reset connection or an unexpected EOF.
// Context cancellation is never temporary.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ie *IngestError
	if errors.As(err, &ie) {
		if ie.IsRetryable() {
			return true
		}
		if ie.IsPermanent() || ie.OriginalErr == nil {
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "EOF")
}

// IsErrorOfType checks if an error matches a registered name, a message substring
// or a Go type name (e.g. "*net.OpError").
func IsErrorOfType(err error, errorTypeName string) bool {
	if err == nil {
		return false
	}

	registryMutex.RLock()
	target, ok := errorRegistry[errorTypeName]
	registryMutex.RUnlock()
	if ok && errors.Is(err, target) {
		return true
	}

	for current := err; current != nil; current = errors.Unwrap(current) {
		if strings.Contains(current.Error(), errorTypeName) {
			return true
		}
		if t := reflect.TypeOf(current); t != nil {
			if t.String() == errorTypeName || (t.Kind() == reflect.Ptr && t.Elem().String() == errorTypeName) {
				return true
			}
		}
	}
	return false
}

// ExtractErrorMessage returns the Message of an IngestError, or err.Error() otherwise.
func ExtractErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var ie *IngestError
	if errors.As(err, &ie) {
		if ie.OriginalErr != nil {
			return fmt.Sprintf("%s: %v", ie.Message, ie.OriginalErr)
		}
		return ie.Message
	}
	return err.Error()
}

func init() {
	RegisterErrorType("context.DeadlineExceeded", context.DeadlineExceeded)
	RegisterErrorType("context.Canceled", context.Canceled)
	RegisterErrorType("no_data", ErrNoData)
}
