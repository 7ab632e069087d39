// Package errs defines the error taxonomy shared by the retry engine and the
// harvesting components. Errors are classified into a small set of classes
// that determine whether a failed call is retried, recovered via a session
// refresh, or propagated as-is.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Class partitions every failure the crawler can hit.
type Class string

const (
	// ClassSessionExpired marks an authentication loss. Not retryable by
	// backoff, but recoverable exactly once per call via a refresh hook.
	ClassSessionExpired Class = "SESSION_EXPIRED"
	// ClassServerError marks an HTTP 5xx response. Retryable with backoff.
	ClassServerError Class = "SERVER_ERROR"
	// ClassNetworkError marks a transport-level failure. Retryable with backoff.
	ClassNetworkError Class = "NETWORK_ERROR"
	// ClassEnvironmentFault marks a setup problem (unwritable media dir,
	// malformed base URL). Fatal; surfaced distinctly so operators don't
	// mistake it for a transient network issue.
	ClassEnvironmentFault Class = "ENVIRONMENT_FAULT"
	// ClassScrapeFailed is the generic non-retryable failure, e.g. an
	// unexpected 4xx or a page whose structure can't be parsed.
	ClassScrapeFailed Class = "SCRAPE_FAILED"
	// ClassMaxRetries wraps the last error once the retry budget is spent.
	ClassMaxRetries Class = "MAX_RETRIES_EXCEEDED"
)

// Error is a classified crawler error.
type Error struct {
	Class Class
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error.
func New(class Class, msg string) *Error {
	return &Error{Class: class, Msg: msg}
}

// Wrap builds a classified error around a cause.
func Wrap(class Class, msg string, cause error) *Error {
	return &Error{Class: class, Msg: msg, Cause: cause}
}

// SessionExpired builds a SESSION_EXPIRED error for the given context.
func SessionExpired(msg string) *Error { return New(ClassSessionExpired, msg) }

// ClassOf extracts the class of err, or ClassScrapeFailed when err carries
// no explicit class and no recognizable transport signature.
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	if looksLikeNetworkError(err) {
		return ClassNetworkError
	}
	return ClassScrapeFailed
}

// IsSessionExpired reports whether err is a session loss.
func IsSessionExpired(err error) bool { return ClassOf(err) == ClassSessionExpired }

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	switch ClassOf(err) {
	case ClassServerError, ClassNetworkError:
		return true
	}
	return false
}

// FromStatusCode maps an HTTP response status to an error, or nil for
// success. 401/403 mean the session died; 5xx is retryable; any other
// non-2xx is a plain scrape failure.
func FromStatusCode(code int, url string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return New(ClassSessionExpired, fmt.Sprintf("HTTP %d from %s", code, url))
	case code >= 500:
		return New(ClassServerError, fmt.Sprintf("HTTP %d from %s", code, url))
	default:
		return New(ClassScrapeFailed, fmt.Sprintf("HTTP %d from %s", code, url))
	}
}

// looksLikeNetworkError sniffs transport failures that arrive as plain
// errors from net/http rather than as classified values.
func looksLikeNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout", "deadline exceeded", "connection reset", "connection refused",
		"network", "socket", "fetch failed", "broken pipe", "eof",
		"no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// loginRedirectMarkers are URL fragments that signal the platform bounced us
// back to a login page instead of serving content.
var loginRedirectMarkers = []string{"/login", "/signin", "/auth/", "session-expired"}

// IsLoginRedirect reports whether the final URL of a response indicates a
// redirect to a login page, which means the session is gone even though the
// status code was 200.
func IsLoginRedirect(finalURL string) bool {
	lower := strings.ToLower(finalURL)
	for _, m := range loginRedirectMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
