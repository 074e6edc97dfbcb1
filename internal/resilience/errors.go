package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/llm-factory/internal/model"
)

// KindError tags an error with the failure kind it was classified as.
type KindError struct {
	Kind       model.FailureKind
	StatusCode int
	Err        error
}

func (e *KindError) Error() string {
	return e.Err.Error()
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// NewKindError tags err with kind and an optional HTTP status code.
func NewKindError(kind model.FailureKind, statusCode int, err error) *KindError {
	return &KindError{Kind: kind, StatusCode: statusCode, Err: err}
}

// IsTransient returns true if the error is worth retrying: a KindError of a
// transient kind anywhere in the chain, or a network-level failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Transient()
}

// Classify maps an error to a failure kind. Explicit KindErrors win; context
// errors, network timeouts and connection failures are recognized next, and
// everything else is unknown.
func Classify(err error) model.FailureKind {
	if err == nil {
		return ""
	}

	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.FailureTimeout
	}
	if errors.Is(err, context.Canceled) {
		return model.FailureCanceled
	}
	if errors.Is(err, ErrCircuitOpen) {
		return model.FailureCircuitOpen
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.FailureTimeout
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return model.FailureTransport
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"i/o timeout", "tls handshake timeout", "deadline exceeded"} {
		if strings.Contains(msg, p) {
			return model.FailureTimeout
		}
	}
	for _, p := range []string{
		"connection reset by peer",
		"connection refused",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"server closed idle connection",
		"transport connection broken",
		"unexpected eof",
	} {
		if strings.Contains(msg, p) {
			return model.FailureTransport
		}
	}

	return model.FailureUnknown
}

// ClassifyHTTPStatus maps an HTTP status code from the remote service to a
// failure kind.
func ClassifyHTTPStatus(statusCode int) model.FailureKind {
	switch {
	case statusCode == 401 || statusCode == 403:
		return model.FailureAuth
	case statusCode == 408:
		return model.FailureTimeout
	case statusCode == 429:
		return model.FailureRateLimit
	case statusCode == 529, statusCode >= 500 && statusCode <= 599:
		return model.FailureServer
	case statusCode >= 400 && statusCode <= 499:
		return model.FailureBadRequest
	default:
		return model.FailureUnknown
	}
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	return ClassifyHTTPStatus(statusCode).Transient()
}
