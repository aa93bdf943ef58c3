package resources

import (
	"errors"
	"fmt"
	"net/http"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
)

var (
	// ErrStreamClosed reports that a watch stream ended. Loops recover from it.
	ErrStreamClosed = errors.New("watch stream closed")
	// ErrConnectionLost reports a transport-level failure. Loops recover from it.
	ErrConnectionLost = errors.New("connection lost")
	// ErrValidationFailed is returned when object data cannot be turned into a KubeObject.
	ErrValidationFailed = errors.New("validation failed")
	// ErrNotFound is returned for lookup misses in the registry or a store.
	ErrNotFound = errors.New("not found")
)

// RequestFailedError is returned by a Client for any non-2xx response.
type RequestFailedError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

func (e *RequestFailedError) Unwrap() error {
	return e.Err
}

// Is lets callers match a 404 with errors.Is(err, ErrNotFound).
func (e *RequestFailedError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// ValidationError describes malformed object data.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsRequestFailed reports whether err is a RequestFailedError with the given status code.
// A zero code matches any status.
func IsRequestFailed(err error, code int) bool {
	var rf *RequestFailedError
	if !errors.As(err, &rf) {
		return false
	}
	return code == 0 || rf.StatusCode == code
}

// classifyError converts errors coming back from client-go into the package taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var status apierrors.APIStatus
	if errors.As(err, &status) {
		s := status.Status()
		code := int(s.Code)
		if code == 0 {
			code = http.StatusInternalServerError
		}
		return &RequestFailedError{StatusCode: code, Message: s.Message, Err: err}
	}
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}
