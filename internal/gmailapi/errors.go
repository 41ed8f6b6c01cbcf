package gmailapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"
)

// ErrNotOpen is the cause of a SubmissionError when Send is called without
// an open connection.
var ErrNotOpen = errors.New("gmail connection is not open")

// CredentialError reports an unusable service-account descriptor, scope list
// or impersonated subject.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("invalid gmail credential: %v", e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// ConnectionError reports a failure to create the Gmail API client.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to gmail api: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubmissionError reports a failed users.messages.send call.
type SubmissionError struct {
	// StatusCode is the HTTP status returned by the API, or 0 when the
	// request never produced a response.
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gmail api error (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gmail send failed: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Temporary reports whether a later attempt may succeed: rate limiting,
// server errors and network failures.
func (e *SubmissionError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode != 0:
		return false
	}

	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr)
}

// TransportError is a submission failure re-raised for integrations that
// defer and retry delivery themselves.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gmail transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AsTransportError wraps err as a *TransportError. It is the stock
// BackendConfig.TranslateError for deferred-delivery callers.
func AsTransportError(err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Err: err}
}

// DeferTemporary wraps temporary submission failures as *TransportError and
// leaves permanent ones (such as a rejected recipient) untranslated, so that
// callers only retry what may later succeed.
func DeferTemporary(err error) error {
	var serr *SubmissionError
	if errors.As(err, &serr) && !serr.Temporary() {
		return nil
	}
	return AsTransportError(err)
}

// classifySendError extracts the HTTP status from a Gmail API error.
func classifySendError(err error) *SubmissionError {
	serr := &SubmissionError{Err: err, Message: err.Error()}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		serr.StatusCode = apiErr.Code
		if apiErr.Message != "" {
			serr.Message = apiErr.Message
		}
	}

	return serr
}
