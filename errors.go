package ews

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the ews package.
// Use errors.Is() to check for these errors.
var (
	// ErrTransport is matched by every *TransportError.
	ErrTransport = errors.New("ews: transport error")

	// ErrUnauthorized is matched by transport errors carrying HTTP 401 or 403.
	ErrUnauthorized = errors.New("ews: unauthorized")

	// ErrMalformedResponse is returned when the response body is not an XML document.
	ErrMalformedResponse = errors.New("ews: malformed response")

	// ErrServiceFault is matched by every *ServiceError.
	ErrServiceFault = errors.New("ews: service fault")

	// ErrNameResolutionNoResults is the fault the directory returns for an unknown address.
	// ResolveName turns it into a nil mailbox.
	ErrNameResolutionNoResults = errors.New("ews: name resolution returned no results")

	// ErrServerBusy is returned when the directory throttles the caller.
	ErrServerBusy = errors.New("ews: server busy")

	// ErrTimeout is returned when the directory timed out serving the request.
	ErrTimeout = errors.New("ews: server timeout")

	// ErrAccessDenied is returned when the account may not perform the request.
	ErrAccessDenied = errors.New("ews: access denied")

	// ErrImpersonationDenied is returned when the account may not impersonate the target.
	ErrImpersonationDenied = errors.New("ews: impersonation denied")

	// ErrInvalidServerVersion is returned when the requested protocol version is rejected.
	ErrInvalidServerVersion = errors.New("ews: invalid server version")

	// ErrNonExistentMailbox is returned when a referenced mailbox does not exist.
	ErrNonExistentMailbox = errors.New("ews: mailbox does not exist")

	// ErrInvalidSMTPAddress is returned when an address is not a valid SMTP address.
	ErrInvalidSMTPAddress = errors.New("ews: invalid smtp address")

	// ErrInvalidAddress is returned for an empty lookup address.
	ErrInvalidAddress = errors.New("ews: invalid address")

	// ErrUnknownMailboxType is returned when the resolver meets a type outside the enumeration.
	ErrUnknownMailboxType = errors.New("ews: unknown mailbox type")

	// ErrResolutionLimit is matched by every *LimitError.
	ErrResolutionLimit = errors.New("ews: resolution limit exceeded")

	// ErrCredentialsRequired is returned when a session is created without credentials.
	ErrCredentialsRequired = errors.New("ews: credentials are required")

	// ErrDirectoryRequired is returned when a resolver is created without a directory.
	ErrDirectoryRequired = errors.New("ews: directory is required")

	// ErrNotConnected is returned when a resolver is used before Connect().
	ErrNotConnected = errors.New("ews: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("ews: already connected")
)

// responseCodes maps directory response codes to sentinel errors.
var responseCodes = map[string]error{
	"ErrorNameResolutionNoResults": ErrNameResolutionNoResults,
	"ErrorServerBusy":              ErrServerBusy,
	"ErrorTimeoutExpired":          ErrTimeout,
	"ErrorAccessDenied":            ErrAccessDenied,
	"ErrorImpersonateUserDenied":   ErrImpersonationDenied,
	"ErrorImpersonationDenied":     ErrImpersonationDenied,
	"ErrorInvalidServerVersion":    ErrInvalidServerVersion,
	"ErrorNonExistentMailbox":      ErrNonExistentMailbox,
	"ErrorInvalidSmtpAddress":      ErrInvalidSMTPAddress,
}

// TransportError describes a failure to reach the directory or an HTTP
// status the directory answered without a fault document.
type TransportError struct {
	Op         string // "post", "read" or "decode"
	URL        string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ews: %s %s: http %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ews: %s %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap exposes the cause together with ErrTransport, and ErrUnauthorized
// for 401/403 answers.
func (e *TransportError) Unwrap() []error {
	errs := []error{ErrTransport}
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		errs = append(errs, ErrUnauthorized)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Retryable reports whether repeating the request may succeed.
func (e *TransportError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// ServiceError is a fault decoded from a directory response.
type ServiceError struct {
	// Code is the directory response code, e.g. "ErrorServerBusy".
	Code string
	// Message is the human-readable text the directory sent.
	Message string
	// Class is "Error" for response-message faults and "Fault" for SOAP faults.
	Class string
}

func (e *ServiceError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("ews: %s: %s", e.Code, e.Message)
	case e.Code != "":
		return "ews: " + e.Code
	default:
		return "ews: fault: " + e.Message
	}
}

// Unwrap exposes ErrServiceFault and the sentinel for known response codes.
func (e *ServiceError) Unwrap() []error {
	errs := []error{ErrServiceFault}
	if sentinel, ok := responseCodes[e.Code]; ok {
		errs = append(errs, sentinel)
	}
	return errs
}

// Retryable reports whether the fault is transient.
func (e *ServiceError) Retryable() bool {
	return e.Code == "ErrorServerBusy" || e.Code == "ErrorTimeoutExpired"
}

// LimitError is returned when a resolution exceeds its recursion budget.
// No partial result accompanies it.
type LimitError struct {
	Limit   string // "addresses" or "depth"
	Max     int
	Address string // the address being processed when the limit tripped
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("ews: resolution limit exceeded: more than %d %s at %s", e.Max, e.Limit, e.Address)
}

func (e *LimitError) Unwrap() error {
	return ErrResolutionLimit
}

// EventPublishError is returned when event publishing fails and the
// resolver was configured with WithEventErrorsFatal(true). The resolution
// itself succeeded and its result is returned alongside this error.
type EventPublishError struct {
	Event   string
	Address string
	Err     error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("ews: event %s publish failed for %s: %v", e.Event, e.Address, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsRetryableError reports whether err is transient.
// Transport failures, HTTP 429/5xx and throttling faults are retryable;
// other faults, malformed responses and limit errors are permanent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

// IsServiceError extracts a *ServiceError from err.
func IsServiceError(err error) (*ServiceError, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
