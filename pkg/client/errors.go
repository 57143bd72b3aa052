package client

import (
	"errors"
	"fmt"
	"time"
)

// AuthError reports rejected credentials or an unreachable auth
// endpoint after bounded retries. It is never retried automatically.
type AuthError struct {
	Endpoint string
	Message  string
	Err      error
}

func (e *AuthError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "authentication failed"
	}
	if e.Err != nil {
		return fmt.Sprintf("xcat auth against %s: %s: %v", e.Endpoint, msg, e.Err)
	}
	return fmt.Sprintf("xcat auth against %s: %s", e.Endpoint, msg)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NotFoundError reports a resource that does not exist on the server.
type NotFoundError struct {
	Kind ResourceKind
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("xcat %s %q not found", e.Kind, e.Name)
}

// ConflictError reports a server-side state conflict, e.g. the resource
// already exists or is busy. It requires a caller decision and is
// never retried.
type ConflictError struct {
	Kind    ResourceKind
	Name    string
	Verb    string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("xcat %s %q: conflict on %s: %s", e.Kind, e.Name, e.Verb, e.Message)
}

// TransportError reports a network failure, per-call timeout or an
// unexpected server status. Retrying is the caller's decision.
type TransportError struct {
	Kind       ResourceKind
	Name       string
	Verb       string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	target := string(e.Kind)
	if e.Name != "" {
		target = fmt.Sprintf("%s %q", e.Kind, e.Name)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("xcat %s: %s returned status %d: %v", target, e.Verb, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("xcat %s: %s transport failure: %v", target, e.Verb, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError reports a malformed descriptor or parameter set. It
// is raised before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// TimeoutError reports that a tracked node operation did not reach its
// target state within the configured ceiling.
type TimeoutError struct {
	Kind      ResourceKind
	Name      string
	Operation string
	Ceiling   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("xcat %s %q: operation %s not confirmed within %s", e.Kind, e.Name, e.Operation, e.Ceiling)
}

func IsAuthError(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}
