package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrMalformedEnvelope is returned for notifications missing required fields
	ErrMalformedEnvelope = errors.New("malformed notification envelope")

	// ErrUnknownChangeType is returned for change kinds a resource does not support
	ErrUnknownChangeType = errors.New("unknown change type")

	// ErrStorageUnavailable is returned when the durable store cannot be used
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrTransportUnavailable is returned when the streaming connection cannot be built or started
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrNoSession is returned when no identity is signed in
	ErrNoSession = errors.New("no active session")

	// ErrNotFound is returned by stores for missing keys
	ErrNotFound = errors.New("not found")

	// ErrSubscriptionNotCreated is returned when the backend answers a create without a notification target
	ErrSubscriptionNotCreated = errors.New("subscription not created")
)

// limitReachedMessage marks a 403 that is really a quota on concurrent subscriptions
const limitReachedMessage = "has reached its limit"

// Class is the retry classification of a failure
type Class int

const (
	// ClassTransient failures are retried later with backoff
	ClassTransient Class = iota
	// ClassPermanent failures stop renewal for the owner
	ClassPermanent
	// ClassStale failures mean the remote subscription no longer exists
	ClassStale
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassStale:
		return "stale"
	default:
		return "transient"
	}
}

// RemoteError is a non-success response from the remote API
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote error (%d): %s", e.StatusCode, e.Message)
}

// Class classifies the response status
func (e *RemoteError) Class() Class {
	switch e.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return ClassStale
	case http.StatusForbidden:
		if strings.Contains(e.Message, limitReachedMessage) {
			return ClassTransient
		}
		return ClassPermanent
	case http.StatusPaymentRequired:
		return ClassPermanent
	default:
		return ClassTransient
	}
}

// LimitReached reports whether the error is the concurrent-subscription quota
func (e *RemoteError) LimitReached() bool {
	return e.StatusCode == http.StatusForbidden && strings.Contains(e.Message, limitReachedMessage)
}

// Classify returns the retry class of err. Anything that is not a
// classified remote error is treated as transient.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}

	var ensureErr *EnsureError
	if errors.As(err, &ensureErr) {
		return ensureErr.Class()
	}

	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Class()
	}

	return ClassTransient
}

// IsPermanent reports whether err, or any error joined into it, is permanent
func IsPermanent(err error) bool {
	return anyClass(err, ClassPermanent)
}

// IsStale reports whether err is a stale-remote failure
func IsStale(err error) bool {
	return err != nil && Classify(err) == ClassStale
}

func anyClass(err error, class Class) bool {
	if err == nil {
		return false
	}
	if remoteErr, ok := err.(*RemoteError); ok {
		return remoteErr.Class() == class
	}

	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if anyClass(e, class) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return anyClass(u.Unwrap(), class)
	}
	return false
}

// SpecFailure records one resource that could not be subscribed
type SpecFailure struct {
	Spec ResourceSpec
	Err  error
}

// EnsureError aggregates the per-resource failures of one ensure call
type EnsureError struct {
	Owner    OwnerKey
	Failures []SpecFailure
}

func (e *EnsureError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Spec.ResourcePath, f.Err))
	}
	return fmt.Sprintf("ensure %s: %d subscription(s) failed: %s", e.Owner, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes every failure to errors.Is and errors.As
func (e *EnsureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Class is permanent when any failure is permanent, transient otherwise
func (e *EnsureError) Class() Class {
	for _, f := range e.Failures {
		if Classify(f.Err) == ClassPermanent {
			return ClassPermanent
		}
	}
	return ClassTransient
}
