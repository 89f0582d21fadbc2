/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

// Package errs implements the structured error kinds the coincidence
// engine returns across component boundaries instead of raising.
package errs // import "github.com/SNEWS2/SNEWS-Coincidence-System/internal/errs"

import "fmt"

// Kind classifies an error the way the engine's components report it
// to their callers.
type Kind int

const (
	// Validation marks a malformed inbound payload.
	Validation Kind = iota
	// Cache marks an invariant violation discovered during a cache
	// mutation; the mutation is rolled back before this is returned.
	Cache
	// TransportRetryable marks a recoverable transport fault; the
	// runner reconnects with backoff.
	TransportRetryable
	// TransportFatal marks an unrecoverable transport fault; the
	// runner terminates.
	TransportFatal
	// ExternalIO marks a failed send to a downstream human channel;
	// never fatal, the alert has already reached the bus.
	ExternalIO
	// AdminAuth marks a rejected admin command.
	AdminAuth
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return `validation`
	case Cache:
		return `cache`
	case TransportRetryable:
		return `transport_retryable`
	case TransportFatal:
		return `transport_fatal`
	case ExternalIO:
		return `external_io`
	case AdminAuth:
		return `admin_auth`
	default:
		return `unknown`
	}
}

// Error wraps an underlying cause with the Kind the engine uses to
// decide how to propagate it.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// New constructs a structured Error with no wrapped cause.
func New(k Kind, reason string) *Error {
	return &Error{Kind: k, Reason: reason}
}

// Wrap constructs a structured Error around an underlying cause.
func Wrap(k Kind, reason string, err error) *Error {
	return &Error{Kind: k, Reason: reason, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == k
}
