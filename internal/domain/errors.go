// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request failed boundary validation (size, range,
// format) before any storage operation was attempted.
var ErrValidation = errors.New("validation failed")

// ErrIntegrity indicates a record failed an internal consistency check, such
// as a checksum mismatch on decode or a dangling causal reference.
var ErrIntegrity = errors.New("integrity check failed")

// ErrBackpressure indicates a bounded queue or resource pool is saturated and
// the caller should retry later rather than block indefinitely.
var ErrBackpressure = errors.New("backpressure: resource saturated")
