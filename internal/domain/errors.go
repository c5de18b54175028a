// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request was rejected by the data contract
// before dispatch. Never auto-retried.
var ErrValidation = errors.New("validation failed")

// ErrRateLimited indicates the caller exceeded its submission budget.
var ErrRateLimited = errors.New("rate limited")

// ErrTerminal indicates an approval case has already reached a terminal
// status and cannot transition further.
var ErrTerminal = errors.New("case is terminal")

// ErrUnauthorized indicates missing or invalid caller credentials.
var ErrUnauthorized = errors.New("unauthorized")
