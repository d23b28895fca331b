// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation indicates invalid input data.
var ErrValidation = errors.New("validation error")

// ErrUnavailable indicates the durable log cannot be reached.
var ErrUnavailable = errors.New("event log unavailable")

// ErrInvalidCursor indicates a replay cursor that is not a log-assigned id.
var ErrInvalidCursor = errors.New("invalid cursor")
