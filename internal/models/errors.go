package models

import "errors"

// Business errors returned by the exchange. Each one aborts the operation
// with nothing persisted; the API layer maps them to status codes.
var (
	ErrInsufficientBalance      = errors.New("insufficient balance")
	ErrInsufficientAsset        = errors.New("insufficient asset")
	ErrOrderNotFound            = errors.New("order not found")
	ErrUnauthorizedCancellation = errors.New("order belongs to another user")
	ErrInvalidOrderStatus       = errors.New("only open orders can be cancelled")
)

// Request errors
var (
	ErrInvalidOrder  = errors.New("invalid order")
	ErrUnknownSymbol = errors.New("unknown symbol")
	ErrUserNotFound  = errors.New("user not found")
	ErrUserExists    = errors.New("username already taken")
)

// ErrTransient marks lock timeouts, deadlocks and serialization failures.
// The operation had no effect and may be retried as a whole.
var ErrTransient = errors.New("transient conflict, retry")

// IsTransient reports whether err is retryable
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
