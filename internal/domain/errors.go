package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrTransient      = errors.New("transient fetch failure")
	ErrWalksExhausted = errors.New("price walks exhausted")
	ErrLockHeld       = errors.New("lock already held")
	ErrGatewayDown    = errors.New("order gateway unreachable")
)
