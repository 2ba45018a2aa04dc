package ratelimit

import "errors"

var (
	ErrLimiterUnavailable = errors.New("rate limiter unavailable")
	ErrInvalidResponse    = errors.New("invalid rate limiter response")
	ErrEmptyKey           = errors.New("rate limiter key cannot be empty")
	ErrClientClosed       = errors.New("rate limiter client closed")
)
