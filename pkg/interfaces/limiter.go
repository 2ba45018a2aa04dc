package interfaces

import (
	"context"
	"time"
)

// RateLimiter is the per-client-key cooldown service
// FUNCTIONAL DISCOVERY: Request/response contract lets the same interface be
// served in-process, from Redis, or over HTTP from another process
type RateLimiter interface {
	// Charge consumes one increment of budget for key and returns the cooldown
	// the caller must observe before its next permitted action
	Charge(ctx context.Context, key string) (time.Duration, error)

	// Peek returns the current cooldown for key without consuming budget
	Peek(ctx context.Context, key string) (time.Duration, error)
}
