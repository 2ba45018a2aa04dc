package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"roomchat/internal/metrics"
	"roomchat/pkg/interfaces"
)

// Resolver returns a handle to the limiter service for a client key. It is
// called again after a failed charge, since the backing service may have
// restarted or moved.
type Resolver func(key string) (interfaces.RateLimiter, error)

// StaticResolver always returns svc
func StaticResolver(svc interfaces.RateLimiter) Resolver {
	return func(string) (interfaces.RateLimiter, error) { return svc, nil }
}

// Client is one session's view of the limiter: a non-blocking permit check
// with at most one charge in flight.
// ARCHITECTURAL DISCOVERY: inCooldown is a single-slot guard; the goroutine that
// wins the slot is the only one that touches the service handle until it
// releases the slot
type Client struct {
	key        string
	resolve    Resolver
	onError    func(error)
	timeout    time.Duration
	logger     zerolog.Logger
	inCooldown atomic.Bool

	mu      sync.Mutex
	service interfaces.RateLimiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithCallTimeout bounds each charge request
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithLogger attaches a logger
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a limiter client for key. onError is called at most once,
// from a background goroutine, when a charge fails even after a retry.
func NewClient(key string, resolve Resolver, onError func(error), opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		key:     key,
		resolve: resolve,
		onError: onError,
		timeout: 5 * time.Second,
		logger:  zerolog.Nop(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckLimit reports whether the caller may proceed. It never blocks: a permit
// is granted optimistically and verified in the background, and further
// checks are denied until the returned cooldown has elapsed.
func (c *Client) CheckLimit() bool {
	if c.ctx.Err() != nil {
		return false
	}
	if !c.inCooldown.CompareAndSwap(false, true) {
		return false
	}

	c.wg.Add(1)
	go c.callLimiter()
	return true
}

// InCooldown reports whether a charge or cooldown wait is outstanding
func (c *Client) InCooldown() bool {
	return c.inCooldown.Load()
}

// Close cancels any in-flight charge or cooldown wait. A completion that
// arrives afterwards has no effect.
func (c *Client) Close() {
	c.cancel()
}

// Wait blocks until background work has finished; used by tests and shutdown
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) callLimiter() {
	defer c.wg.Done()

	cooldown, err := c.chargeWithRetry()
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		metrics.LimiterRequests.WithLabelValues("failed").Inc()
		c.logger.Error().Err(err).Str("client_key", c.key).Msg("rate limiter failed after retry")
		if c.onError != nil {
			c.onError(err)
		}
		// inCooldown stays set; the session is being torn down
		return
	}

	metrics.LimiterCooldown.Observe(cooldown.Seconds())

	if cooldown > 0 {
		timer := time.NewTimer(cooldown)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			return
		}
	}

	c.inCooldown.Store(false)
}

// chargeWithRetry charges through the current handle and, on failure, once
// more through a freshly resolved one
func (c *Client) chargeWithRetry() (time.Duration, error) {
	svc, err := c.handle(false)
	if err == nil {
		cooldown, chargeErr := c.charge(svc)
		if chargeErr == nil {
			metrics.LimiterRequests.WithLabelValues("ok").Inc()
			return cooldown, nil
		}
		err = chargeErr
	}

	if c.ctx.Err() != nil {
		return 0, ErrClientClosed
	}
	c.logger.Warn().Err(err).Str("client_key", c.key).Msg("rate limiter call failed, retrying with fresh handle")

	svc, err = c.handle(true)
	if err != nil {
		return 0, fmt.Errorf("%w: resolve: %v", ErrLimiterUnavailable, err)
	}
	cooldown, err := c.charge(svc)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}

	metrics.LimiterRequests.WithLabelValues("retried").Inc()
	return cooldown, nil
}

func (c *Client) charge(svc interfaces.RateLimiter) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()
	return svc.Charge(ctx, c.key)
}

func (c *Client) handle(fresh bool) (interfaces.RateLimiter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.service != nil && !fresh {
		return c.service, nil
	}

	svc, err := c.resolve(c.key)
	if err != nil {
		c.service = nil
		return nil, err
	}
	c.service = svc
	return svc, nil
}
