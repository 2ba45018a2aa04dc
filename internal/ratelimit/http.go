package ratelimit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"roomchat/pkg/interfaces"
)

// Handler exposes a limiter over HTTP. POST charges, GET peeks; the response
// body is the cooldown in seconds as a plain decimal number.
type Handler struct {
	limiter interfaces.RateLimiter
	logger  zerolog.Logger
}

// NewHandler wraps limiter for HTTP access
func NewHandler(limiter interfaces.RateLimiter, logger zerolog.Logger) *Handler {
	return &Handler{
		limiter: limiter,
		logger:  logger.With().Str("component", "limiter_http").Logger(),
	}
}

// Routes returns a router to be mounted under a prefix such as /limiter
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{key}", h.charge)
	r.Get("/{key}", h.peek)
	return r
}

func (h *Handler) charge(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.limiter.Charge)
}

func (h *Handler) peek(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, h.limiter.Peek)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (time.Duration, error)) {
	key := chi.URLParam(r, "key")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	cooldown, err := op(r.Context(), key)
	if err != nil {
		h.logger.Error().Err(err).Str("client_key", key).Msg("limiter operation failed")
		http.Error(w, "limiter error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, FormatCooldown(cooldown))
}

// FormatCooldown renders d as seconds, e.g. "0", "1.5"
func FormatCooldown(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// ParseCooldown is the inverse of FormatCooldown. Negative values clamp to zero.
func ParseCooldown(body string) (time.Duration, error) {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(body), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidResponse, body)
	}
	if seconds < 0 {
		return 0, nil
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// RemoteService calls a Handler running in another process. It implements
// interfaces.RateLimiter.
type RemoteService struct {
	baseURL string
	client  *http.Client
}

// NewRemoteService targets baseURL, e.g. "http://limiter:8080/limiter"
func NewRemoteService(baseURL string, timeout time.Duration) *RemoteService {
	return &RemoteService{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *RemoteService) Charge(ctx context.Context, key string) (time.Duration, error) {
	return s.call(ctx, http.MethodPost, key)
}

func (s *RemoteService) Peek(ctx context.Context, key string) (time.Duration, error) {
	return s.call(ctx, http.MethodGet, key)
}

func (s *RemoteService) call(ctx context.Context, method, key string) (time.Duration, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+"/"+url.PathEscape(key), nil)
	if err != nil {
		return 0, fmt.Errorf("build limiter request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return 0, fmt.Errorf("%w: read body: %v", ErrLimiterUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status %d", ErrLimiterUnavailable, resp.StatusCode)
	}

	return ParseCooldown(string(body))
}
