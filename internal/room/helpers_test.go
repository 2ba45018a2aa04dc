package room

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"roomchat/pkg/clock"
)

var errSendFailed = errors.New("send failed")

// fakeConn records frames and close calls
type fakeConn struct {
	mu          sync.Mutex
	frames      [][]byte
	failSend    bool
	closed      bool
	closeCode   int
	closeReason string
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend || f.closed {
		return errSendFailed
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeConn) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
		f.closeReason = reason
	}
	return nil
}

func (f *fakeConn) setFailing() {
	f.mu.Lock()
	f.failSend = true
	f.mu.Unlock()
}

// Frames returns decoded frames
func (f *fakeConn) Frames() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(f.frames))
	for _, raw := range f.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) Closed() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode, f.closeReason
}

// fakeLimiter permits according to allow and exposes the failure callback
type fakeLimiter struct {
	mu      sync.Mutex
	allow   bool
	closed  bool
	onError func(error)
}

func (l *fakeLimiter) CheckLimit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allow
}

func (l *fakeLimiter) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

func (l *fakeLimiter) setAllow(allow bool) {
	l.mu.Lock()
	l.allow = allow
	l.mu.Unlock()
}

// limiterRegistry hands out fakeLimiters and remembers them in creation order
type limiterRegistry struct {
	mu       sync.Mutex
	limiters []*fakeLimiter
}

func (r *limiterRegistry) factory(clientKey string, onError func(error)) Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := &fakeLimiter{allow: true, onError: onError}
	r.limiters = append(r.limiters, l)
	return l
}

func (r *limiterRegistry) get(i int) *fakeLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limiters[i]
}

type testRoom struct {
	*Coordinator
	clock    *clock.Fake
	limiters *limiterRegistry
	lookup   map[string]*Session
}

func newTestRoom(t *testing.T, mutate ...func(*Options)) *testRoom {
	t.Helper()
	fake := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	reg := &limiterRegistry{}
	opts := Options{
		Clock:      fake,
		NewLimiter: reg.factory,
		Logger:     zerolog.Nop(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	c := NewCoordinator("lobby", opts)
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Stop() })
	return &testRoom{Coordinator: c, clock: fake, limiters: reg, lookup: make(map[string]*Session)}
}

// sync waits until every previously submitted event has been processed
func (r *testRoom) sync(t *testing.T) {
	t.Helper()
	_, err := r.Stats()
	require.NoError(t, err)
}

func (r *testRoom) join(t *testing.T, clientKey string) (*fakeConn, *Session) {
	t.Helper()
	conn := &fakeConn{}
	s, err := r.Join(conn, clientKey)
	require.NoError(t, err)
	r.lookup[clientKey] = s
	return conn, s
}

func (r *testRoom) send(t *testing.T, s *Session, raw string) {
	t.Helper()
	require.NoError(t, r.Receive(s, []byte(raw)))
	r.sync(t)
}

// joinAs connects and completes a handshake
func (r *testRoom) joinAs(t *testing.T, name string) (*fakeConn, *Session) {
	t.Helper()
	conn, s := r.join(t, "ip-"+name)
	r.send(t, s, `{"user":"`+name+`","joined":"lobby"}`)
	return conn, s
}
