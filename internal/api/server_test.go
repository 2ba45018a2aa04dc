package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/internal/ratelimit"
	"roomchat/internal/room"
	"roomchat/internal/websocket"
	"roomchat/pkg/interfaces"
	"roomchat/pkg/types"
)

type memoryDirectory struct {
	mu        sync.Mutex
	rooms     map[string]*types.Room
	healthErr error
}

func newMemoryDirectory() *memoryDirectory {
	return &memoryDirectory{rooms: make(map[string]*types.Room)}
}

func (d *memoryDirectory) CreateRoom(ctx context.Context, r *types.Room) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rooms[r.ID]; ok {
		return interfaces.ErrRoomExists
	}
	copied := *r
	d.rooms[r.ID] = &copied
	return nil
}

func (d *memoryDirectory) GetRoom(ctx context.Context, id string) (*types.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[id]
	if !ok {
		return nil, interfaces.ErrRoomNotFound
	}
	copied := *r
	return &copied, nil
}

func (d *memoryDirectory) TouchRoom(ctx context.Context, id string, kind types.RoomKind, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.rooms[id]; ok {
		r.LastActiveAt = at
		return nil
	}
	d.rooms[id] = &types.Room{ID: id, Kind: kind, CreatedAt: at, LastActiveAt: at}
	return nil
}

func (d *memoryDirectory) ListRooms(ctx context.Context, limit int) ([]*types.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		copied := *r
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (d *memoryDirectory) HealthCheck(ctx context.Context) error { return d.healthErr }
func (d *memoryDirectory) Close() error                          { return nil }

type stubLimiter struct{ err error }

func (l stubLimiter) Charge(ctx context.Context, key string) (time.Duration, error) { return 0, l.err }
func (l stubLimiter) Peek(ctx context.Context, key string) (time.Duration, error)   { return 0, l.err }

type fixture struct {
	server    *Server
	directory *memoryDirectory
	rooms     *room.Manager
}

func newFixture(t *testing.T, opts Options, limiter interfaces.RateLimiter) *fixture {
	t.Helper()
	directory := newMemoryDirectory()
	rooms := room.NewManager(room.ManagerOptions{Directory: directory, Logger: zerolog.Nop()})
	sockets := websocket.NewHandler(rooms, websocket.HandlerOptions{PingInterval: time.Second}, zerolog.Nop())
	if limiter == nil {
		limiter = stubLimiter{}
	}
	if opts.Throttle == nil {
		opts.Throttle = NewThrottle(1000, 1000, 0)
	}
	t.Cleanup(rooms.Stop)
	return &fixture{
		server:    NewServer(rooms, directory, limiter, sockets, opts, zerolog.Nop()),
		directory: directory,
		rooms:     rooms,
	}
}

func (f *fixture) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestServer_MintRoom(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	rec := f.do(http.MethodPost, "/api/room", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	key := rec.Body.String()
	assert.True(t, types.IsRoomID(key), "minted key %q", key)

	stored, err := f.directory.GetRoom(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, types.RoomKindMinted, stored.Kind)

	again := f.do(http.MethodPost, "/api/room", nil).Body.String()
	assert.NotEqual(t, key, again)
}

func TestServer_RoomMethodNotAllowed(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	rec := f.do(http.MethodGet, "/api/room", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Method not allowed", decodeError(t, rec).Message)
}

func TestServer_NotFound(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	rec := f.do(http.MethodGet, "/api/nothing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Root(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	rec := f.do(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/room")
}

func TestServer_ConnectValidation(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	upgrade := http.Header{"Upgrade": {"websocket"}}

	rec := f.do(http.MethodGet, "/api/room/"+strings.Repeat("x", 33)+"/websocket", upgrade)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, errorTextNameTooLong, decodeError(t, rec).Message)

	rec = f.do(http.MethodGet, "/api/room/"+strings.Repeat("ab", 32)+"/websocket", upgrade)
	assert.Equal(t, http.StatusNotFound, rec.Code, "unminted 64-hex key")
	assert.Equal(t, "Not found", decodeError(t, rec).Message)

	rec = f.do(http.MethodGet, "/api/room/lobby/websocket", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errorTextExpectedWebsocket, decodeError(t, rec).Message)
}

func TestServer_ThrottleRejectsBurst(t *testing.T) {
	f := newFixture(t, Options{Throttle: NewThrottle(0.01, 2, 0)}, nil)
	header := http.Header{"Cf-Connecting-Ip": {"203.0.113.9"}}

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/room", header).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/room", header).Code)

	rec := f.do(http.MethodPost, "/api/room", header)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	other := http.Header{"Cf-Connecting-Ip": {"203.0.113.10"}}
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/room", other).Code)
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	rec := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
}

func TestServer_HealthReportsFailures(t *testing.T) {
	f := newFixture(t, Options{}, stubLimiter{err: errors.New("limiter down")})
	f.directory.healthErr = errors.New("disk gone")

	rec := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "unhealthy", body.Status)
	assert.Contains(t, body.Database, "disk gone")
	assert.Contains(t, body.Limiter, "limiter down")
}

func TestServer_ListRooms(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	require.NoError(t, f.directory.TouchRoom(context.Background(), "lobby", types.RoomKindNamed, time.Now()))

	rec := f.do(http.MethodGet, "/api/rooms?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body ListRoomsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Len(t, body.Recent, 1)
	assert.Equal(t, "lobby", body.Recent[0].ID)
	assert.Empty(t, body.Live)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/rooms?limit=zero", nil).Code)
}

func TestServer_LimiterMount(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore())
	handler := ratelimit.NewHandler(limiter, zerolog.Nop())
	f := newFixture(t, Options{LimiterHandler: handler.Routes()}, limiter)

	rec := f.do(http.MethodPost, "/limiter/1.2.3.4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", strings.TrimSpace(rec.Body.String()))
}

func TestServer_WebSocketRoundTrip(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ts := httptest.NewServer(f.server)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/room", "text/plain", nil)
	require.NoError(t, err)
	keyBytes, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	key := string(keyBytes)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/room/" + key + "/websocket"
	ws, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, ws.WriteJSON(map[string]string{"user": "alice"}))
	var frame map[string]interface{}
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, true, frame["ready"])

	require.Eventually(t, func() bool {
		_, ok := f.rooms.Get(key)
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		want   string
	}{
		{"cloudflare wins", http.Header{"Cf-Connecting-Ip": {"1.1.1.1"}, "X-Forwarded-For": {"2.2.2.2"}}, "1.1.1.1"},
		{"first forwarded hop", http.Header{"X-Forwarded-For": {"2.2.2.2, 10.0.0.1"}, "X-Real-Ip": {"3.3.3.3"}}, "2.2.2.2"},
		{"real ip", http.Header{"X-Real-Ip": {"3.3.3.3"}}, "3.3.3.3"},
		{"remote addr", http.Header{}, "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header = tt.header
			assert.Equal(t, tt.want, ClientKey(req))
		})
	}
}

func TestThrottle_Cleanup(t *testing.T) {
	th := NewThrottle(1, 1, time.Minute)
	now := time.Now()
	th.now = func() time.Time { return now }

	ok, _ := th.Reserve("a")
	assert.True(t, ok)
	ok, wait := th.Reserve("a")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))
	assert.Equal(t, 1, th.Len())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, th.Cleanup())
	assert.Equal(t, 0, th.Len())
}
