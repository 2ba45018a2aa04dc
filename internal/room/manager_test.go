package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomchat/pkg/interfaces"
	"roomchat/pkg/types"
)

// recordingDirectory captures TouchRoom calls
type recordingDirectory struct {
	mu      sync.Mutex
	touched map[string]types.RoomKind
}

func (d *recordingDirectory) CreateRoom(ctx context.Context, room *types.Room) error { return nil }
func (d *recordingDirectory) GetRoom(ctx context.Context, id string) (*types.Room, error) {
	return nil, interfaces.ErrRoomNotFound
}
func (d *recordingDirectory) TouchRoom(ctx context.Context, id string, kind types.RoomKind, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.touched == nil {
		d.touched = make(map[string]types.RoomKind)
	}
	d.touched[id] = kind
	return nil
}
func (d *recordingDirectory) ListRooms(ctx context.Context, limit int) ([]*types.Room, error) {
	return nil, nil
}
func (d *recordingDirectory) HealthCheck(ctx context.Context) error { return nil }
func (d *recordingDirectory) Close() error                          { return nil }

func (d *recordingDirectory) kind(id string) (types.RoomKind, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.touched[id]
	return k, ok
}

func newTestManager(t *testing.T, idle time.Duration) (*Manager, *recordingDirectory) {
	t.Helper()
	dir := &recordingDirectory{}
	m := NewManager(ManagerOptions{
		Room:      Options{IdleTTL: idle},
		Directory: dir,
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(m.Stop)
	return m, dir
}

func TestManager_GetOrCreate(t *testing.T) {
	m, dir := newTestManager(t, time.Minute)

	c1, s1, err := m.Join("lobby", types.RoomKindNamed, &fakeConn{}, "a")
	require.NoError(t, err)
	c2, s2, err := m.Join("lobby", types.RoomKindNamed, &fakeConn{}, "b")
	require.NoError(t, err)
	c3, _, err := m.Join("other", types.RoomKindNamed, &fakeConn{}, "c")
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.NotSame(t, c1, c3)
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.Equal(t, 2, m.Count())

	got, ok := m.Get("lobby")
	assert.True(t, ok)
	assert.Same(t, c1, got)

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "lobby", stats[0].Key)
	assert.Equal(t, 2, stats[0].Sessions)
	assert.Equal(t, "other", stats[1].Key)

	assert.Eventually(t, func() bool {
		kind, ok := dir.kind("lobby")
		return ok && kind == types.RoomKindNamed
	}, time.Second, 5*time.Millisecond)
}

func TestManager_RoomsAreIsolated(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)

	connA := &fakeConn{}
	connB := &fakeConn{}
	roomA, sA, err := m.Join("a", types.RoomKindNamed, connA, "1")
	require.NoError(t, err)
	roomB, sB, err := m.Join("b", types.RoomKindNamed, connB, "2")
	require.NoError(t, err)

	require.NoError(t, roomA.Receive(sA, []byte(`{"user":"alice"}`)))
	require.NoError(t, roomB.Receive(sB, []byte(`{"user":"bob"}`)))
	require.NoError(t, roomA.Receive(sA, []byte(`{"message":"only a"}`)))
	_, _ = roomA.Stats()
	_, _ = roomB.Stats()

	assert.Equal(t, 0, countFrames(connB.Frames(), "message", "only a"))
	assert.Equal(t, 1, countFrames(connA.Frames(), "message", "only a"))
}

func TestManager_RetiresIdleRoom(t *testing.T) {
	m, _ := newTestManager(t, 20*time.Millisecond)

	c, s, err := m.Join("lobby", types.RoomKindNamed, &fakeConn{}, "a")
	require.NoError(t, err)
	require.NoError(t, c.Leave(s))

	assert.Eventually(t, func() bool { return m.Count() == 0 }, time.Second, 5*time.Millisecond)
	<-c.Done()

	// A new join gets a fresh coordinator
	c2, _, err := m.Join("lobby", types.RoomKindNamed, &fakeConn{}, "b")
	require.NoError(t, err)
	assert.NotSame(t, c, c2)
}

func TestManager_Stop(t *testing.T) {
	m, _ := newTestManager(t, time.Minute)

	conn := &fakeConn{}
	_, _, err := m.Join("lobby", types.RoomKindNamed, conn, "a")
	require.NoError(t, err)

	m.Stop()
	closed, code, _ := conn.Closed()
	assert.True(t, closed)
	assert.Equal(t, types.CloseCodeGoingAway, code)
	assert.Equal(t, 0, m.Count())

	_, _, err = m.Join("lobby", types.RoomKindNamed, &fakeConn{}, "b")
	assert.ErrorIs(t, err, ErrManagerStopped)
}

func TestManager_StopRightAfterJoin(t *testing.T) {
	for i := 0; i < 100; i++ {
		m, _ := newTestManager(t, time.Minute)

		conns := []*fakeConn{{}, {}, {}}
		for j, conn := range conns {
			_, _, err := m.Join("lobby", types.RoomKindNamed, conn, fmt.Sprintf("k%d", j))
			require.NoError(t, err)
		}
		m.Stop()

		for j, conn := range conns {
			closed, code, _ := conn.Closed()
			require.True(t, closed, "run %d conn %d left open", i, j)
			require.Equal(t, types.CloseCodeGoingAway, code)
		}
	}
}

func TestManager_JoinWhileRetiring(t *testing.T) {
	m, _ := newTestManager(t, time.Millisecond)

	for i := 0; i < 100; i++ {
		conn := &fakeConn{}
		c, s, err := m.Join("lobby", types.RoomKindNamed, conn, "k")
		require.NoError(t, err)

		// The session must belong to a live room
		stats, err := c.Stats()
		require.NoError(t, err, "run %d joined a retired room", i)
		require.GreaterOrEqual(t, stats.Sessions, 1)

		require.NoError(t, c.Leave(s))
		time.Sleep(time.Duration(i%3) * time.Millisecond)
	}
}
