package room

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomchat/internal/metrics"
	"roomchat/pkg/interfaces"
	"roomchat/pkg/types"
)

// ManagerOptions configures a Manager
type ManagerOptions struct {
	// Room is the template for every coordinator; OnIdle is set by the manager
	Room Options
	// Directory records room activity; optional
	Directory interfaces.RoomDirectory
	Logger    zerolog.Logger
}

// Manager maps room keys to running coordinators, creating them on first
// use and retiring them after they have been empty for the idle TTL
// ARCHITECTURAL DISCOVERY: The manager lock only guards the key map; it is
// never held while waiting on a room's loop except during retirement, and
// room loops never take it
type Manager struct {
	mu      sync.RWMutex
	rooms   map[string]*Coordinator
	stopped bool

	opts      ManagerOptions
	directory interfaces.RoomDirectory
	logger    zerolog.Logger
}

// NewManager creates an empty room manager
func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		rooms:     make(map[string]*Coordinator),
		opts:      opts,
		directory: opts.Directory,
		logger:    opts.Logger.With().Str("component", "room_manager").Logger(),
	}
	m.opts.Room.Logger = opts.Logger
	m.opts.Room.OnIdle = m.retire
	return m
}

// Join hands conn to the room for key, starting the room if needed
func (m *Manager) Join(key string, kind types.RoomKind, conn interfaces.Connection, clientKey string) (*Coordinator, *Session, error) {
	// A room retired between lookup and join is replaced on the next attempt
	for attempt := 0; attempt < 3; attempt++ {
		c, err := m.getOrCreate(key)
		if err != nil {
			return nil, nil, err
		}

		s, err := c.Join(conn, clientKey)
		if errors.Is(err, ErrRoomNotRunning) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		m.touch(key, kind)
		return c, s, nil
	}
	return nil, nil, ErrRoomNotRunning
}

// Get returns the running coordinator for key
func (m *Manager) Get(key string) (*Coordinator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.rooms[key]
	return c, ok
}

// Count returns the number of running rooms
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Stats returns a snapshot of every running room ordered by key
func (m *Manager) Stats() []types.RoomStats {
	m.mu.RLock()
	rooms := make([]*Coordinator, 0, len(m.rooms))
	for _, c := range m.rooms {
		rooms = append(rooms, c)
	}
	m.mu.RUnlock()

	stats := make([]types.RoomStats, 0, len(rooms))
	for _, c := range rooms {
		if s, err := c.Stats(); err == nil {
			stats = append(stats, s)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}

// Stop closes every room and refuses further joins
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	rooms := m.rooms
	m.rooms = make(map[string]*Coordinator)
	m.mu.Unlock()

	for key, c := range rooms {
		if err := c.Stop(); err != nil && !errors.Is(err, ErrRoomNotRunning) {
			m.logger.Warn().Err(err).Str("room", key).Msg("room stop failed")
		}
		metrics.RoomsActive.Dec()
	}
	m.logger.Info().Int("rooms", len(rooms)).Msg("room manager stopped")
}

func (m *Manager) getOrCreate(key string) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrManagerStopped
	}
	if c, ok := m.rooms[key]; ok {
		return c, nil
	}

	c := NewCoordinator(key, m.opts.Room)
	if err := c.Start(); err != nil {
		return nil, err
	}
	m.rooms[key] = c
	metrics.RoomsActive.Inc()
	m.logger.Info().Str("room", key).Msg("room created")
	return c, nil
}

// retire runs when a room has been idle for the TTL
func (m *Manager) retire(c *Coordinator) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.rooms[c.Key()]; !ok || current != c {
		return
	}
	if !c.RetireIfIdle() {
		return
	}
	delete(m.rooms, c.Key())
	metrics.RoomsActive.Dec()
	m.logger.Info().Str("room", c.Key()).Msg("idle room retired")
}

// touch records activity in the directory without delaying the join
func (m *Manager) touch(key string, kind types.RoomKind) {
	if m.directory == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.directory.TouchRoom(ctx, key, kind, time.Now()); err != nil {
			m.logger.Warn().Err(err).Str("room", key).Msg("failed to record room activity")
		}
	}()
}
