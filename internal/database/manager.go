package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	dbconfig "roomchat/pkg/database"
	"roomchat/pkg/interfaces"
	"roomchat/pkg/types"
)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

const (
	defaultWriteTimeout = 30 * time.Second
	defaultRetryDelay   = 5 * time.Second
)

// Manager is the SQLite-backed room directory
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       zerolog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	retryDelay   time.Duration
	writeTimeout time.Duration
}

var _ interfaces.RoomDirectory = (*Manager)(nil)

type writeOperation struct {
	ctx       context.Context
	operation func(ctx context.Context, db *sql.DB) error
	result    chan error
}

// NewManager opens the database, applies pragmas and starts the writer
func NewManager(config *dbconfig.Config, logger zerolog.Logger) (*Manager, error) {
	if dir := filepath.Dir(config.DatabasePath); dir != "." && !strings.HasPrefix(config.DatabasePath, ":memory:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With().Str("component", "database").Logger(),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   defaultRetryDelay,
		writeTimeout: defaultWriteTimeout,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- m.runWrite(op)

		case <-m.shutdown:
			m.logger.Debug().Msg("database write loop shutting down")
			return
		}
	}
}

// runWrite retries a failed write exactly once after retryDelay.
// Duplicate-key failures are final and are not retried.
func (m *Manager) runWrite(op writeOperation) error {
	err := op.operation(op.ctx, m.db)
	if err == nil || errors.Is(err, interfaces.ErrRoomExists) {
		return err
	}

	m.logger.Warn().Err(err).Dur("retry_in", m.retryDelay).Msg("database write failed, retrying")

	select {
	case <-time.After(m.retryDelay):
	case <-op.ctx.Done():
		return op.ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	if err = op.operation(op.ctx, m.db); err != nil {
		m.logger.Error().Err(err).Msg("database write failed after retry")
	}
	return err
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(ctx context.Context, db *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.writeTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// CreateRoom inserts a new room record
func (m *Manager) CreateRoom(ctx context.Context, room *types.Room) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO rooms (id, kind, created_at, last_active_at)
			VALUES (?, ?, ?, ?)
		`, room.ID, string(room.Kind), room.CreatedAt.UTC(), room.LastActiveAt.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrRoomExists
			}
			return fmt.Errorf("failed to insert room: %w", err)
		}
		return nil
	})
}

// GetRoom retrieves a room by key
func (m *Manager) GetRoom(ctx context.Context, id string) (*types.Room, error) {
	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	row := m.db.QueryRowContext(ctx, `
		SELECT id, kind, created_at, last_active_at
		FROM rooms
		WHERE id = ?
	`, id)

	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrRoomNotFound
		}
		return nil, fmt.Errorf("failed to query room: %w", err)
	}
	return room, nil
}

// TouchRoom records activity on a room, inserting it on first use
func (m *Manager) TouchRoom(ctx context.Context, id string, kind types.RoomKind, at time.Time) error {
	at = at.UTC()
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO rooms (id, kind, created_at, last_active_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET last_active_at = excluded.last_active_at
		`, id, string(kind), at, at)
		if err != nil {
			return fmt.Errorf("failed to touch room: %w", err)
		}
		return nil
	})
}

// ListRooms returns up to limit rooms, most recently active first
func (m *Manager) ListRooms(ctx context.Context, limit int) ([]*types.Room, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, kind, created_at, last_active_at
		FROM rooms
		ORDER BY last_active_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	rooms := make([]*types.Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room row: %w", err)
		}
		rooms = append(rooms, room)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating room rows: %w", err)
	}
	return rooms, nil
}

// HealthCheck validates database connectivity and the rooms table
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the writer and the connection pool
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoom(row rowScanner) (*types.Room, error) {
	var room types.Room
	var kind string
	if err := row.Scan(&room.ID, &kind, &room.CreatedAt, &room.LastActiveAt); err != nil {
		return nil, err
	}
	room.Kind = types.RoomKind(kind)
	return &room, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
