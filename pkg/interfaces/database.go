package interfaces

import (
	"context"
	"time"

	"roomchat/pkg/types"
)

// RoomDirectory records which room keys exist and when they were last used
// ARCHITECTURAL DISCOVERY: Directory holds keys and activity only, never
// message bodies, so a restart loses chat but not minted rooms
type RoomDirectory interface {
	// CreateRoom stores a new room record, failing with ErrRoomExists on a duplicate key
	CreateRoom(ctx context.Context, room *types.Room) error

	// GetRoom returns ErrRoomNotFound for unknown keys
	GetRoom(ctx context.Context, id string) (*types.Room, error)

	// TouchRoom records activity, creating a named room record on first use
	TouchRoom(ctx context.Context, id string, kind types.RoomKind, at time.Time) error

	// ListRooms returns rooms ordered by most recent activity
	ListRooms(ctx context.Context, limit int) ([]*types.Room, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
