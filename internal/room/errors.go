package room

import "errors"

var (
	ErrRoomAlreadyRunning = errors.New("room is already running")
	ErrRoomNotRunning     = errors.New("room is not running")
	ErrNilConnection      = errors.New("connection cannot be nil")
	ErrManagerStopped     = errors.New("room manager is stopped")
)
