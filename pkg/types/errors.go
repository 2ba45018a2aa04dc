package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrIdentityTooLong = errors.New("identity exceeds 32 characters")
	ErrMessageTooLong  = errors.New("message body exceeds 256 characters")
	ErrMalformedFrame  = errors.New("malformed client frame")
	ErrEmptyRoomName   = errors.New("room name cannot be empty")
	ErrRoomNameTooLong = errors.New("room name exceeds 32 characters")
)
