package types

import (
	"regexp"
	"unicode/utf8"
)

// Length bounds counted in characters, not bytes
const (
	MaxIdentityLength = 32
	MaxMessageLength  = 256
	MaxRoomNameLength = 32
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
var roomIDRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidateIdentity checks a declared display name against its length bound
func ValidateIdentity(identity string) error {
	if utf8.RuneCountInString(identity) > MaxIdentityLength {
		return ErrIdentityTooLong
	}
	return nil
}

// ValidateMessageBody checks a chat body against its length bound
func ValidateMessageBody(body string) error {
	if utf8.RuneCountInString(body) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// IsRoomID reports whether name has the shape of a minted room key
func IsRoomID(name string) bool {
	return roomIDRegex.MatchString(name)
}

// ValidateRoomName classifies a room path segment. Minted keys are 64 lowercase
// hex characters; anything else is a named room of at most 32 characters.
func ValidateRoomName(name string) (RoomKind, error) {
	if name == "" {
		return "", ErrEmptyRoomName
	}
	if IsRoomID(name) {
		return RoomKindMinted, nil
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return "", ErrRoomNameTooLong
	}
	return RoomKindNamed, nil
}
