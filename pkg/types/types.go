package types

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Wire-visible error texts sent in {error} frames and close reasons
const (
	ErrorTextNameTooLong       = "Name too long."
	ErrorTextMessageTooLong    = "Message too long."
	ErrorTextMalformedFrame    = "Malformed frame."
	ErrorTextExpectedHandshake = "Expected handshake."
	ErrorTextRateLimited       = "Your IP is being rate-limited, please try again later."
	ErrorTextRoomUnavailable   = "Room unavailable."
	CloseReasonBroken          = "WebSocket broken."
	CloseReasonLimiterFailure  = "Rate limiter unavailable."
	CloseReasonShutdown        = "Server shutting down."
)

// Close codes used on the duplex channel
const (
	CloseCodeGoingAway     = 1001
	CloseCodeMessageTooBig = 1009
	CloseCodeInternalError = 1011
)

// DefaultIdentity is assigned when the handshake omits a display name
const DefaultIdentity = "anonymous"

// ClientFrame is any frame a client sends. Pointer fields distinguish an
// absent key from an empty value.
// ARCHITECTURAL DISCOVERY: Single decode target for both handshake and chat
// frames keeps the room's inbound path to one json.Unmarshal per frame
type ClientFrame struct {
	User    *string `json:"user,omitempty"`
	Joined  *string `json:"joined,omitempty"`
	Message *string `json:"message,omitempty"`
}

// IsHandshake reports whether the frame can be read as an identity
// declaration. Only a bare chat frame is rejected.
func (f *ClientFrame) IsHandshake() bool {
	return f.User != nil || f.Message == nil
}

// Identity returns the declared display name, defaulting to "anonymous"
func (f *ClientFrame) Identity() string {
	if f.User == nil || *f.User == "" {
		return DefaultIdentity
	}
	return *f.User
}

// ParseClientFrame decodes a raw inbound frame. The frame must be a JSON
// object; its scalar fields are read as text, so {"user":42} declares "42".
// A falsy user (false, 0, null or "") leaves the identity defaulted.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, ErrMalformedFrame
	}

	var frame ClientFrame
	targets := map[string]**string{
		"user":    &frame.User,
		"joined":  &frame.Joined,
		"message": &frame.Message,
	}
	for key, dst := range targets {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		text, present, err := scalarText(raw)
		if err != nil {
			return nil, ErrMalformedFrame
		}
		if !present {
			continue
		}
		if key == "user" && (text == "false" || text == "0") && raw[0] != '"' {
			text = ""
		}
		*dst = &text
	}
	return &frame, nil
}

// scalarText renders a JSON scalar as text. null reports not present;
// objects and arrays are an error.
func scalarText(raw json.RawMessage) (string, bool, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case bytes.Equal(raw, []byte("null")):
		return "", false, nil
	case bytes.Equal(raw, []byte("true")), bytes.Equal(raw, []byte("false")):
		return string(raw), true, nil
	case len(raw) > 0 && raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, err
		}
		return s, true, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", false, ErrMalformedFrame
	}
	f, err := n.Float64()
	if err != nil {
		return "", false, err
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true, nil
}

// Message is a chat message authored by the room. Author and Timestamp are
// never taken from client input.
// FUNCTIONAL DISCOVERY: Field names on the wire are name/message/timestamp
// for compatibility with existing clients
type Message struct {
	Author    string `json:"name"`
	Body      string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// JoinedFrame announces a participant arrival
type JoinedFrame struct {
	Joined string `json:"joined"`
}

// QuitFrame announces a participant departure
type QuitFrame struct {
	Quit string `json:"quit"`
}

// ReadyFrame acknowledges a completed handshake
type ReadyFrame struct {
	Ready bool `json:"ready"`
}

// ErrorFrame reports a validation failure to one session
type ErrorFrame struct {
	Error string `json:"error"`
}

// RoomKind distinguishes minted rooms from rooms addressed by name
type RoomKind string

const (
	RoomKindNamed  RoomKind = "named"
	RoomKindMinted RoomKind = "minted"
)

// Room is the directory record for a room key
type Room struct {
	ID           string    `json:"id" db:"id"`
	Kind         RoomKind  `json:"kind" db:"kind"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	LastActiveAt time.Time `json:"last_active_at" db:"last_active_at"`
}

// RoomStats is a live snapshot of one room
type RoomStats struct {
	Key           string `json:"key"`
	Sessions      int    `json:"sessions"`
	Active        int    `json:"active"`
	LastTimestamp int64  `json:"last_timestamp"`
}
