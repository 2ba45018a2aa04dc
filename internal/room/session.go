package room

import (
	"github.com/google/uuid"

	"roomchat/pkg/interfaces"
)

// SessionState is the lifecycle position of a Session
type SessionState int

const (
	// Pending sessions are connected but have not sent a handshake
	Pending SessionState = iota
	// Active sessions have an identity and receive broadcasts directly
	Active
	// Closed is terminal
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Limiter is the per-session permit check consulted before broadcasting chat
type Limiter interface {
	CheckLimit() bool
	Close()
}

// LimiterFactory builds a session's Limiter. onError must be invoked when the
// limiter can no longer give answers; the room then closes the session.
type LimiterFactory func(clientKey string, onError func(error)) Limiter

// allowAll is used when no limiter factory is configured
type allowAll struct{}

func (allowAll) CheckLimit() bool { return true }
func (allowAll) Close()           {}

// Session is one participant in a room. All fields other than id and
// clientKey are owned by the room's event loop.
type Session struct {
	id        string
	clientKey string
	conn      interfaces.Connection
	limiter   Limiter

	identity string
	state    SessionState
	backlog  [][]byte
}

func newSession(conn interfaces.Connection, clientKey string) *Session {
	return &Session{
		id:        uuid.NewString(),
		clientKey: clientKey,
		conn:      conn,
		state:     Pending,
	}
}

// ID is a unique identifier used in logs
func (s *Session) ID() string { return s.id }

// ClientKey is the rate-limit key the session was accepted with
func (s *Session) ClientKey() string { return s.clientKey }
