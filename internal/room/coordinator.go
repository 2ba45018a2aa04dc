package room

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomchat/internal/metrics"
	"roomchat/pkg/clock"
	"roomchat/pkg/interfaces"
	"roomchat/pkg/types"
)

// Options configures a Coordinator
type Options struct {
	Clock       clock.Clock
	NewLimiter  LimiterFactory
	Logger      zerolog.Logger
	EventBuffer int
	// MaxBacklog bounds notifications held for a pending session; a session
	// that overflows it is closed. Zero means unbounded.
	MaxBacklog int
	// IdleTTL is how long the room must stay empty before OnIdle fires
	IdleTTL time.Duration
	// OnIdle is called from its own goroutine once the room has been empty for IdleTTL
	OnIdle func(c *Coordinator)
	// NotifyRateLimited sends an error frame for dropped chat instead of dropping silently
	NotifyRateLimited bool
}

// event is anything processed by the room's loop. A single channel keeps
// events from one connection in the order they were submitted.
type event interface{}

type joinEvent struct{ session *Session }

type frameEvent struct {
	session *Session
	data    []byte
}

type leaveEvent struct{ session *Session }

type limiterFailedEvent struct {
	session *Session
	err     error
}

type statsEvent struct{ reply chan types.RoomStats }

type retireEvent struct{ reply chan bool }

type idleEvent struct{ generation uint64 }

// Coordinator owns every session of one room and the room's message order
// ARCHITECTURAL DISCOVERY: Single goroutine per room serializes handshake,
// broadcast and eviction, so room state needs no locks; rooms never share state
type Coordinator struct {
	key    string
	opts   Options
	logger zerolog.Logger

	events   chan event
	shutdown chan struct{}
	done     chan struct{}

	// loop-owned state
	sessions       []*Session
	clock          *clock.RoomClock
	idleTimer      *time.Timer
	idleGeneration uint64

	// closing rejects further submits; set by Stop and by a retirement that
	// went through. Submitters hold mu for reading while they send.
	closing bool
	running bool
	mu      sync.RWMutex
}

// NewCoordinator creates a coordinator for key. Call Start before Join.
func NewCoordinator(key string, opts Options) *Coordinator {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.NewLimiter == nil {
		opts.NewLimiter = func(string, func(error)) Limiter { return allowAll{} }
	}
	return &Coordinator{
		key:      key,
		opts:     opts,
		logger:   opts.Logger.With().Str("room", key).Logger(),
		events:   make(chan event, opts.EventBuffer),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		clock:    clock.NewRoomClock(opts.Clock),
	}
}

// Key returns the room key
func (c *Coordinator) Key() string { return c.key }

// Start launches the room's event loop
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrRoomAlreadyRunning
	}
	select {
	case <-c.done:
		return ErrRoomNotRunning
	default:
	}
	c.running = true

	c.logger.Debug().Msg("room started")
	go c.run()
	return nil
}

// Stop closes every session with "going away" and ends the loop. It waits
// for the loop to exit.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrRoomNotRunning
	}
	c.running = false
	c.closing = true
	close(c.shutdown)
	c.mu.Unlock()

	<-c.done
	return nil
}

// Done is closed once the event loop has exited
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Join registers a freshly accepted connection as a pending session
func (c *Coordinator) Join(conn interfaces.Connection, clientKey string) (*Session, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}

	s := newSession(conn, clientKey)
	s.limiter = c.opts.NewLimiter(clientKey, func(err error) {
		_ = c.submit(limiterFailedEvent{session: s, err: err})
	})

	if err := c.submit(joinEvent{session: s}); err != nil {
		s.limiter.Close()
		return nil, err
	}
	return s, nil
}

// Receive hands one inbound text frame from s to the room
func (c *Coordinator) Receive(s *Session, data []byte) error {
	return c.submit(frameEvent{session: s, data: data})
}

// Leave reports that s's connection closed or errored
func (c *Coordinator) Leave(s *Session) error {
	return c.submit(leaveEvent{session: s})
}

// Stats returns a snapshot of the room, or ErrRoomNotRunning
func (c *Coordinator) Stats() (types.RoomStats, error) {
	reply := make(chan types.RoomStats, 1)
	if err := c.submit(statsEvent{reply: reply}); err != nil {
		return types.RoomStats{}, err
	}
	select {
	case stats := <-reply:
		return stats, nil
	case <-c.done:
		return types.RoomStats{}, ErrRoomNotRunning
	}
}

// RetireIfIdle stops the room if it has no sessions. It reports whether the
// room stopped.
func (c *Coordinator) RetireIfIdle() bool {
	reply := make(chan bool, 1)
	if err := c.submit(retireEvent{reply: reply}); err != nil {
		return false
	}
	select {
	case retired := <-reply:
		if retired {
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			<-c.done
		}
		return retired
	case <-c.done:
		return true
	}
}

// submit queues ev for the loop. It blocks only the caller, and only while the
// room is running. Once closing is set no further event can enter the queue.
func (c *Coordinator) submit(ev event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closing {
		return ErrRoomNotRunning
	}

	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrRoomNotRunning
	}
}

// run is the room's event loop
func (c *Coordinator) run() {
	defer close(c.done)
	defer c.logger.Debug().Msg("room stopped")

	for {
		select {
		case ev := <-c.events:
			if c.handle(ev) {
				return
			}
		case <-c.shutdown:
			c.closeAll()
			c.closeQueued()
			return
		}
	}
}

// handle processes one event and reports whether the loop should exit
func (c *Coordinator) handle(ev event) bool {
	switch e := ev.(type) {
	case joinEvent:
		c.handleJoin(e.session)
	case frameEvent:
		c.handleFrame(e.session, e.data)
	case leaveEvent:
		c.handleLeave(e.session)
	case limiterFailedEvent:
		c.handleLimiterFailure(e.session, e.err)
	case statsEvent:
		e.reply <- c.stats()
	case idleEvent:
		c.handleIdle(e.generation)
	case retireEvent:
		return c.retire(e.reply)
	}
	return false
}

// retire ends the loop if the room is empty. Events queued before submits
// were sealed are processed first, so a join that won the race keeps the
// room alive and no accepted join is left behind.
func (c *Coordinator) retire(reply chan bool) bool {
	if len(c.sessions) > 0 {
		reply <- false
		return false
	}

	replies := []chan bool{reply}
	for _, ev := range c.lockDrained() {
		if r, ok := ev.(retireEvent); ok {
			replies = append(replies, r.reply)
			continue
		}
		c.handle(ev)
	}

	retired := len(c.sessions) == 0
	if retired {
		c.closing = true
		c.stopIdleTimer()
	}
	c.mu.Unlock()

	for _, r := range replies {
		r <- retired
	}
	return retired
}

// lockDrained takes the write lock while still draining the queue, so
// submitters blocked on a full channel can finish. It returns every event
// queued before the lock was held. The caller must unlock.
func (c *Coordinator) lockDrained() []event {
	locked := make(chan struct{})
	go func() {
		c.mu.Lock()
		close(locked)
	}()

	var pending []event
	for {
		select {
		case ev := <-c.events:
			pending = append(pending, ev)
		case <-locked:
			for {
				select {
				case ev := <-c.events:
					pending = append(pending, ev)
				default:
					return pending
				}
			}
		}
	}
}

// handleJoin snapshots the identities already present into the new
// session's backlog
func (c *Coordinator) handleJoin(s *Session) {
	for _, other := range c.sessions {
		if other.state == Active {
			s.backlog = append(s.backlog, encode(types.JoinedFrame{Joined: other.identity}))
		}
	}
	c.sessions = append(c.sessions, s)
	c.stopIdleTimer()
	metrics.SessionsActive.Inc()

	c.logger.Debug().
		Str("session", s.id).
		Str("client_key", s.clientKey).
		Int("sessions", len(c.sessions)).
		Msg("session accepted")
}

func (c *Coordinator) handleFrame(s *Session, data []byte) {
	if s.state == Closed {
		return
	}

	frame, err := types.ParseClientFrame(data)
	if err != nil {
		metrics.MessagesRejected.WithLabelValues("malformed").Inc()
		c.sendError(s, types.ErrorTextMalformedFrame)
		return
	}

	if s.state == Pending {
		c.handleHandshake(s, frame)
		return
	}

	if frame.Message == nil {
		// Repeated handshake from an active session
		c.logger.Debug().Str("session", s.id).Msg("ignoring duplicate handshake")
		return
	}
	c.handleChat(s, *frame.Message)
}

// handleHandshake moves s from Pending to Active: drain backlog, announce the
// new identity to everyone else, then acknowledge.
func (c *Coordinator) handleHandshake(s *Session, frame *types.ClientFrame) {
	if !frame.IsHandshake() {
		metrics.MessagesRejected.WithLabelValues("expected_handshake").Inc()
		c.sendError(s, types.ErrorTextExpectedHandshake)
		return
	}

	identity := frame.Identity()
	if err := types.ValidateIdentity(identity); err != nil {
		_ = s.conn.Send(encode(types.ErrorFrame{Error: types.ErrorTextNameTooLong}))
		c.evict(s, types.CloseCodeMessageTooBig, types.ErrorTextNameTooLong, "name_too_long")
		return
	}

	s.identity = identity
	for _, queued := range s.backlog {
		if err := s.conn.Send(queued); err != nil {
			c.evict(s, types.CloseCodeInternalError, types.CloseReasonBroken, "send_failed")
			return
		}
	}
	s.backlog = nil

	// Active before the announcement: departures it triggers go straight to s
	s.state = Active
	c.broadcast(types.JoinedFrame{Joined: identity}, s)
	if s.state == Closed {
		return
	}

	if err := s.conn.Send(encode(types.ReadyFrame{Ready: true})); err != nil {
		c.evict(s, types.CloseCodeInternalError, types.CloseReasonBroken, "send_failed")
		return
	}

	c.logger.Info().
		Str("session", s.id).
		Str("identity", identity).
		Msg("session joined")
}

func (c *Coordinator) handleChat(s *Session, body string) {
	if err := types.ValidateMessageBody(body); err != nil {
		metrics.MessagesRejected.WithLabelValues("too_long").Inc()
		c.sendError(s, types.ErrorTextMessageTooLong)
		return
	}

	if !s.limiter.CheckLimit() {
		metrics.MessagesRejected.WithLabelValues("rate_limited").Inc()
		c.logger.Debug().Str("session", s.id).Str("client_key", s.clientKey).Msg("chat dropped by rate limiter")
		if c.opts.NotifyRateLimited {
			c.sendError(s, types.ErrorTextRateLimited)
		}
		return
	}

	msg := types.Message{
		Author:    s.identity,
		Body:      body,
		Timestamp: c.clock.Next(),
	}
	c.broadcast(msg, nil)
	metrics.MessagesBroadcast.Inc()
}

func (c *Coordinator) handleLeave(s *Session) {
	if s.state == Closed {
		return
	}
	wasActive := c.remove(s)
	_ = s.conn.Close(types.CloseCodeGoingAway, "")

	c.logger.Debug().Str("session", s.id).Msg("session left")
	if wasActive {
		c.broadcast(types.QuitFrame{Quit: s.identity}, nil)
	}
}

func (c *Coordinator) handleLimiterFailure(s *Session, err error) {
	if s.state == Closed {
		return
	}
	c.logger.Warn().Err(err).Str("session", s.id).Msg("closing session after rate limiter failure")
	c.evict(s, types.CloseCodeInternalError, types.CloseReasonLimiterFailure, "limiter_failed")
}

// sendError delivers an {error} frame to s only. A failed delivery evicts s.
func (c *Coordinator) sendError(s *Session, text string) {
	if err := s.conn.Send(encode(types.ErrorFrame{Error: text})); err != nil {
		c.evict(s, types.CloseCodeInternalError, types.CloseReasonBroken, "send_failed")
	}
}

// broadcast delivers payload to every session except skip. Active sessions
// receive it now; pending sessions queue it. Sessions whose delivery fails are
// evicted and their departure is broadcast in turn, via a worklist.
func (c *Coordinator) broadcast(payload interface{}, skip *Session) {
	type item struct {
		data []byte
		skip *Session
	}
	work := []item{{data: encode(payload), skip: skip}}

	for len(work) > 0 {
		current := work[0]
		work = work[1:]

		targets := make([]*Session, len(c.sessions))
		copy(targets, c.sessions)

		var quitters []*Session
		for _, s := range targets {
			if s == current.skip || s.state == Closed {
				continue
			}
			switch s.state {
			case Active:
				if err := s.conn.Send(current.data); err != nil {
					quitters = append(quitters, s)
				}
			case Pending:
				if c.opts.MaxBacklog > 0 && len(s.backlog) >= c.opts.MaxBacklog {
					quitters = append(quitters, s)
					continue
				}
				s.backlog = append(s.backlog, current.data)
			}
		}

		for _, q := range quitters {
			reason := "send_failed"
			if q.state == Pending {
				reason = "backlog_overflow"
			}
			wasActive := c.remove(q)
			_ = q.conn.Close(types.CloseCodeInternalError, types.CloseReasonBroken)
			metrics.SessionsEvicted.WithLabelValues(reason).Inc()
			c.logger.Info().Str("session", q.id).Str("identity", q.identity).Str("reason", reason).Msg("session evicted during broadcast")

			if wasActive {
				work = append(work, item{data: encode(types.QuitFrame{Quit: q.identity})})
			}
		}
	}
}

// evict closes s with code and reason, removes it, and announces its
// departure if it had joined
func (c *Coordinator) evict(s *Session, code int, reason, metricReason string) {
	if s.state == Closed {
		return
	}
	wasActive := c.remove(s)
	_ = s.conn.Close(code, reason)
	metrics.SessionsEvicted.WithLabelValues(metricReason).Inc()

	if wasActive {
		c.broadcast(types.QuitFrame{Quit: s.identity}, nil)
	}
}

// remove takes s out of the session set exactly once and reports whether it
// had reached Active
func (c *Coordinator) remove(s *Session) bool {
	wasActive := s.state == Active
	s.state = Closed
	s.backlog = nil
	s.limiter.Close()

	for i, other := range c.sessions {
		if other == s {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			break
		}
	}
	metrics.SessionsActive.Dec()

	if len(c.sessions) == 0 {
		c.startIdleTimer()
	}
	return wasActive
}

func (c *Coordinator) closeAll() {
	for _, s := range c.sessions {
		s.state = Closed
		s.limiter.Close()
		_ = s.conn.Close(types.CloseCodeGoingAway, types.CloseReasonShutdown)
		metrics.SessionsActive.Dec()
	}
	c.sessions = nil
	c.stopIdleTimer()
}

// closeQueued closes sessions whose join was accepted but never processed.
// Stop sets closing under the write lock first, so the queue cannot grow.
func (c *Coordinator) closeQueued() {
	for {
		select {
		case ev := <-c.events:
			if e, ok := ev.(joinEvent); ok {
				e.session.state = Closed
				e.session.limiter.Close()
				_ = e.session.conn.Close(types.CloseCodeGoingAway, types.CloseReasonShutdown)
			}
		default:
			return
		}
	}
}

func (c *Coordinator) stats() types.RoomStats {
	stats := types.RoomStats{
		Key:           c.key,
		Sessions:      len(c.sessions),
		LastTimestamp: c.clock.Last(),
	}
	for _, s := range c.sessions {
		if s.state == Active {
			stats.Active++
		}
	}
	return stats
}

func (c *Coordinator) startIdleTimer() {
	if c.opts.OnIdle == nil || c.opts.IdleTTL <= 0 {
		return
	}
	c.stopIdleTimer()
	c.idleGeneration++
	generation := c.idleGeneration
	c.idleTimer = time.AfterFunc(c.opts.IdleTTL, func() {
		_ = c.submit(idleEvent{generation: generation})
	})
}

func (c *Coordinator) stopIdleTimer() {
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.idleGeneration++
}

func (c *Coordinator) handleIdle(generation uint64) {
	if generation != c.idleGeneration || len(c.sessions) > 0 {
		return
	}
	c.idleTimer = nil
	go c.opts.OnIdle(c)
}

// encode marshals a server frame. Frame types are plain structs, so failure
// is a programming error.
func encode(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic("room: encode frame: " + err.Error())
	}
	return data
}
