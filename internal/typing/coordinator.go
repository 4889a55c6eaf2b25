package typing

import (
	"sort"
	"sync"
	"time"

	"supportchat-ws/internal/domain"
	"supportchat-ws/internal/metrics"
	"supportchat-ws/internal/room"

	"github.com/rs/zerolog/log"
)

// DefaultQuietPeriod is how long a typing state lives without renewal.
const DefaultQuietPeriod = 3 * time.Second

type Broadcaster interface {
	Broadcast(roomID string, frame []byte, ex room.Exclude) int
}

// Mirror receives typing transitions for out-of-process observers. Calls must not block.
type Mirror interface {
	TypingStarted(s domain.TypingState, ttl time.Duration)
	TypingStopped(roomID, userID string)
}

type Option func(*Coordinator)

func WithQuietPeriod(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.quiet = d
		}
	}
}

func WithMirror(m Mirror) Option {
	return func(c *Coordinator) { c.mirror = m }
}

type state struct {
	info  domain.TypingState
	timer *time.Timer
	// gen identifies the timer allowed to expire this state.
	gen uint64
}

type shard struct {
	mu     sync.Mutex
	states map[string]*state // userID -> state
	dead   bool
}

// Coordinator tracks who is typing in which room. Each room is a shard with its
// own lock, so typing in one room never waits on another.
type Coordinator struct {
	bc     Broadcaster
	mirror Mirror
	quiet  time.Duration

	mu     sync.Mutex
	rooms  map[string]*shard
	gen    uint64
	closed bool
}

func NewCoordinator(bc Broadcaster, opts ...Option) *Coordinator {
	c := &Coordinator{
		bc:    bc,
		quiet: DefaultQuietPeriod,
		rooms: make(map[string]*shard),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// lock returns the locked shard of roomID, creating it when create is set.
func (c *Coordinator) lock(roomID string, create bool) *shard {
	for {
		c.mu.Lock()
		s := c.rooms[roomID]
		if s == nil {
			if !create || c.closed {
				c.mu.Unlock()
				return nil
			}
			s = &shard{states: make(map[string]*state)}
			c.rooms[roomID] = s
		}
		c.mu.Unlock()

		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
	}
}

// unlock releases s and drops it when it no longer holds any state.
func (c *Coordinator) unlock(roomID string, s *shard) {
	if len(s.states) == 0 {
		c.mu.Lock()
		if c.rooms[roomID] == s {
			delete(c.rooms, roomID)
		}
		c.mu.Unlock()
		s.dead = true
	}
	s.mu.Unlock()
}

func (c *Coordinator) nextGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	return c.gen
}

// Start creates or renews the typing state of userID in roomID. Only creation is
// broadcast; renewals silently replace the expiry timer. It reports whether a new
// state was created.
func (c *Coordinator) Start(roomID, userID, displayName string) bool {
	s := c.lock(roomID, true)
	if s == nil {
		return false
	}
	defer c.unlock(roomID, s)

	if st, ok := s.states[userID]; ok {
		st.timer.Stop()
		st.gen = c.nextGen()
		st.timer = c.arm(roomID, userID, st.gen)
		return false
	}

	st := &state{
		info: domain.TypingState{
			RoomID:      roomID,
			UserID:      userID,
			DisplayName: displayName,
			StartedAt:   time.Now(),
		},
		gen: c.nextGen(),
	}
	st.timer = c.arm(roomID, userID, st.gen)
	s.states[userID] = st

	c.emit(domain.EventUserTyping, domain.TypingResponse{ChatRoomID: roomID, UserID: userID, UserName: displayName}, userID)
	metrics.TypingBroadcasts.WithLabelValues("start").Inc()
	if c.mirror != nil {
		c.mirror.TypingStarted(st.info, c.quiet)
	}
	return true
}

// Stop ends the typing state of userID in roomID. It reports whether a state existed.
func (c *Coordinator) Stop(roomID, userID string) bool {
	s := c.lock(roomID, false)
	if s == nil {
		return false
	}
	defer c.unlock(roomID, s)
	return c.remove(s, roomID, userID, 0, "stop")
}

func (c *Coordinator) arm(roomID, userID string, gen uint64) *time.Timer {
	return time.AfterFunc(c.quiet, func() { c.expire(roomID, userID, gen) })
}

func (c *Coordinator) expire(roomID, userID string, gen uint64) {
	s := c.lock(roomID, false)
	if s == nil {
		return
	}
	defer c.unlock(roomID, s)
	if c.remove(s, roomID, userID, gen, "expired") {
		log.Debug().Str("room_id", roomID).Str("user_id", userID).Msg("typing expired")
	}
}

// remove deletes a state under s.mu. A non-zero gen only matches the timer that armed it.
func (c *Coordinator) remove(s *shard, roomID, userID string, gen uint64, kind string) bool {
	st, ok := s.states[userID]
	if !ok || (gen != 0 && st.gen != gen) {
		return false
	}
	st.timer.Stop()
	delete(s.states, userID)

	c.emit(domain.EventTypingEnded, domain.TypingResponse{ChatRoomID: roomID, UserID: userID}, userID)
	metrics.TypingBroadcasts.WithLabelValues(kind).Inc()
	if c.mirror != nil {
		c.mirror.TypingStopped(roomID, userID)
	}
	return true
}

func (c *Coordinator) emit(kind string, payload domain.TypingResponse, userID string) {
	frame, err := domain.EncodeFrame(kind, payload)
	if err != nil {
		log.Error().Err(err).Str("event", kind).Msg("encode typing event")
		return
	}
	c.bc.Broadcast(payload.ChatRoomID, frame, room.Exclude{UserID: userID})
}

// ClearUser stops every typing state of userID, used once its last connection closes.
func (c *Coordinator) ClearUser(userID string) int {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.mu.Unlock()

	n := 0
	for _, roomID := range rooms {
		if c.Stop(roomID, userID) {
			n++
		}
	}
	return n
}

// Active lists the typing states of a room ordered by start time.
func (c *Coordinator) Active(roomID string) []domain.TypingState {
	s := c.lock(roomID, false)
	if s == nil {
		return nil
	}
	out := make([]domain.TypingState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.info)
	}
	c.unlock(roomID, s)

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Close cancels every pending timer without broadcasting.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	rooms := c.rooms
	c.rooms = make(map[string]*shard)
	c.mu.Unlock()

	for _, s := range rooms {
		s.mu.Lock()
		for _, st := range s.states {
			st.timer.Stop()
		}
		s.states = map[string]*state{}
		s.dead = true
		s.mu.Unlock()
	}
}
