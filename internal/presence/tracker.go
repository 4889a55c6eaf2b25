package presence

import (
	"sync"
	"time"

	"supportchat-ws/internal/domain"
	"supportchat-ws/internal/metrics"
	"supportchat-ws/internal/registry"
	"supportchat-ws/internal/room"

	"github.com/rs/zerolog/log"
)

// Source is the registry view the tracker derives presence from.
type Source interface {
	AllUsers() []domain.PresenceEntry
	HasUser(userID string) bool
}

type Broadcaster interface {
	Broadcast(roomID string, frame []byte, ex room.Exclude) int
}

// Mirror receives presence state for out-of-process observers. Calls must not block.
type Mirror interface {
	PresenceChanged(c registry.Change)
	AdminStatusChanged(s domain.AdminStatus)
}

type Option func(*Tracker)

// WithGrace sets how long an explicit admin status survives a full disconnect.
func WithGrace(d time.Duration) Option {
	return func(t *Tracker) { t.grace = d }
}

func WithMirror(m Mirror) Option {
	return func(t *Tracker) { t.mirror = m }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker maintains the online roster and admin availability.
type Tracker struct {
	src    Source
	bc     Broadcaster
	mirror Mirror
	grace  time.Duration
	now    func() time.Time

	mu     sync.Mutex
	admins map[string]*adminState
}

func NewTracker(src Source, bc Broadcaster, opts ...Option) *Tracker {
	t := &Tracker{
		src:    src,
		bc:     bc,
		grace:  30 * time.Second,
		now:    time.Now,
		admins: make(map[string]*adminState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// HandleChange is the registry listener: it recomputes the roster, runs the admin
// status transitions and broadcasts the full roster to every live connection.
func (t *Tracker) HandleChange(c registry.Change) {
	if c.Conn.Role == domain.RoleAdmin {
		t.adminConnectionChanged(c)
	}

	roster := t.src.AllUsers()
	total := 0
	for _, p := range roster {
		total += p.Connections
	}
	metrics.OnlineUsers.Set(float64(len(roster)))
	metrics.WsConnections.Set(float64(total))

	frame, err := domain.EncodeFrame(domain.EventUsersOnline, roster)
	if err != nil {
		log.Error().Err(err).Msg("encode roster")
		return
	}
	n := t.bc.Broadcast(room.General, frame, room.Exclude{})
	log.Debug().Str("event", c.Kind.String()).Str("user_id", c.Conn.UserID).
		Int("online_users", len(roster)).Int("reached", n).Msg("roster broadcast")

	if t.mirror != nil {
		t.mirror.PresenceChanged(c)
	}
}

func (t *Tracker) IsOnline(userID string) bool {
	return t.src.HasUser(userID)
}

// Roster lists online users ordered by earliest joined-at.
func (t *Tracker) Roster() []domain.PresenceEntry {
	return t.src.AllUsers()
}
