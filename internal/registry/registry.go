package registry

import (
	"sort"
	"sync"
	"time"

	"supportchat-ws/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Sink is the write side of one live connection.
type Sink interface {
	// Send queues a frame without blocking and reports whether it was accepted.
	Send(frame []byte) bool
	Close()
}

type ChangeKind int

const (
	Joined ChangeKind = iota + 1
	Left
)

func (k ChangeKind) String() string {
	if k == Joined {
		return "join"
	}
	return "leave"
}

// Change is published after every Admit and every effective Evict.
type Change struct {
	Kind ChangeKind
	Conn domain.Connection
	// UserConnections is the number of connections the user holds after the change.
	UserConnections int
}

type Target struct {
	ConnID string
	UserID string
	Sink   Sink
}

type entry struct {
	conn domain.Connection
	sink Sink
}

type Option func(*Registry)

// WithClock overrides the joined-at clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry is the single source of truth for live connections.
type Registry struct {
	// pubMu serializes mutation together with publication so listeners observe
	// changes in the order they were applied.
	pubMu     sync.Mutex
	mu        sync.RWMutex
	byConn    map[string]*entry
	byUser    map[string]map[string]*entry
	listeners []func(Change)
	now       func() time.Time
}

func New(opts ...Option) *Registry {
	r := &Registry{
		byConn: make(map[string]*entry),
		byUser: make(map[string]map[string]*entry),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers fn for presence changes. Listeners may read the registry
// but must not call Admit or Evict.
func (r *Registry) Subscribe(fn func(Change)) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) Admit(ident domain.Identity, sink Sink) (string, error) {
	if err := ident.Validate(); err != nil {
		return "", err
	}

	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	conn := domain.Connection{
		ID:          uuid.NewString(),
		UserID:      ident.UserID,
		Role:        ident.Role,
		DisplayName: ident.DisplayName,
		JoinedAt:    r.now(),
	}

	r.mu.Lock()
	e := &entry{conn: conn, sink: sink}
	r.byConn[conn.ID] = e
	conns := r.byUser[conn.UserID]
	if conns == nil {
		conns = make(map[string]*entry)
		r.byUser[conn.UserID] = conns
	}
	conns[conn.ID] = e
	count := len(conns)
	r.mu.Unlock()

	log.Debug().Str("conn_id", conn.ID).Str("user_id", conn.UserID).Str("role", string(conn.Role)).
		Int("user_connections", count).Msg("connection admitted")

	r.publish(Change{Kind: Joined, Conn: conn, UserConnections: count})
	return conn.ID, nil
}

// Evict removes a connection. Unknown ids are a no-op so duplicate disconnects are harmless.
func (r *Registry) Evict(connID string) (domain.Connection, bool) {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	r.mu.Lock()
	e, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return domain.Connection{}, false
	}
	delete(r.byConn, connID)
	count := 0
	if conns := r.byUser[e.conn.UserID]; conns != nil {
		delete(conns, connID)
		count = len(conns)
		if count == 0 {
			delete(r.byUser, e.conn.UserID)
		}
	}
	r.mu.Unlock()

	log.Debug().Str("conn_id", connID).Str("user_id", e.conn.UserID).
		Int("user_connections", count).Msg("connection evicted")

	r.publish(Change{Kind: Left, Conn: e.conn, UserConnections: count})
	return e.conn, true
}

func (r *Registry) publish(c Change) {
	for _, fn := range r.listeners {
		fn(c)
	}
}

func (r *Registry) Get(connID string) (domain.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[connID]
	if !ok {
		return domain.Connection{}, false
	}
	return e.conn, true
}

func (r *Registry) Target(connID string) (Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byConn[connID]
	if !ok {
		return Target{}, false
	}
	return Target{ConnID: connID, UserID: e.conn.UserID, Sink: e.sink}, true
}

func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Targets(userID string) []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	out := make([]Target, 0, len(conns))
	for id, e := range conns {
		out = append(out, Target{ConnID: id, UserID: userID, Sink: e.sink})
	}
	return out
}

func (r *Registry) AllTargets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Target, 0, len(r.byConn))
	for id, e := range r.byConn {
		out = append(out, Target{ConnID: id, UserID: e.conn.UserID, Sink: e.sink})
	}
	return out
}

// UsersByRole lists connected user ids holding role.
func (r *Registry) UsersByRole(role domain.Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for userID, conns := range r.byUser {
		for _, e := range conns {
			if e.conn.Role == role {
				out = append(out, userID)
			}
			break
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) HasUser(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// AllUsers groups live connections by user, ordered by earliest joined-at.
func (r *Registry) AllUsers() []domain.PresenceEntry {
	r.mu.RLock()
	out := make([]domain.PresenceEntry, 0, len(r.byUser))
	for userID, conns := range r.byUser {
		var p domain.PresenceEntry
		for _, e := range conns {
			if p.UserID == "" || e.conn.JoinedAt.Before(p.JoinedAt) {
				p = domain.PresenceEntry{
					UserID:      userID,
					DisplayName: e.conn.DisplayName,
					Role:        e.conn.Role,
					JoinedAt:    e.conn.JoinedAt,
				}
			}
		}
		p.Connections = len(conns)
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// CloseAll closes every sink and empties the registry without publishing changes.
func (r *Registry) CloseAll() {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.byConn {
		if e.sink != nil {
			e.sink.Close()
		}
	}
	r.byConn = make(map[string]*entry)
	r.byUser = make(map[string]map[string]*entry)
}
