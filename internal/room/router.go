package room

import (
	"sort"
	"strings"
	"sync"

	"supportchat-ws/internal/domain"
	"supportchat-ws/internal/metrics"
	"supportchat-ws/internal/registry"

	"github.com/rs/zerolog/log"
)

// General is the room every connected user belongs to.
const General = "general"

const pairSeparator = "_"

// PairID returns the canonical room id of a two-party conversation.
func PairID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + pairSeparator + b
}

// SplitPair is the inverse of PairID for ids that are unambiguous.
func SplitPair(roomID string) (string, string, bool) {
	if strings.Count(roomID, pairSeparator) != 1 {
		return "", "", false
	}
	a, b, _ := strings.Cut(roomID, pairSeparator)
	if a == "" || b == "" || a > b {
		return "", "", false
	}
	return a, b, true
}

// Directory resolves users to their live connections.
type Directory interface {
	Targets(userID string) []registry.Target
	AllTargets() []registry.Target
	UsersByRole(role domain.Role) []string
}

// Exclude removes a connection or every connection of a user from a fan-out.
type Exclude struct {
	ConnID string
	UserID string
}

func (e Exclude) skip(t registry.Target) bool {
	return (e.ConnID != "" && t.ConnID == e.ConnID) || (e.UserID != "" && t.UserID == e.UserID)
}

type membership struct {
	members map[string]struct{}
	// support rooms also reach every connected admin.
	support bool
	// provisional rooms have no stored conversation behind them yet.
	provisional bool
	version     uint64
}

type lane struct {
	mu   sync.Mutex
	refs int
}

// Router fans frames out to the connections of a room's members. Fan-out for
// one room is serialized on that room's lane; different rooms never contend.
type Router struct {
	dir Directory

	mu    sync.RWMutex
	rooms map[string]*membership

	lanesMu sync.Mutex
	lanes   map[string]*lane
}

func NewRouter(dir Directory) *Router {
	return &Router{
		dir:   dir,
		rooms: make(map[string]*membership),
		lanes: make(map[string]*lane),
	}
}

// Bind adds explicit members to a room.
func (r *Router) Bind(roomID string, members ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindLocked(roomID, members...)
}

func (r *Router) bindLocked(roomID string, members ...string) *membership {
	m := r.rooms[roomID]
	if m == nil {
		m = &membership{members: make(map[string]struct{})}
		r.rooms[roomID] = m
	}
	for _, id := range members {
		if id != "" {
			m.members[id] = struct{}{}
		}
	}
	m.version++
	return m
}

// BindSupport makes roomID a support conversation of userID: the user plus every
// connected admin.
func (r *Router) BindSupport(roomID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.bindLocked(roomID, userID)
	m.support = true
	m.provisional = false
}

// BindProvisional binds a support room that has no stored conversation yet. An
// empty owner leaves the room to the first user that claims it.
func (r *Router) BindProvisional(roomID, owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; ok {
		return
	}
	m := r.bindLocked(roomID, owner)
	m.support = true
	m.provisional = true
}

// Claim makes userID the owner of an ownerless support room. It reports whether
// the room changed hands.
func (r *Router) Claim(roomID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.rooms[roomID]
	if m == nil || !m.support || len(m.members) > 0 || userID == "" {
		return false
	}
	m.members[userID] = struct{}{}
	m.version++
	return true
}

// Confirm marks roomID as backed by a stored conversation.
func (r *Router) Confirm(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m := r.rooms[roomID]; m != nil && m.provisional {
		m.provisional = false
		m.version++
	}
}

// Pair binds and returns the canonical room of a and b.
func (r *Router) Pair(a, b string) string {
	id := PairID(a, b)
	r.Bind(id, a, b)
	return id
}

func (r *Router) Known(roomID string) bool {
	if roomID == General {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// Len is the number of bound rooms.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Prune drops bindings nothing needs anymore: provisional rooms and rooms none of
// whose members is connected. keep may veto a candidate and is called without
// the router lock held. Dropped rooms are bound again on their next use.
func (r *Router) Prune(keep func(roomID string) bool) int {
	type candidate struct {
		m           *membership
		version     uint64
		provisional bool
	}
	r.mu.RLock()
	snapshot := make(map[string]candidate, len(r.rooms))
	members := make(map[string][]string, len(r.rooms))
	for id, m := range r.rooms {
		snapshot[id] = candidate{m: m, version: m.version, provisional: m.provisional}
		if !m.provisional {
			for userID := range m.members {
				members[id] = append(members[id], userID)
			}
		}
	}
	r.mu.RUnlock()

	var drop []string
	for id, c := range snapshot {
		if !c.provisional && r.anyConnected(members[id]) {
			continue
		}
		if keep != nil && keep(id) {
			continue
		}
		drop = append(drop, id)
	}
	if len(drop) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range drop {
		c := snapshot[id]
		if m := r.rooms[id]; m == c.m && m.version == c.version {
			delete(r.rooms, id)
			n++
		}
	}
	return n
}

func (r *Router) anyConnected(userIDs []string) bool {
	for _, id := range userIDs {
		if len(r.dir.Targets(id)) > 0 {
			return true
		}
	}
	return false
}

// Members lists the user ids a room currently reaches.
func (r *Router) Members(roomID string) []string {
	set := make(map[string]struct{})
	if roomID == General {
		for _, t := range r.dir.AllTargets() {
			set[t.UserID] = struct{}{}
		}
	} else {
		r.mu.RLock()
		m := r.rooms[roomID]
		support := false
		if m != nil {
			for id := range m.members {
				set[id] = struct{}{}
			}
			support = m.support
		}
		r.mu.RUnlock()

		if m == nil {
			if a, b, ok := SplitPair(roomID); ok {
				set[a] = struct{}{}
				set[b] = struct{}{}
			}
		}
		if support {
			for _, id := range r.dir.UsersByRole(domain.RoleAdmin) {
				set[id] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether userID belongs to roomID.
func (r *Router) IsMember(roomID, userID string) bool {
	for _, id := range r.Members(roomID) {
		if id == userID {
			return true
		}
	}
	return false
}

// Admits reports whether ident may use roomID. Admins may use any support room,
// connected or not.
func (r *Router) Admits(roomID string, ident domain.Identity) bool {
	if r.IsMember(roomID, ident.UserID) {
		return true
	}
	if ident.Role != domain.RoleAdmin {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.rooms[roomID]
	return m != nil && m.support
}

// Broadcast delivers frame to every connection of roomID's members and returns how
// many connections accepted it.
func (r *Router) Broadcast(roomID string, frame []byte, ex Exclude) int {
	l := r.acquire(roomID)
	defer r.release(roomID, l)

	var targets []registry.Target
	if roomID == General {
		targets = r.dir.AllTargets()
	} else {
		for _, userID := range r.Members(roomID) {
			targets = append(targets, r.dir.Targets(userID)...)
		}
	}
	return deliver(roomID, targets, frame, ex)
}

// SendToUser pushes frame to every connection of one user.
func (r *Router) SendToUser(userID string, frame []byte, ex Exclude) int {
	return deliver("", r.dir.Targets(userID), frame, ex)
}

func deliver(roomID string, targets []registry.Target, frame []byte, ex Exclude) int {
	reached := 0
	for _, t := range targets {
		if ex.skip(t) || t.Sink == nil {
			continue
		}
		if t.Sink.Send(frame) {
			reached++
			continue
		}
		// Slow consumer: closing the sink ends its read loop, which evicts it.
		metrics.DroppedFrames.Inc()
		log.Warn().Str("room_id", roomID).Str("conn_id", t.ConnID).Str("user_id", t.UserID).
			Msg("send buffer full, closing connection")
		t.Sink.Close()
	}
	return reached
}

func (r *Router) acquire(roomID string) *lane {
	r.lanesMu.Lock()
	l := r.lanes[roomID]
	if l == nil {
		l = &lane{}
		r.lanes[roomID] = l
	}
	l.refs++
	r.lanesMu.Unlock()

	l.mu.Lock()
	return l
}

func (r *Router) release(roomID string, l *lane) {
	l.mu.Unlock()

	r.lanesMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(r.lanes, roomID)
	}
	r.lanesMu.Unlock()
}
