package presence

import (
	"fmt"
	"sort"

	"supportchat-ws/internal/domain"
	"supportchat-ws/internal/registry"
	"supportchat-ws/internal/room"

	"github.com/rs/zerolog/log"
)

type adminState struct {
	current domain.AdminStatus
	// explicit is set while current was chosen by the admin rather than auto-online.
	explicit bool
	// remembered holds the last explicit status once the admin went offline.
	remembered *domain.AdminStatus
}

// adminConnectionChanged runs offline -> online on the first connection and
// any -> offline on the last. Intermediate connections never touch the status.
func (t *Tracker) adminConnectionChanged(c registry.Change) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.admins[c.Conn.UserID]
	if st == nil {
		st = &adminState{current: domain.AdminStatus{
			AdminID:   c.Conn.UserID,
			AdminName: c.Conn.DisplayName,
			Status:    domain.StatusOffline,
		}}
		t.admins[c.Conn.UserID] = st
	}
	now := t.now()

	switch {
	case c.Kind == registry.Joined && c.UserConnections == 1:
		st.current.AdminName = c.Conn.DisplayName
		if r := st.remembered; r != nil && now.Sub(r.ChangedAt) <= t.grace {
			st.current.Status = r.Status
			st.current.Message = r.Message
			st.current.ChangedAt = now
			st.explicit = true
			st.remembered = nil
			t.emitStatus(domain.EventAdminUpdate, st.current)
			return
		}
		st.remembered = nil
		st.explicit = false
		st.current.Status = domain.StatusOnline
		st.current.Message = ""
		st.current.ChangedAt = now
		t.emitPresence(domain.EventAdminOnline, st.current)

	case c.Kind == registry.Left && c.UserConnections == 0:
		if st.explicit && st.current.Status != domain.StatusOnline {
			remembered := st.current
			st.remembered = &remembered
		}
		st.explicit = false
		st.current.Status = domain.StatusOffline
		st.current.Message = ""
		st.current.ChangedAt = now
		t.emitPresence(domain.EventAdminOffline, st.current)
	}
}

// SetStatus applies an explicit status chosen by an admin on one of its connections.
func (t *Tracker) SetStatus(conn domain.Connection, status domain.AdminStatusValue, message string) (domain.AdminStatus, error) {
	if conn.Role != domain.RoleAdmin {
		return domain.AdminStatus{}, domain.ErrForbidden
	}
	switch status {
	case domain.StatusOnline, domain.StatusBusy, domain.StatusAway:
	default:
		return domain.AdminStatus{}, fmt.Errorf("status %q: %w", status, domain.ErrInvalidPayload)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.admins[conn.UserID]
	if st == nil {
		st = &adminState{}
		t.admins[conn.UserID] = st
	}
	st.current = domain.AdminStatus{
		AdminID:   conn.UserID,
		AdminName: conn.DisplayName,
		Status:    status,
		Message:   message,
		ChangedAt: t.now(),
	}
	st.explicit = status != domain.StatusOnline
	st.remembered = nil
	t.emitStatus(domain.EventAdminUpdate, st.current)
	return st.current, nil
}

// Status returns an admin's availability. Unknown and non-admin ids report offline, false.
func (t *Tracker) Status(userID string) (domain.AdminStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.admins[userID]
	if !ok {
		return domain.AdminStatus{AdminID: userID, Status: domain.StatusOffline}, false
	}
	return st.current, true
}

// Statuses lists every admin seen by this process.
func (t *Tracker) Statuses() []domain.AdminStatus {
	t.mu.Lock()
	out := make([]domain.AdminStatus, 0, len(t.admins))
	for _, st := range t.admins {
		out = append(out, st.current)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AdminID < out[j].AdminID })
	return out
}

// emitPresence and emitStatus run under t.mu so admin events keep their order.
func (t *Tracker) emitPresence(kind string, s domain.AdminStatus) {
	t.emit(kind, domain.AdminPresenceResponse{AdminID: s.AdminID, AdminName: s.AdminName, Timestamp: s.ChangedAt}, s)
}

func (t *Tracker) emitStatus(kind string, s domain.AdminStatus) {
	t.emit(kind, s, s)
}

func (t *Tracker) emit(kind string, payload interface{}, s domain.AdminStatus) {
	frame, err := domain.EncodeFrame(kind, payload)
	if err != nil {
		log.Error().Err(err).Str("event", kind).Msg("encode admin status")
		return
	}
	n := t.bc.Broadcast(room.General, frame, room.Exclude{})
	log.Info().Str("event", kind).Str("user_id", s.AdminID).Str("status", string(s.Status)).
		Int("reached", n).Msg("admin status changed")
	if t.mirror != nil {
		t.mirror.AdminStatusChanged(s)
	}
}
