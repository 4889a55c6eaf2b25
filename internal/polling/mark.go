package polling

import (
	"sort"
	"sync"

	"supportchat-ws/internal/domain"
)

// HighWaterMark is the highest message id a polling client has accounted for.
// Message ids are monotonic, so ids at or below the mark are never new again.
// The zero value is an unprimed mark.
type HighWaterMark struct {
	mu     sync.Mutex
	value  uint64
	primed bool
	// seen holds ids above value that arrived through the live channel.
	seen map[uint64]struct{}
}

// NewHighWaterMark resumes from a previously stored mark.
func NewHighWaterMark(start uint64) *HighWaterMark {
	return &HighWaterMark{value: start, primed: start > 0}
}

// Advance returns the messages above the mark that were not already observed, in
// id order, and raises the mark to the highest id in msgs.
func (h *HighWaterMark) Advance(msgs []domain.Message) []domain.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	var fresh []domain.Message
	top := h.value
	for _, m := range msgs {
		if m.ID > top {
			top = m.ID
		}
		if m.ID <= h.value {
			continue
		}
		if _, ok := h.seen[m.ID]; ok {
			continue
		}
		fresh = append(fresh, m)
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })

	h.value = top
	h.primed = true
	for id := range h.seen {
		if id <= h.value {
			delete(h.seen, id)
		}
	}
	return fresh
}

// Observe folds in a message already delivered live so a later poll does not
// report it again. Ids below it stay eligible.
func (h *HighWaterMark) Observe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id <= h.value {
		return
	}
	if h.seen == nil {
		h.seen = make(map[uint64]struct{})
	}
	h.seen[id] = struct{}{}
}

func (h *HighWaterMark) Value() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value
}

// Primed reports whether a first poll has happened.
func (h *HighWaterMark) Primed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.primed
}
