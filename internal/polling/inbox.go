package polling

import (
	"context"
	"sync"
	"time"

	"supportchat-ws/internal/domain"

	"github.com/rs/zerolog/log"
)

type InboxResult struct {
	// Updated lists conversations whose last message id moved past its mark, or
	// whose unread count grew by more than the live messages observed since the
	// previous poll.
	Updated []domain.ConversationSummary
	Unread  int
	Notify  bool
}

// Inbox polls every conversation visible to the viewer and keeps one mark per
// conversation, keyed on ConversationSummary.LastMessageID. Observe raises the
// mark past messages the live channel may have skipped, so the unread count is
// tracked too and catches them.
type Inbox struct {
	fetcher  Fetcher
	viewer   domain.Identity
	interval time.Duration
	onNotify func(InboxResult)

	mu       sync.Mutex
	marks    map[string]uint64
	unread   map[string]int
	observed map[string]int
	primed   bool
}

func NewInbox(f Fetcher, viewer domain.Identity, interval time.Duration, onNotify func(InboxResult)) *Inbox {
	return &Inbox{
		fetcher:  f,
		viewer:   viewer,
		interval: ClampInterval(interval),
		onNotify: onNotify,
		marks:    make(map[string]uint64),
		unread:   make(map[string]int),
		observed: make(map[string]int),
	}
}

func (in *Inbox) Poll(ctx context.Context) (InboxResult, error) {
	convs, err := in.fetcher.Conversations(ctx, in.viewer)
	if err != nil {
		return InboxResult{}, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	first := !in.primed
	var res InboxResult
	for _, c := range convs {
		res.Unread += c.UnreadCount
		moved := c.LastMessageID > in.marks[c.ID]
		grew := !first && c.UnreadCount > in.unread[c.ID]+in.observed[c.ID]
		if moved || grew {
			res.Updated = append(res.Updated, c)
		}
		if moved {
			in.marks[c.ID] = c.LastMessageID
		}
		in.unread[c.ID] = c.UnreadCount
		delete(in.observed, c.ID)
	}
	in.primed = true
	res.Notify = !first && len(res.Updated) > 0
	return res, nil
}

// Observe folds a message seen through the live channel into its conversation's mark.
func (in *Inbox) Observe(conversationID string, id uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.observed[conversationID]++
	if id > in.marks[conversationID] {
		in.marks[conversationID] = id
	}
}

func (in *Inbox) Run(ctx context.Context) error {
	return run(ctx, in.interval, func(ctx context.Context) {
		res, err := in.Poll(ctx)
		if err != nil {
			log.Warn().Err(err).Str("user_id", in.viewer.UserID).Msg("inbox poll failed")
			return
		}
		if res.Notify && in.onNotify != nil {
			in.onNotify(res)
		}
	})
}
