package polling

import (
	"context"
	"time"

	"supportchat-ws/internal/domain"

	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval = 4 * time.Second
	MinInterval     = 3 * time.Second
	MaxInterval     = 5 * time.Second
)

// ClampInterval keeps a polling interval inside [MinInterval, MaxInterval].
// Zero selects DefaultInterval.
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultInterval
	case d < MinInterval:
		return MinInterval
	case d > MaxInterval:
		return MaxInterval
	}
	return d
}

// Result is the outcome of one conversation poll.
type Result struct {
	ConversationID string
	// Fresh lists messages from others above the previous mark.
	Fresh []domain.Message
	// Unread counts messages from others not yet read.
	Unread int
	// Notify is false on the first poll, which only establishes the mark.
	Notify bool
}

// Watcher polls one conversation on behalf of one viewer.
type Watcher struct {
	fetcher        Fetcher
	viewer         domain.Identity
	conversationID string
	interval       time.Duration
	onNotify       func(Result)
	mark           HighWaterMark
}

func NewWatcher(f Fetcher, viewer domain.Identity, conversationID string, interval time.Duration, onNotify func(Result)) *Watcher {
	return &Watcher{
		fetcher:        f,
		viewer:         viewer,
		conversationID: conversationID,
		interval:       ClampInterval(interval),
		onNotify:       onNotify,
	}
}

func (w *Watcher) Poll(ctx context.Context) (Result, error) {
	msgs, err := w.fetcher.Messages(ctx, w.conversationID)
	if err != nil {
		return Result{}, err
	}

	first := !w.mark.Primed()
	res := Result{ConversationID: w.conversationID}
	for _, m := range w.mark.Advance(msgs) {
		if m.SenderID != w.viewer.UserID {
			res.Fresh = append(res.Fresh, m)
		}
	}
	for _, m := range msgs {
		if m.SenderID != w.viewer.UserID && m.State != domain.StateRead {
			res.Unread++
		}
	}
	res.Notify = !first && len(res.Fresh) > 0
	return res, nil
}

// Observe records a message the live channel already delivered.
func (w *Watcher) Observe(id uint64) {
	w.mark.Observe(id)
}

func (w *Watcher) Mark() uint64 {
	return w.mark.Value()
}

// Run polls immediately and then on every tick until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	return run(ctx, w.interval, func(ctx context.Context) {
		res, err := w.Poll(ctx)
		if err != nil {
			log.Warn().Err(err).Str("room_id", w.conversationID).Msg("poll failed")
			return
		}
		if res.Notify && w.onNotify != nil {
			w.onNotify(res)
		}
	})
}

func run(ctx context.Context, interval time.Duration, poll func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			poll(ctx)
		}
	}
}
