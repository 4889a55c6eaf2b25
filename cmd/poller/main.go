// Command poller follows a conversation, or the whole inbox, over the REST API
// for clients that cannot hold a websocket open.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"supportchat-ws/internal/auth"
	"supportchat-ws/internal/logger"
	"supportchat-ws/internal/polling"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	_ = godotenv.Load()

	baseURL := flag.String("url", envOr("POLLER_URL", "http://localhost:8082"), "coordinator base URL")
	token := flag.String("token", os.Getenv("POLLER_TOKEN"), "bearer token of the polling identity")
	conversation := flag.String("conversation", "", "conversation to follow; empty follows the inbox")
	send := flag.String("send", "", "send this message to -conversation and exit")
	interval := flag.Duration("interval", polling.DefaultInterval, "poll interval, clamped to 3s..5s")
	level := flag.String("log-level", envOr("LOG_LEVEL", "info"), "log level")
	flag.Parse()

	logger.Init("development", *level)

	if *token == "" {
		log.Fatal().Msg("a token is required (-token or POLLER_TOKEN)")
	}
	viewer, err := auth.Peek(*token)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot read identity from token")
	}

	fetcher := polling.HTTPFetcher{BaseURL: *baseURL, Token: *token, Timeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *send != "" {
		msg, err := fetcher.Send(ctx, *conversation, *send)
		if err != nil {
			log.Fatal().Err(err).Msg("send failed")
		}
		log.Info().Uint64("message_id", msg.ID).Str("conversation", msg.RoomID).Str("status", string(msg.State)).Msg("message sent")
		return
	}

	if *conversation != "" {
		w := polling.NewWatcher(fetcher, viewer, *conversation, *interval, func(r polling.Result) {
			for _, m := range r.Fresh {
				log.Info().Str("conversation", r.ConversationID).Str("from", m.SenderName).Uint64("message_id", m.ID).Msg(m.Body)
			}
			log.Info().Int("unread", r.Unread).Msg("new messages")
		})
		err = w.Run(ctx)
	} else {
		in := polling.NewInbox(fetcher, viewer, *interval, func(r polling.InboxResult) {
			for _, c := range r.Updated {
				log.Info().Str("conversation", c.ID).Int("unread", c.UnreadCount).Msg(c.LastMessagePreview)
			}
			log.Info().Int("unread", r.Unread).Msg("inbox updated")
		})
		err = in.Run(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("poller stopped")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
