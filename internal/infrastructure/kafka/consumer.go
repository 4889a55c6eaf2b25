package kafka

import (
	"context"
	"errors"
	"io"
	"time"

	"supportchat-ws/internal/domain"
	"supportchat-ws/internal/metrics"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// RelayHandler fans relayed events out to local connections.
type RelayHandler interface {
	RelayMessage(ctx context.Context, msg domain.Message) int
	RelayReadReceipt(receipt domain.ReadConfirmResponse) int
	RelayDelivered(ctx context.Context, ack domain.DeliveredResponse) int
}

type KafkaConsumer struct {
	readers []*kafka.Reader
	handler RelayHandler
	origin  string
	started bool
	done    chan struct{}
}

// NewKafkaConsumer builds one reader per topic. Every instance needs its own
// group id so each one sees every event.
func NewKafkaConsumer(brokers []string, groupID, origin string, topics []string, handler RelayHandler) *KafkaConsumer {
	var readers []*kafka.Reader

	for _, topic := range topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 100 * time.Millisecond,
			StartOffset:    kafka.LastOffset,
			MaxWait:        100 * time.Millisecond,
		})
		readers = append(readers, reader)
	}

	return &KafkaConsumer{
		readers: readers,
		handler: handler,
		origin:  origin,
		done:    make(chan struct{}),
	}
}

// Start consumes every topic on its own goroutine until ctx is cancelled.
func (k *KafkaConsumer) Start(ctx context.Context) {
	k.started = true
	remaining := len(k.readers)
	if remaining == 0 {
		close(k.done)
		return
	}
	finished := make(chan struct{}, remaining)
	for _, reader := range k.readers {
		go func(reader *kafka.Reader) {
			defer func() { finished <- struct{}{} }()
			k.consume(ctx, reader)
		}(reader)
	}
	go func() {
		for i := 0; i < remaining; i++ {
			<-finished
		}
		close(k.done)
	}()
}

func (k *KafkaConsumer) consume(ctx context.Context, reader *kafka.Reader) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("topic", reader.Config().Topic).Msg("recovered from panic in kafka consumer")
		}
	}()

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				log.Info().Str("topic", reader.Config().Topic).Msg("kafka consumer stopping")
				return
			}
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.Temporary() {
				log.Warn().Err(err).Msg("kafka temporary error, continuing")
				continue
			}
			log.Error().Err(err).Msg("error reading kafka message")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		k.handleMessage(ctx, m.Topic, m.Value)
	}
}

// handleMessage applies one relay event. Events this instance published are skipped.
func (k *KafkaConsumer) handleMessage(ctx context.Context, topic string, value []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("topic", topic).Msg("recovered from panic in handleMessage")
		}
	}()

	var ev domain.RelayEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("error unmarshaling relay event")
		return
	}
	if ev.Origin == k.origin {
		return
	}

	switch {
	case ev.Kind == domain.RelayMessage && ev.Message != nil:
		reached := k.handler.RelayMessage(ctx, *ev.Message)
		log.Debug().Uint64("message_id", ev.Message.ID).Int("reached", reached).Msg("relayed message")
	case ev.Kind == domain.RelayReadReceipt && ev.Receipt != nil:
		k.handler.RelayReadReceipt(*ev.Receipt)
	case ev.Kind == domain.RelayDelivered && ev.Delivered != nil:
		k.handler.RelayDelivered(ctx, *ev.Delivered)
	case ev.Kind == domain.RelayPresence && ev.Presence != nil:
		// The cluster roster lives in Redis; remote presence is only logged.
		log.Debug().Str("origin", ev.Origin).Str("user_id", ev.Presence.UserID).Str("action", ev.Presence.Action).Msg("remote presence")
	default:
		log.Warn().Str("topic", topic).Str("kind", ev.Kind).Msg("unknown relay event")
		return
	}
	metrics.RelayEvents.WithLabelValues("in", ev.Kind).Inc()
}

// Close waits for the consuming goroutines to stop and closes the readers.
func (k *KafkaConsumer) Close() error {
	var errs []error
	for _, r := range k.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if k.started {
		<-k.done
	}
	return errors.Join(errs...)
}
