package kafka

import (
	"context"
	"time"

	"supportchat-ws/internal/domain"
	"supportchat-ws/internal/metrics"
	"supportchat-ws/internal/registry"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	TopicMessages     = "chat-messages"
	TopicReadReceipts = "read-receipts"
	TopicDeliveries   = "delivery-receipts"
	TopicPresence     = "presence-events"
)

// Topics lists every topic a consumer subscribes to.
var Topics = []string{TopicMessages, TopicReadReceipts, TopicDeliveries, TopicPresence}

// KafkaProducer publishes relay events for the other instances. Writes are
// asynchronous; failures are logged and never reach the caller.
type KafkaProducer struct {
	Writer *kafka.Writer
	origin string
}

func NewKafkaProducer(brokers []string, origin string) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn().Err(err).Int("count", len(messages)).Msg("kafka publish failed")
			}
		},
	}
	return &KafkaProducer{Writer: writer, origin: origin}
}

func (k *KafkaProducer) PublishMessage(ctx context.Context, msg domain.Message) {
	k.publish(ctx, msg.RoomID, domain.RelayEvent{Kind: domain.RelayMessage, Message: &msg})
}

func (k *KafkaProducer) PublishReadReceipt(ctx context.Context, receipt domain.ReadConfirmResponse) {
	k.publish(ctx, receipt.ChatRoomID, domain.RelayEvent{Kind: domain.RelayReadReceipt, Receipt: &receipt})
}

// PublishDelivered reports a relayed message reaching a recipient on this instance.
func (k *KafkaProducer) PublishDelivered(ctx context.Context, ack domain.DeliveredResponse) {
	k.publish(ctx, ack.ChatRoomID, domain.RelayEvent{Kind: domain.RelayDelivered, Delivered: &ack})
}

// PublishPresence is a registry change listener.
func (k *KafkaProducer) PublishPresence(c registry.Change) {
	ev := &domain.PresenceEvent{
		ConnectionID: c.Conn.ID,
		UserID:       c.Conn.UserID,
		UserRole:     c.Conn.Role,
		UserName:     c.Conn.DisplayName,
		Action:       c.Kind.String(),
		Connections:  c.UserConnections,
		Timestamp:    time.Now(),
	}
	k.publish(context.Background(), c.Conn.UserID, domain.RelayEvent{Kind: domain.RelayPresence, Presence: ev})
}

func (k *KafkaProducer) publish(ctx context.Context, key string, ev domain.RelayEvent) {
	ev.Origin = k.origin
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("kind", ev.Kind).Msg("encode relay event")
		return
	}

	topic := getTopicForEvent(ev)
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	}
	// Async writers return immediately; errors surface in Completion.
	if err := k.Writer.WriteMessages(ctx, msg); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to send relay event to kafka")
		return
	}
	metrics.RelayEvents.WithLabelValues("out", ev.Kind).Inc()
	log.Debug().Str("topic", topic).Str("kind", ev.Kind).Msg("relay event queued")
}

func getTopicForEvent(ev domain.RelayEvent) string {
	switch ev.Kind {
	case domain.RelayReadReceipt:
		return TopicReadReceipts
	case domain.RelayDelivered:
		return TopicDeliveries
	case domain.RelayPresence:
		return TopicPresence
	default:
		return TopicMessages
	}
}

func (k *KafkaProducer) Close() error {
	return k.Writer.Close()
}
