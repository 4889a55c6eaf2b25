package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"supportchat-ws/internal/domain"
	"supportchat-ws/internal/metrics"
	"supportchat-ws/internal/room"

	"github.com/rs/zerolog/log"
)

// Store is the Message Store collaborator.
type Store interface {
	AppendMessage(ctx context.Context, msg domain.NewMessage) (domain.Message, error)
	GetMessage(ctx context.Context, id uint64) (domain.Message, error)
	ListMessages(ctx context.Context, roomID string) ([]domain.Message, error)
	// MarkDelivered reports changed=false when the message had already moved past sending.
	MarkDelivered(ctx context.Context, id uint64) (changed bool, err error)
	// MarkRead reports changed=false when the message was already read.
	MarkRead(ctx context.Context, id uint64, readerID string, readerRole domain.Role) (msg domain.Message, changed bool, err error)
	ListConversationsForUser(ctx context.Context, userID string) ([]domain.ConversationSummary, error)
	ListAllConversations(ctx context.Context) ([]domain.ConversationSummary, error)
	GetConversation(ctx context.Context, id string) (domain.ConversationSummary, error)
}

type Router interface {
	Broadcast(roomID string, frame []byte, ex room.Exclude) int
	SendToUser(userID string, frame []byte, ex room.Exclude) int
	Admits(roomID string, ident domain.Identity) bool
}

// Publisher forwards pipeline events to other coordinator instances.
type Publisher interface {
	PublishMessage(ctx context.Context, msg domain.Message)
	PublishReadReceipt(ctx context.Context, receipt domain.ReadConfirmResponse)
	PublishDelivered(ctx context.Context, ack domain.DeliveredResponse)
}

type SendRequest struct {
	RoomID string
	Sender domain.Identity
	// OriginConn is the connection the message was typed on; empty for REST sends.
	OriginConn  string
	Body        string
	RecipientID string
}

type AckRequest struct {
	MessageID uint64
	Reader    domain.Identity
}

type Option func(*Pipeline)

func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.pub = pub }
}

// Pipeline persists messages, fans them out and tracks their delivery state.
// No lock is held while a store call is in flight.
type Pipeline struct {
	store  Store
	router Router
	pub    Publisher

	mu     sync.Mutex
	acking map[uint64]struct{}
}

func New(store Store, router Router, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:  store,
		router: router,
		acking: make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send validates, persists and fans out a message. A persistence failure returns
// the message in state failed together with ErrPersistenceFailure; it is never retried.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (domain.Message, error) {
	body := strings.TrimSpace(req.Body)
	if body == "" {
		return domain.Message{}, domain.ErrEmptyMessage
	}

	msg, err := p.store.AppendMessage(ctx, domain.NewMessage{
		RoomID:      req.RoomID,
		SenderID:    req.Sender.UserID,
		SenderRole:  req.Sender.Role,
		SenderName:  req.Sender.DisplayName,
		Body:        body,
		RecipientID: req.RecipientID,
	})
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(string(domain.StateFailed)).Inc()
		log.Error().Err(err).Str("room_id", req.RoomID).Str("user_id", req.Sender.UserID).Msg("persist message")
		failed := domain.Message{
			RoomID:     req.RoomID,
			SenderID:   req.Sender.UserID,
			SenderRole: req.Sender.Role,
			SenderName: req.Sender.DisplayName,
			Body:       body,
			CreatedAt:  time.Now(),
			State:      domain.StateFailed,
		}
		return failed, fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}
	msg.State = domain.StateSending

	frame, err := domain.EncodeFrame(domain.EventMsgReceived, msg)
	if err != nil {
		return msg, fmt.Errorf("encode message %d: %w", msg.ID, err)
	}
	// The sender's other tabs see the message while it is still sending.
	p.router.SendToUser(msg.SenderID, frame, room.Exclude{ConnID: req.OriginConn})
	reached := p.router.Broadcast(msg.RoomID, frame, room.Exclude{UserID: msg.SenderID})

	if reached > 0 {
		if _, err := p.store.MarkDelivered(ctx, msg.ID); err != nil {
			log.Error().Err(err).Uint64("message_id", msg.ID).Msg("mark delivered")
		} else {
			msg.State = domain.StateDelivered
			p.pushDelivered(deliveredAck(msg))
		}
	}
	metrics.MessagesTotal.WithLabelValues(string(msg.State)).Inc()

	log.Info().Uint64("message_id", msg.ID).Str("room_id", msg.RoomID).Str("user_id", msg.SenderID).
		Int("reached", reached).Str("state", string(msg.State)).Msg("message sent")

	if p.pub != nil {
		p.pub.PublishMessage(ctx, msg)
	}
	return msg, nil
}

// Acknowledge marks a message read by reader and confirms it to the sender once.
func (p *Pipeline) Acknowledge(ctx context.Context, req AckRequest) (domain.Message, error) {
	msg, err := p.store.GetMessage(ctx, req.MessageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Message{}, fmt.Errorf("message %d: %w", req.MessageID, domain.ErrUnknownMessage)
		}
		return domain.Message{}, fmt.Errorf("load message %d: %w", req.MessageID, err)
	}
	if !p.router.Admits(msg.RoomID, req.Reader) {
		return domain.Message{}, fmt.Errorf("read message %d: %w", req.MessageID, domain.ErrForbidden)
	}
	if msg.SenderID == req.Reader.UserID || msg.State == domain.StateRead {
		return msg, nil
	}

	p.mu.Lock()
	if _, busy := p.acking[req.MessageID]; busy {
		p.mu.Unlock()
		return msg, nil
	}
	p.acking[req.MessageID] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.acking, req.MessageID)
		p.mu.Unlock()
	}()

	updated, changed, err := p.store.MarkRead(ctx, req.MessageID, req.Reader.UserID, req.Reader.Role)
	if err != nil {
		log.Error().Err(err).Uint64("message_id", req.MessageID).Msg("mark read")
		return msg, fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}
	if !changed {
		return updated, nil
	}
	metrics.MessagesTotal.WithLabelValues(string(domain.StateRead)).Inc()

	readAt := time.Now()
	if updated.ReadAt != nil {
		readAt = *updated.ReadAt
	}
	receipt := domain.ReadConfirmResponse{
		MessageID:  updated.ID,
		ChatRoomID: updated.RoomID,
		SenderID:   updated.SenderID,
		ReadBy:     req.Reader.Role,
		ReaderID:   req.Reader.UserID,
		ReadAt:     readAt,
	}
	p.pushReceipt(receipt)

	if p.pub != nil {
		p.pub.PublishReadReceipt(ctx, receipt)
	}
	return updated, nil
}

func (p *Pipeline) pushReceipt(receipt domain.ReadConfirmResponse) int {
	frame, err := domain.EncodeFrame(domain.EventReadConfirm, receipt)
	if err != nil {
		log.Error().Err(err).Uint64("message_id", receipt.MessageID).Msg("encode read receipt")
		return 0
	}
	return p.router.SendToUser(receipt.SenderID, frame, room.Exclude{})
}

func (p *Pipeline) pushDelivered(ack domain.DeliveredResponse) int {
	frame, err := domain.EncodeFrame(domain.EventMsgDelivered, ack)
	if err != nil {
		log.Error().Err(err).Uint64("message_id", ack.MessageID).Msg("encode delivered ack")
		return 0
	}
	return p.router.SendToUser(ack.SenderID, frame, room.Exclude{})
}

func deliveredAck(msg domain.Message) domain.DeliveredResponse {
	return domain.DeliveredResponse{
		MessageID:  msg.ID,
		ChatRoomID: msg.RoomID,
		SenderID:   msg.SenderID,
		Timestamp:  time.Now(),
	}
}

// RelayMessage fans out a message persisted by another instance. A message that
// was still sending and reached a local recipient is reported back as delivered.
func (p *Pipeline) RelayMessage(ctx context.Context, msg domain.Message) int {
	frame, err := domain.EncodeFrame(domain.EventMsgReceived, msg)
	if err != nil {
		log.Error().Err(err).Uint64("message_id", msg.ID).Msg("encode relayed message")
		return 0
	}
	reached := p.router.Broadcast(msg.RoomID, frame, room.Exclude{UserID: msg.SenderID})
	p.router.SendToUser(msg.SenderID, frame, room.Exclude{})

	if reached > 0 && msg.State == domain.StateSending && p.pub != nil {
		p.pub.PublishDelivered(ctx, deliveredAck(msg))
	}
	return reached
}

// RelayDelivered applies a delivery reported by another instance and tells the
// local sender tabs. Only the first transition out of sending is pushed.
func (p *Pipeline) RelayDelivered(ctx context.Context, ack domain.DeliveredResponse) int {
	changed, err := p.store.MarkDelivered(ctx, ack.MessageID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// Persisted elsewhere; the sender's tabs here still want the tick.
	case err != nil:
		log.Error().Err(err).Uint64("message_id", ack.MessageID).Msg("mark relayed delivery")
		return 0
	case !changed:
		return 0
	default:
		metrics.MessagesTotal.WithLabelValues(string(domain.StateDelivered)).Inc()
	}
	return p.pushDelivered(ack)
}

// RelayReadReceipt forwards a receipt produced by another instance to local sender tabs.
func (p *Pipeline) RelayReadReceipt(receipt domain.ReadConfirmResponse) int {
	return p.pushReceipt(receipt)
}
