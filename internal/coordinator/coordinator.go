package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"supportchat-ws/internal/domain"
	"supportchat-ws/internal/pipeline"
	"supportchat-ws/internal/presence"
	"supportchat-ws/internal/registry"
	"supportchat-ws/internal/room"
	"supportchat-ws/internal/typing"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type config struct {
	typingQuiet    time.Duration
	adminGrace     time.Duration
	pruneInterval  time.Duration
	presenceMirror presence.Mirror
	typingMirror   typing.Mirror
	publisher      pipeline.Publisher
	listeners      []func(registry.Change)
}

type Option func(*config)

func WithTypingQuietPeriod(d time.Duration) Option {
	return func(c *config) { c.typingQuiet = d }
}

func WithAdminGrace(d time.Duration) Option {
	return func(c *config) { c.adminGrace = d }
}

// WithRoomPruneInterval sets how often idle room bindings are dropped. Zero disables the sweep.
func WithRoomPruneInterval(d time.Duration) Option {
	return func(c *config) { c.pruneInterval = d }
}

func WithPresenceMirror(m presence.Mirror) Option {
	return func(c *config) { c.presenceMirror = m }
}

func WithTypingMirror(m typing.Mirror) Option {
	return func(c *config) { c.typingMirror = m }
}

// WithPublisher relays persisted messages, deliveries and read receipts to other instances.
func WithPublisher(p pipeline.Publisher) Option {
	return func(c *config) { c.publisher = p }
}

// WithChangeListener observes every registry change. fn must not block and must
// not call Join or Leave.
func WithChangeListener(fn func(registry.Change)) Option {
	return func(c *config) { c.listeners = append(c.listeners, fn) }
}

// Coordinator is the single owner of the registry, presence, typing, rooms and
// the delivery pipeline of one process. All mutation goes through its methods.
type Coordinator struct {
	registry *registry.Registry
	router   *room.Router
	presence *presence.Tracker
	typing   *typing.Coordinator
	pipeline *pipeline.Pipeline
	store    pipeline.Store
	validate *validator.Validate

	stopPrune chan struct{}
	pruneDone chan struct{}
	closeOnce sync.Once
}

func New(store pipeline.Store, opts ...Option) *Coordinator {
	cfg := config{
		typingQuiet:   typing.DefaultQuietPeriod,
		adminGrace:    30 * time.Second,
		pruneInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	reg := registry.New()
	router := room.NewRouter(reg)

	presenceOpts := []presence.Option{presence.WithGrace(cfg.adminGrace)}
	if cfg.presenceMirror != nil {
		presenceOpts = append(presenceOpts, presence.WithMirror(cfg.presenceMirror))
	}
	tracker := presence.NewTracker(reg, router, presenceOpts...)
	reg.Subscribe(tracker.HandleChange)
	for _, fn := range cfg.listeners {
		reg.Subscribe(fn)
	}

	typingOpts := []typing.Option{typing.WithQuietPeriod(cfg.typingQuiet)}
	if cfg.typingMirror != nil {
		typingOpts = append(typingOpts, typing.WithMirror(cfg.typingMirror))
	}

	var pipelineOpts []pipeline.Option
	if cfg.publisher != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithPublisher(cfg.publisher))
	}

	c := &Coordinator{
		registry:  reg,
		router:    router,
		presence:  tracker,
		typing:    typing.NewCoordinator(router, typingOpts...),
		pipeline:  pipeline.New(store, router, pipelineOpts...),
		store:     store,
		validate:  validator.New(),
		stopPrune: make(chan struct{}),
		pruneDone: make(chan struct{}),
	}
	if cfg.pruneInterval > 0 {
		go c.pruneLoop(cfg.pruneInterval)
	} else {
		close(c.pruneDone)
	}
	return c
}

func (c *Coordinator) pruneLoop(every time.Duration) {
	defer close(c.pruneDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopPrune:
			return
		case <-ticker.C:
			c.pruneRooms()
		}
	}
}

// DecodeJoin parses and validates a connection's first frame, which must be user:join.
func (c *Coordinator) DecodeJoin(raw []byte) (domain.JoinPayload, error) {
	env, err := domain.DecodeEnvelope(raw)
	if err != nil {
		return domain.JoinPayload{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if env.Type != domain.EventUserJoin {
		return domain.JoinPayload{}, fmt.Errorf("expected %s, got %q: %w", domain.EventUserJoin, env.Type, domain.ErrInvalidPayload)
	}
	var p domain.JoinPayload
	if err := c.decode(env.Data, &p); err != nil {
		return domain.JoinPayload{}, err
	}
	return p, nil
}

// Join admits a connection for an authenticated identity. The join payload must
// name the same user and role the token resolved to.
func (c *Coordinator) Join(ctx context.Context, ident domain.Identity, p domain.JoinPayload, sink registry.Sink) (string, error) {
	if p.UserID != ident.UserID || p.UserRole != ident.Role {
		return "", fmt.Errorf("join as %s/%s with token for %s/%s: %w", p.UserID, p.UserRole, ident.UserID, ident.Role, domain.ErrInvalidIdentity)
	}
	if ident.DisplayName == "" {
		ident.DisplayName = p.UserName
	}

	connID, err := c.registry.Admit(ident, sink)
	if err != nil {
		return "", err
	}

	c.push(connID, domain.EventUserJoined, domain.JoinedResponse{
		ConnectionID: connID,
		UserID:       ident.UserID,
		Role:         ident.Role,
		Timestamp:    time.Now(),
	})
	for _, st := range c.presence.Statuses() {
		if st.AdminID != ident.UserID && st.Status != domain.StatusOffline {
			c.push(connID, domain.EventAdminUpdate, st)
		}
	}

	log.Info().Str("conn_id", connID).Str("user_id", ident.UserID).Str("role", string(ident.Role)).Msg("user joined")
	return connID, nil
}

// Leave evicts a connection. Once a user's last connection is gone its typing
// state is cleared and rooms nobody else needs are unbound. Unknown ids are a no-op.
func (c *Coordinator) Leave(connID string) {
	conn, ok := c.registry.Evict(connID)
	if !ok {
		return
	}
	if !c.registry.HasUser(conn.UserID) {
		c.typing.ClearUser(conn.UserID)
		c.pruneRooms()
	}
	log.Info().Str("conn_id", connID).Str("user_id", conn.UserID).Msg("user left")
}

// Dispatch runs the transition for one inbound frame of connID. Failures are
// reported to the originating connection only and returned.
func (c *Coordinator) Dispatch(ctx context.Context, connID string, raw []byte) error {
	conn, ok := c.registry.Get(connID)
	if !ok {
		return domain.ErrUnknownConnection
	}

	env, err := domain.DecodeEnvelope(raw)
	if err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
		c.Fail(connID, "", err)
		return err
	}

	if err := c.handle(ctx, conn, env); err != nil {
		c.Fail(connID, env.Type, err)
		return err
	}
	return nil
}

func (c *Coordinator) handle(ctx context.Context, conn domain.Connection, env domain.Envelope) error {
	switch env.Type {
	case domain.EventUserJoin:
		c.push(conn.ID, domain.EventUserJoined, domain.JoinedResponse{
			ConnectionID: conn.ID, UserID: conn.UserID, Role: conn.Role, Timestamp: time.Now(),
		})
		return nil

	case domain.EventMessageSend:
		var p domain.SendPayload
		if err := c.decode(env.Data, &p); err != nil {
			return err
		}
		_, err := c.send(ctx, identityOf(conn), conn.ID, p.ChatRoomID, p.RecipientID, p.Message)
		return err

	case domain.EventTypingStart:
		var p domain.TypingStartPayload
		if err := c.decode(env.Data, &p); err != nil {
			return err
		}
		roomID, _, err := c.resolveRoom(ctx, identityOf(conn), p.ChatRoomID, "")
		if err != nil {
			return err
		}
		name := p.UserName
		if name == "" {
			name = conn.DisplayName
		}
		c.typing.Start(roomID, conn.UserID, name)
		return nil

	case domain.EventTypingStop:
		var p domain.TypingStopPayload
		if err := c.decode(env.Data, &p); err != nil {
			return err
		}
		c.typing.Stop(p.ChatRoomID, conn.UserID)
		return nil

	case domain.EventMessageRead:
		var p domain.ReadPayload
		if err := c.decode(env.Data, &p); err != nil {
			return err
		}
		_, err := c.Acknowledge(ctx, identityOf(conn), p.MessageID)
		return err

	case domain.EventAdminStatus:
		var p domain.AdminStatusPayload
		if conn.Role != domain.RoleAdmin {
			return domain.ErrForbidden
		}
		if err := c.decode(env.Data, &p); err != nil {
			return err
		}
		_, err := c.presence.SetStatus(conn, p.Status, p.Message)
		return err

	case domain.EventPing:
		c.push(conn.ID, domain.EventPong, domain.PongResponse{Timestamp: time.Now()})
		return nil
	}
	return fmt.Errorf("%q: %w", env.Type, domain.ErrUnknownEvent)
}

// Send delivers a message for a caller without a live connection.
func (c *Coordinator) Send(ctx context.Context, ident domain.Identity, chatRoomID, recipientID, body string) (domain.Message, error) {
	if chatRoomID == "" && recipientID == "" {
		chatRoomID = uuid.NewString()
	}
	return c.send(ctx, ident, "", chatRoomID, recipientID, body)
}

func (c *Coordinator) send(ctx context.Context, ident domain.Identity, originConn, chatRoomID, recipientID, body string) (domain.Message, error) {
	roomID, recipient, err := c.resolveRoom(ctx, ident, chatRoomID, recipientID)
	if err != nil {
		return domain.Message{}, err
	}

	msg, err := c.pipeline.Send(ctx, pipeline.SendRequest{
		RoomID:      roomID,
		Sender:      ident,
		OriginConn:  originConn,
		Body:        body,
		RecipientID: recipient,
	})
	if err != nil {
		if errors.Is(err, domain.ErrPersistenceFailure) && originConn != "" {
			c.push(originConn, domain.EventMsgFailed, domain.FailedResponse{
				ChatRoomID: roomID,
				Message:    msg.Body,
				Error:      domain.ErrorCode(err),
				Timestamp:  msg.CreatedAt,
			})
		}
		return msg, err
	}

	c.router.Confirm(roomID)
	c.typing.Stop(roomID, ident.UserID)
	return msg, nil
}

// Acknowledge marks a message read on behalf of ident.
func (c *Coordinator) Acknowledge(ctx context.Context, ident domain.Identity, messageID uint64) (domain.Message, error) {
	msg, err := c.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Message{}, fmt.Errorf("message %d: %w", messageID, domain.ErrUnknownMessage)
		}
		return domain.Message{}, err
	}
	if err := c.bindRoom(ctx, msg.RoomID, msg.SenderID, msg.SenderRole); err != nil {
		return domain.Message{}, err
	}
	return c.pipeline.Acknowledge(ctx, pipeline.AckRequest{MessageID: messageID, Reader: ident})
}

// History returns a room's messages if ident may read it.
func (c *Coordinator) History(ctx context.Context, ident domain.Identity, roomID string) ([]domain.Message, error) {
	if _, _, err := c.resolveRoom(ctx, ident, roomID, ""); err != nil {
		return nil, err
	}
	return c.store.ListMessages(ctx, roomID)
}

// Conversations is the admin inbox for admins and the caller's own list otherwise.
func (c *Coordinator) Conversations(ctx context.Context, ident domain.Identity) ([]domain.ConversationSummary, error) {
	if ident.Role == domain.RoleAdmin {
		return c.store.ListAllConversations(ctx)
	}
	return c.store.ListConversationsForUser(ctx, ident.UserID)
}

func (c *Coordinator) Roster() []domain.PresenceEntry {
	return c.presence.Roster()
}

func (c *Coordinator) IsOnline(userID string) bool {
	return c.presence.IsOnline(userID)
}

func (c *Coordinator) AdminStatuses() []domain.AdminStatus {
	return c.presence.Statuses()
}

func (c *Coordinator) AdminStatus(userID string) (domain.AdminStatus, bool) {
	return c.presence.Status(userID)
}

// TypingIn lists who is typing in a room.
func (c *Coordinator) TypingIn(roomID string) []domain.TypingState {
	return c.typing.Active(roomID)
}

func (c *Coordinator) ConnectionCount() int {
	return c.registry.Count()
}

// RelayMessage fans out a message another instance persisted.
func (c *Coordinator) RelayMessage(ctx context.Context, msg domain.Message) int {
	if err := c.bindRoom(ctx, msg.RoomID, msg.SenderID, msg.SenderRole); err != nil {
		return 0
	}
	return c.pipeline.RelayMessage(ctx, msg)
}

// RelayDelivered applies a delivery another instance observed for a message sent here.
func (c *Coordinator) RelayDelivered(ctx context.Context, ack domain.DeliveredResponse) int {
	return c.pipeline.RelayDelivered(ctx, ack)
}

func (c *Coordinator) RelayReadReceipt(receipt domain.ReadConfirmResponse) int {
	return c.pipeline.RelayReadReceipt(receipt)
}

// Fail reports err to connID as an error frame.
func (c *Coordinator) Fail(connID, event string, err error) {
	code := domain.ErrorCode(err)
	message := err.Error()
	if code == "internal" {
		message = "internal error"
	}
	log.Warn().Err(err).Str("conn_id", connID).Str("event", event).Str("code", code).Msg("event rejected")
	c.push(connID, domain.EventError, domain.ErrorResponse{Code: code, Message: message, Event: event})
}

// RoomCount is the number of rooms currently bound.
func (c *Coordinator) RoomCount() int {
	return c.router.Len()
}

// Close stops typing timers silently and closes every connection.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.stopPrune) })
	<-c.pruneDone
	c.typing.Close()
	c.registry.CloseAll()
}

func (c *Coordinator) push(connID, kind string, payload interface{}) {
	t, ok := c.registry.Target(connID)
	if !ok || t.Sink == nil {
		return
	}
	frame, err := domain.EncodeFrame(kind, payload)
	if err != nil {
		log.Error().Err(err).Str("event", kind).Msg("encode frame")
		return
	}
	if !t.Sink.Send(frame) {
		t.Sink.Close()
	}
}

func (c *Coordinator) decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if err := c.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}

func identityOf(conn domain.Connection) domain.Identity {
	return domain.Identity{UserID: conn.UserID, Role: conn.Role, DisplayName: conn.DisplayName}
}
