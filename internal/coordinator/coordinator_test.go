package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"supportchat-ws/internal/domain"
	"supportchat-ws/internal/infrastructure/database"
	"supportchat-ws/internal/polling"
	"supportchat-ws/internal/room"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

type sink struct {
	mu     sync.Mutex
	frames []domain.Envelope
}

func (s *sink) Send(frame []byte) bool {
	var env domain.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.frames = append(s.frames, env)
	s.mu.Unlock()
	return true
}

func (s *sink) Close() {}

func (s *sink) of(kind string) []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Envelope
	for _, f := range s.frames {
		if f.Type == kind {
			out = append(out, f)
		}
	}
	return out
}

func (s *sink) reset() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}

var (
	userA = domain.Identity{UserID: "user-a", Role: domain.RoleUser, DisplayName: "Ayu"}
	userB = domain.Identity{UserID: "user-b", Role: domain.RoleUser, DisplayName: "Bima"}
	admin = domain.Identity{UserID: "admin-1", Role: domain.RoleAdmin, DisplayName: "Sari"}
)

func setup(t *testing.T, opts ...Option) (*Coordinator, *database.Store) {
	t.Helper()
	db, err := database.Open(":memory:", logger.Silent)
	require.NoError(t, err)
	store := database.NewStore(db)
	c := New(store, opts...)
	t.Cleanup(func() {
		c.Close()
		_ = store.Close()
	})
	return c, store
}

func join(t *testing.T, c *Coordinator, ident domain.Identity) (string, *sink) {
	t.Helper()
	s := &sink{}
	id, err := c.Join(context.Background(), ident, domain.JoinPayload{UserID: ident.UserID, UserRole: ident.Role, UserName: ident.DisplayName}, s)
	require.NoError(t, err)
	return id, s
}

func frame(t *testing.T, kind string, data interface{}) []byte {
	t.Helper()
	raw, err := domain.EncodeFrame(kind, data)
	require.NoError(t, err)
	return raw
}

func decode[T any](t *testing.T, env domain.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestJoin_RejectsMismatchedIdentity(t *testing.T) {
	c, _ := setup(t)
	_, err := c.Join(context.Background(), userA, domain.JoinPayload{UserID: "someone-else", UserRole: domain.RoleUser, UserName: "X"}, &sink{})
	assert.ErrorIs(t, err, domain.ErrInvalidIdentity)

	_, err = c.Join(context.Background(), userA, domain.JoinPayload{UserID: userA.UserID, UserRole: domain.RoleAdmin, UserName: "X"}, &sink{})
	assert.ErrorIs(t, err, domain.ErrInvalidIdentity)
	assert.Equal(t, 0, c.ConnectionCount())
}

func TestDecodeJoin(t *testing.T) {
	c, _ := setup(t)

	p, err := c.DecodeJoin([]byte(`{"type":"user:join","data":{"userId":"user-a","userRole":"user","userName":"Ayu"}}`))
	require.NoError(t, err)
	assert.Equal(t, "user-a", p.UserID)

	_, err = c.DecodeJoin([]byte(`{"type":"message:send","data":{}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	_, err = c.DecodeJoin([]byte(`{"type":"user:join","data":{"userId":"user-a","userRole":"root","userName":"Ayu"}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
	_, err = c.DecodeJoin([]byte(`not json`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestTwoTabsAppearOnceInRoster(t *testing.T) {
	c, _ := setup(t)
	tab1, s1 := join(t, c, userA)
	_, _ = join(t, c, userA)

	roster := c.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, userA.UserID, roster[0].UserID)
	assert.Equal(t, 2, roster[0].Connections)
	require.NotEmpty(t, s1.of(domain.EventUserJoined))

	c.Leave(tab1)
	c.Leave(tab1)
	assert.True(t, c.IsOnline(userA.UserID))
	assert.Len(t, c.Roster(), 1)
}

func TestOfflineAdminPicksUpMessageByPolling(t *testing.T) {
	c, store := setup(t)
	ctx := context.Background()
	connA, sinkA := join(t, c, userA)

	require.NoError(t, c.Dispatch(ctx, connA, frame(t, domain.EventMessageSend, domain.SendPayload{ChatRoomID: "conv-a", Message: "Halo"})))

	msgs, err := store.ListMessages(ctx, "conv-a")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.StateSending, msgs[0].State)
	assert.Empty(t, sinkA.of(domain.EventMsgDelivered))

	connAdmin, _ := join(t, c, admin)
	w := polling.NewWatcher(polling.StoreFetcher{Store: store}, admin, "conv-a", 0, nil)
	res, err := w.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, res.Fresh, 1)
	assert.Equal(t, "Halo", res.Fresh[0].Body)
	assert.Equal(t, 1, res.Unread)
	assert.False(t, res.Notify)

	read := frame(t, domain.EventMessageRead, domain.ReadPayload{MessageID: res.Fresh[0].ID, ChatRoomID: "conv-a"})
	require.NoError(t, c.Dispatch(ctx, connAdmin, read))
	require.NoError(t, c.Dispatch(ctx, connAdmin, read))

	confirms := sinkA.of(domain.EventReadConfirm)
	require.Len(t, confirms, 1)
	receipt := decode[domain.ReadConfirmResponse](t, confirms[0])
	assert.Equal(t, res.Fresh[0].ID, receipt.MessageID)
	assert.Equal(t, domain.RoleAdmin, receipt.ReadBy)

	stored, err := store.GetMessage(ctx, res.Fresh[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRead, stored.State)
}

func TestSupportRoomReachesConnectedAdmins(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	connA, sinkA := join(t, c, userA)
	connAdmin, sinkAdmin := join(t, c, admin)

	require.NoError(t, c.Dispatch(ctx, connA, frame(t, domain.EventMessageSend, domain.SendPayload{ChatRoomID: "conv-a", Message: "Halo"})))
	received := sinkAdmin.of(domain.EventMsgReceived)
	require.Len(t, received, 1)
	msg := decode[domain.Message](t, received[0])
	assert.Equal(t, "conv-a", msg.RoomID)
	require.Len(t, sinkA.of(domain.EventMsgDelivered), 1)

	// The admin replies on the same room.
	require.NoError(t, c.Dispatch(ctx, connAdmin, frame(t, domain.EventMessageSend, domain.SendPayload{ChatRoomID: "conv-a", RecipientID: userA.UserID, Message: "Hai"})))
	require.Len(t, sinkA.of(domain.EventMsgReceived), 1)
}

func TestPairRoomByRecipient(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	connA, _ := join(t, c, userA)
	_, sinkB := join(t, c, userB)
	connC, sinkC := join(t, c, domain.Identity{UserID: "user-c", Role: domain.RoleUser, DisplayName: "Citra"})

	require.NoError(t, c.Dispatch(ctx, connA, frame(t, domain.EventMessageSend, domain.SendPayload{RecipientID: userB.UserID, Message: "Halo"})))
	received := sinkB.of(domain.EventMsgReceived)
	require.Len(t, received, 1)
	msg := decode[domain.Message](t, received[0])
	assert.Equal(t, room.PairID(userA.UserID, userB.UserID), msg.RoomID)

	// A third user can neither write nor type into the pair.
	err := c.Dispatch(ctx, connC, frame(t, domain.EventMessageSend, domain.SendPayload{ChatRoomID: msg.RoomID, Message: "hi"}))
	assert.ErrorIs(t, err, domain.ErrForbidden)
	err = c.Dispatch(ctx, connC, frame(t, domain.EventTypingStart, domain.TypingStartPayload{ChatRoomID: msg.RoomID}))
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Len(t, sinkC.of(domain.EventError), 2)
}

func TestErrorsGoOnlyToOrigin(t *testing.T) {
	c, store := setup(t)
	ctx := context.Background()
	connA, sinkA := join(t, c, userA)
	_, sinkAdmin := join(t, c, admin)
	sinkAdmin.reset()

	cases := []struct {
		name string
		raw  []byte
		code string
	}{
		{"unknown event", frame(t, "dance", nil), "unknown_event"},
		{"malformed frame", []byte(`{"type":`), "invalid_payload"},
		{"blank message", frame(t, domain.EventMessageSend, domain.SendPayload{ChatRoomID: "conv-a", Message: "   "}), "empty_message"},
		{"admin only", frame(t, domain.EventAdminStatus, domain.AdminStatusPayload{Status: domain.StatusBusy}), "forbidden"},
		{"unknown message", frame(t, domain.EventMessageRead, domain.ReadPayload{MessageID: 404}), "unknown_message"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sinkA.reset()
			require.Error(t, c.Dispatch(ctx, connA, tc.raw))
			errs := sinkA.of(domain.EventError)
			require.Len(t, errs, 1)
			assert.Equal(t, tc.code, decode[domain.ErrorResponse](t, errs[0]).Code)
		})
	}

	assert.Empty(t, sinkAdmin.frames)
	msgs, err := store.ListMessages(ctx, "conv-a")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	st, _ := c.AdminStatus(admin.UserID)
	assert.Equal(t, domain.StatusOnline, st.Status)
}

func TestDispatchUnknownConnection(t *testing.T) {
	c, _ := setup(t)
	assert.ErrorIs(t, c.Dispatch(context.Background(), "nope", frame(t, domain.EventPing, nil)), domain.ErrUnknownConnection)
}

func TestAdminStatusBroadcastAndReplayToJoiners(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	connAdmin, _ := join(t, c, admin)
	_, sinkA := join(t, c, userA)

	require.NoError(t, c.Dispatch(ctx, connAdmin, frame(t, domain.EventAdminStatus, domain.AdminStatusPayload{Status: domain.StatusBusy, Message: "rapat"})))
	// The first update replays the admin's auto-online status on join.
	updates := sinkA.of(domain.EventAdminUpdate)
	require.Len(t, updates, 2)
	assert.Equal(t, domain.StatusOnline, decode[domain.AdminStatus](t, updates[0]).Status)
	assert.Equal(t, domain.StatusBusy, decode[domain.AdminStatus](t, updates[1]).Status)

	_, sinkB := join(t, c, userB)
	replayed := sinkB.of(domain.EventAdminUpdate)
	require.Len(t, replayed, 1)
	assert.Equal(t, "rapat", decode[domain.AdminStatus](t, replayed[0]).Message)
}

func TestTypingClearedWhenLastTabCloses(t *testing.T) {
	c, _ := setup(t, WithTypingQuietPeriod(time.Minute))
	ctx := context.Background()
	tab1, _ := join(t, c, userA)
	tab2, _ := join(t, c, userA)
	_, sinkAdmin := join(t, c, admin)

	require.NoError(t, c.Dispatch(ctx, tab1, frame(t, domain.EventTypingStart, domain.TypingStartPayload{ChatRoomID: "conv-a"})))
	require.Len(t, sinkAdmin.of(domain.EventUserTyping), 1)
	assert.Len(t, c.TypingIn("conv-a"), 1)

	c.Leave(tab1)
	assert.Len(t, c.TypingIn("conv-a"), 1)
	assert.Empty(t, sinkAdmin.of(domain.EventTypingEnded))

	c.Leave(tab2)
	assert.Empty(t, c.TypingIn("conv-a"))
	assert.Len(t, sinkAdmin.of(domain.EventTypingEnded), 1)
}

func TestSendStopsTyping(t *testing.T) {
	c, _ := setup(t, WithTypingQuietPeriod(time.Minute))
	ctx := context.Background()
	connA, _ := join(t, c, userA)
	_, sinkAdmin := join(t, c, admin)

	require.NoError(t, c.Dispatch(ctx, connA, frame(t, domain.EventTypingStart, domain.TypingStartPayload{ChatRoomID: "conv-a"})))
	require.NoError(t, c.Dispatch(ctx, connA, frame(t, domain.EventMessageSend, domain.SendPayload{ChatRoomID: "conv-a", Message: "Halo"})))
	assert.Len(t, sinkAdmin.of(domain.EventTypingEnded), 1)
	assert.Empty(t, c.TypingIn("conv-a"))
}

func TestRESTSendAndHistory(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()

	msg, err := c.Send(ctx, userA, "", "", "Halo")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.RoomID)

	history, err := c.History(ctx, userA, msg.RoomID)
	require.NoError(t, err)
	require.Len(t, history, 1)

	_, err = c.History(ctx, userB, msg.RoomID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	adminHistory, err := c.History(ctx, admin, msg.RoomID)
	require.NoError(t, err)
	assert.Len(t, adminHistory, 1)

	convs, err := c.Conversations(ctx, admin)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, userA.UserID, convs[0].UserID)
}

func TestRelay(t *testing.T) {
	c, _ := setup(t)
	_, sinkA := join(t, c, userA)
	_, sinkB := join(t, c, userB)

	roomID := room.PairID(userA.UserID, userB.UserID)
	n := c.RelayMessage(context.Background(), domain.Message{ID: 9, RoomID: roomID, SenderID: userB.UserID, SenderRole: domain.RoleUser, Body: "Halo"})
	assert.Equal(t, 1, n)
	assert.Len(t, sinkA.of(domain.EventMsgReceived), 1)
	assert.Len(t, sinkB.of(domain.EventMsgReceived), 1)

	assert.Equal(t, 1, c.RelayReadReceipt(domain.ReadConfirmResponse{MessageID: 9, SenderID: userB.UserID}))
}

func TestAdminTouchingNewRoomLeavesItToItsUser(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	connAdmin, _ := join(t, c, admin)
	connA, sinkA := join(t, c, userA)
	connB, _ := join(t, c, userB)

	require.NoError(t, c.Dispatch(ctx, connAdmin, frame(t, domain.EventTypingStart, domain.TypingStartPayload{ChatRoomID: "conv-new"})))

	require.NoError(t, c.Dispatch(ctx, connA, frame(t, domain.EventMessageSend, domain.SendPayload{ChatRoomID: "conv-new", Message: "Halo"})))
	assert.Empty(t, sinkA.of(domain.EventError))

	err := c.Dispatch(ctx, connB, frame(t, domain.EventMessageSend, domain.SendPayload{ChatRoomID: "conv-new", Message: "Saya juga"}))
	assert.ErrorIs(t, err, domain.ErrForbidden)

	history, err := c.History(ctx, userA, "conv-new")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestLeaveUnbindsIdleRooms(t *testing.T) {
	c, _ := setup(t)
	ctx := context.Background()
	connA, _ := join(t, c, userA)

	for i := 0; i < 500; i++ {
		roomID := fmt.Sprintf("junk-%d", i)
		require.NoError(t, c.Dispatch(ctx, connA, frame(t, domain.EventTypingStart, domain.TypingStartPayload{ChatRoomID: roomID})))
		require.NoError(t, c.Dispatch(ctx, connA, frame(t, domain.EventTypingStop, domain.TypingStopPayload{ChatRoomID: roomID})))
	}
	require.Equal(t, 500, c.RoomCount())

	c.Leave(connA)
	assert.Equal(t, 0, c.RoomCount())
}

func TestPruneSweepKeepsRoomsInUse(t *testing.T) {
	c, _ := setup(t, WithRoomPruneInterval(10*time.Millisecond), WithTypingQuietPeriod(time.Minute))
	ctx := context.Background()
	connA, _ := join(t, c, userA)

	require.NoError(t, c.Dispatch(ctx, connA, frame(t, domain.EventTypingStart, domain.TypingStartPayload{ChatRoomID: "draft"})))
	require.NoError(t, c.Dispatch(ctx, connA, frame(t, domain.EventTypingStop, domain.TypingStopPayload{ChatRoomID: "draft"})))
	require.NoError(t, c.Dispatch(ctx, connA, frame(t, domain.EventTypingStart, domain.TypingStartPayload{ChatRoomID: "typing"})))
	_, err := c.Send(ctx, userA, "sent", "", "Halo")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return c.RoomCount() == 2 }, time.Second, 10*time.Millisecond)
	assert.Len(t, c.TypingIn("typing"), 1)
	_, err = c.History(ctx, userA, "sent")
	assert.NoError(t, err)
}

// bus hands one instance's relay events straight to its peer.
type bus struct{ peer *Coordinator }

func (b *bus) PublishMessage(ctx context.Context, msg domain.Message) { b.peer.RelayMessage(ctx, msg) }

func (b *bus) PublishReadReceipt(_ context.Context, r domain.ReadConfirmResponse) {
	b.peer.RelayReadReceipt(r)
}

func (b *bus) PublishDelivered(ctx context.Context, ack domain.DeliveredResponse) {
	b.peer.RelayDelivered(ctx, ack)
}

func TestCrossInstanceDeliveryReachesSender(t *testing.T) {
	toB, toA := &bus{}, &bus{}
	a, storeA := setup(t, WithPublisher(toB))
	b, _ := setup(t, WithPublisher(toA))
	toB.peer, toA.peer = b, a
	ctx := context.Background()

	connA, sinkA := join(t, a, userA)
	_, sinkAdmin := join(t, b, admin)

	require.NoError(t, a.Dispatch(ctx, connA, frame(t, domain.EventMessageSend, domain.SendPayload{ChatRoomID: "conv-x", Message: "Halo"})))

	require.Len(t, sinkAdmin.of(domain.EventMsgReceived), 1)
	delivered := sinkA.of(domain.EventMsgDelivered)
	require.Len(t, delivered, 1)
	ack := decode[domain.DeliveredResponse](t, delivered[0])
	assert.Equal(t, "conv-x", ack.ChatRoomID)

	stored, err := storeA.GetMessage(ctx, ack.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDelivered, stored.State)
}
