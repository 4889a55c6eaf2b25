package room

import (
	"sync"
	"testing"

	"supportchat-ws/internal/domain"
	"supportchat-ws/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []string
	full   bool
	closed bool
}

func (s *recordingSink) Send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.frames = append(s.frames, string(frame))
	return true
}

func (s *recordingSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func admit(t *testing.T, reg *registry.Registry, id string, role domain.Role) (string, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	connID, err := reg.Admit(domain.Identity{UserID: id, Role: role, DisplayName: id}, sink)
	require.NoError(t, err)
	return connID, sink
}

func TestPairID_IsOrderIndependent(t *testing.T) {
	assert.Equal(t, PairID("alice", "bob"), PairID("bob", "alice"))
	assert.Equal(t, "alice_bob", PairID("bob", "alice"))

	a, b, ok := SplitPair("alice_bob")
	require.True(t, ok)
	assert.Equal(t, "alice", a)
	assert.Equal(t, "bob", b)

	_, _, ok = SplitPair("a_b_c")
	assert.False(t, ok)
	_, _, ok = SplitPair("bob_alice")
	assert.False(t, ok)
}

func TestRouter_GeneralReachesEveryone(t *testing.T) {
	reg := registry.New()
	r := NewRouter(reg)
	_, s1 := admit(t, reg, "u1", domain.RoleUser)
	_, s2 := admit(t, reg, "u2", domain.RoleUser)
	c3, s3 := admit(t, reg, "a1", domain.RoleAdmin)

	n := r.Broadcast(General, []byte("hello"), Exclude{ConnID: c3})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"hello"}, s1.got())
	assert.Equal(t, []string{"hello"}, s2.got())
	assert.Empty(t, s3.got())
}

func TestRouter_PairRoomReachesBothParticipantsOnly(t *testing.T) {
	reg := registry.New()
	r := NewRouter(reg)
	_, alice := admit(t, reg, "alice", domain.RoleUser)
	_, aliceTab := admit(t, reg, "alice", domain.RoleUser)
	_, bob := admit(t, reg, "bob", domain.RoleAdmin)
	_, carol := admit(t, reg, "carol", domain.RoleUser)

	id := r.Pair("bob", "alice")
	n := r.Broadcast(id, []byte("m1"), Exclude{UserID: "bob"})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"m1"}, alice.got())
	assert.Equal(t, []string{"m1"}, aliceTab.got())
	assert.Empty(t, bob.got())
	assert.Empty(t, carol.got())
}

func TestRouter_UnboundCanonicalRoomResolvesParticipants(t *testing.T) {
	reg := registry.New()
	r := NewRouter(reg)
	_, alice := admit(t, reg, "alice", domain.RoleUser)

	assert.Equal(t, []string{"alice", "bob"}, r.Members("alice_bob"))
	assert.Equal(t, 1, r.Broadcast("alice_bob", []byte("x"), Exclude{}))
	assert.Equal(t, []string{"x"}, alice.got())
}

func TestRouter_SupportRoomIncludesAdmins(t *testing.T) {
	reg := registry.New()
	r := NewRouter(reg)
	r.BindSupport("conv-1", "u1")

	assert.Equal(t, []string{"u1"}, r.Members("conv-1"))
	_, admin := admit(t, reg, "a1", domain.RoleAdmin)
	assert.Equal(t, []string{"a1", "u1"}, r.Members("conv-1"))

	n := r.Broadcast("conv-1", []byte("hi"), Exclude{UserID: "u1"})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"hi"}, admin.got())
}

func TestRouter_ZeroRecipientsWhenNobodyOnline(t *testing.T) {
	reg := registry.New()
	r := NewRouter(reg)
	r.BindSupport("conv-1", "u1")
	assert.Equal(t, 0, r.Broadcast("conv-1", []byte("hi"), Exclude{}))
}

func TestRouter_FullSinkIsClosedAndNotCounted(t *testing.T) {
	reg := registry.New()
	r := NewRouter(reg)
	_, ok := admit(t, reg, "u1", domain.RoleUser)
	_, slow := admit(t, reg, "u2", domain.RoleUser)
	slow.full = true

	assert.Equal(t, 1, r.Broadcast(General, []byte("x"), Exclude{}))
	assert.Equal(t, []string{"x"}, ok.got())
	assert.True(t, slow.closed)
}

func TestRouter_PreservesOrderWithinRoom(t *testing.T) {
	reg := registry.New()
	r := NewRouter(reg)
	_, sink := admit(t, reg, "u1", domain.RoleUser)
	r.Bind("room", "u1")

	for i := 0; i < 100; i++ {
		r.Broadcast("room", []byte{byte(i)}, Exclude{})
	}
	got := sink.got()
	require.Len(t, got, 100)
	for i, f := range got {
		assert.Equal(t, string([]byte{byte(i)}), f)
	}
}

func TestRouter_LanesAreReleased(t *testing.T) {
	reg := registry.New()
	r := NewRouter(reg)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Broadcast("room", []byte("x"), Exclude{})
		}()
	}
	wg.Wait()

	r.lanesMu.Lock()
	defer r.lanesMu.Unlock()
	assert.Empty(t, r.lanes)
}

func TestRouter_AdmitsOfflineAdminsToSupportRooms(t *testing.T) {
	r := NewRouter(registry.New())
	r.BindSupport("conv-a", "user-1")
	r.Bind("team", "user-1", "user-2")

	offlineAdmin := domain.Identity{UserID: "admin-1", Role: domain.RoleAdmin, DisplayName: "Sari"}
	assert.True(t, r.Admits("conv-a", offlineAdmin))
	assert.False(t, r.Admits("team", offlineAdmin))
	assert.True(t, r.Admits("conv-a", domain.Identity{UserID: "user-1", Role: domain.RoleUser}))
	assert.False(t, r.Admits("conv-a", domain.Identity{UserID: "user-2", Role: domain.RoleUser}))
}

func TestRouter_ClaimOwnerlessSupportRoom(t *testing.T) {
	r := NewRouter(registry.New())
	r.BindProvisional("conv-new", "")

	admin := domain.Identity{UserID: "admin-1", Role: domain.RoleAdmin}
	assert.True(t, r.Admits("conv-new", admin))
	assert.False(t, r.Admits("conv-new", domain.Identity{UserID: "user-1", Role: domain.RoleUser}))

	assert.True(t, r.Claim("conv-new", "user-1"))
	assert.False(t, r.Claim("conv-new", "user-2"))
	assert.True(t, r.Admits("conv-new", domain.Identity{UserID: "user-1", Role: domain.RoleUser}))
	assert.False(t, r.Admits("conv-new", domain.Identity{UserID: "user-2", Role: domain.RoleUser}))

	r.Bind("team", "user-1")
	r.BindSupport("conv-a", "user-1")
	assert.False(t, r.Claim("team", "user-2"))
	assert.False(t, r.Claim("conv-a", "user-2"))
	assert.False(t, r.Claim("missing", "user-2"))
}

func TestRouter_PruneDropsUnneededBindings(t *testing.T) {
	reg := registry.New()
	r := NewRouter(reg)
	admit(t, reg, "u1", domain.RoleUser)

	r.Pair("u1", "u2")
	r.Pair("u3", "u4")
	r.BindSupport("conv-live", "u1")
	r.BindSupport("conv-idle", "u9")
	r.BindProvisional("conv-draft", "u1")
	r.BindProvisional("conv-typing", "u1")
	r.BindProvisional("conv-sent", "u1")
	r.Confirm("conv-sent")
	require.Equal(t, 7, r.Len())

	n := r.Prune(func(roomID string) bool { return roomID == "conv-typing" })
	assert.Equal(t, 3, n)
	assert.True(t, r.Known("u1_u2"))
	assert.True(t, r.Known("conv-live"))
	assert.True(t, r.Known("conv-typing"))
	assert.True(t, r.Known("conv-sent"))
	assert.False(t, r.Known("u3_u4"))
	assert.False(t, r.Known("conv-idle"))
	assert.False(t, r.Known("conv-draft"))

	// Unbound pair rooms still resolve their participants.
	assert.Equal(t, []string{"u3", "u4"}, r.Members("u3_u4"))
}

func TestRouter_BindProvisionalKeepsExistingBinding(t *testing.T) {
	r := NewRouter(registry.New())
	r.BindSupport("conv-a", "user-1")
	r.BindProvisional("conv-a", "user-2")
	assert.Equal(t, []string{"user-1"}, r.Members("conv-a"))
}
