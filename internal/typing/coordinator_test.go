package typing

import (
	"sync"
	"testing"
	"time"

	"supportchat-ws/internal/domain"
	"supportchat-ws/internal/room"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	kind    string
	roomID  string
	userID  string
	exclude room.Exclude
}

type capture struct {
	mu     sync.Mutex
	events []event
}

func (c *capture) Broadcast(roomID string, frame []byte, ex room.Exclude) int {
	var f struct {
		Type string                `json:"type"`
		Data domain.TypingResponse `json:"data"`
	}
	if err := json.Unmarshal(frame, &f); err != nil {
		panic(err)
	}
	c.mu.Lock()
	c.events = append(c.events, event{kind: f.Type, roomID: roomID, userID: f.Data.UserID, exclude: ex})
	c.mu.Unlock()
	return 1
}

func (c *capture) count(kind string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

const quiet = 60 * time.Millisecond

func TestCoordinator_ExpiryBroadcastsStopExactlyOnce(t *testing.T) {
	bc := &capture{}
	c := NewCoordinator(bc, WithQuietPeriod(quiet))
	defer c.Close()

	assert.True(t, c.Start("room-1", "budi", "Budi"))
	assert.Equal(t, 1, bc.count(domain.EventUserTyping))

	require.Eventually(t, func() bool { return bc.count(domain.EventTypingEnded) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(3 * quiet)
	assert.Equal(t, 1, bc.count(domain.EventTypingEnded))
	assert.Empty(t, c.Active("room-1"))
}

func TestCoordinator_RenewalDoesNotRebroadcast(t *testing.T) {
	bc := &capture{}
	c := NewCoordinator(bc, WithQuietPeriod(150*time.Millisecond))
	defer c.Close()

	assert.True(t, c.Start("room-1", "budi", "Budi"))
	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		assert.False(t, c.Start("room-1", "budi", "Budi"))
	}

	// Renewals kept the state alive past the original deadline.
	assert.Len(t, c.Active("room-1"), 1)
	assert.Equal(t, 0, bc.count(domain.EventTypingEnded))
	assert.Equal(t, 1, bc.count(domain.EventUserTyping))

	require.Eventually(t, func() bool { return bc.count(domain.EventTypingEnded) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, bc.count(domain.EventTypingEnded))
}

func TestCoordinator_ExplicitStopCancelsTimer(t *testing.T) {
	bc := &capture{}
	c := NewCoordinator(bc, WithQuietPeriod(quiet))
	defer c.Close()

	c.Start("room-1", "budi", "Budi")
	assert.True(t, c.Stop("room-1", "budi"))
	assert.False(t, c.Stop("room-1", "budi"))

	time.Sleep(2 * quiet)
	assert.Equal(t, 1, bc.count(domain.EventTypingEnded))
}

func TestCoordinator_StatesAreScopedPerRoomAndUser(t *testing.T) {
	bc := &capture{}
	c := NewCoordinator(bc, WithQuietPeriod(time.Minute))
	defer c.Close()

	assert.True(t, c.Start("room-1", "budi", "Budi"))
	assert.True(t, c.Start("room-1", "sari", "Sari"))
	assert.True(t, c.Start("room-2", "budi", "Budi"))

	assert.Len(t, c.Active("room-1"), 2)
	assert.Len(t, c.Active("room-2"), 1)

	c.Stop("room-1", "budi")
	assert.Len(t, c.Active("room-1"), 1)
	assert.Len(t, c.Active("room-2"), 1)
}

func TestCoordinator_BroadcastExcludesTypist(t *testing.T) {
	bc := &capture{}
	c := NewCoordinator(bc, WithQuietPeriod(time.Minute))
	defer c.Close()

	c.Start("room-1", "budi", "Budi")
	c.Stop("room-1", "budi")

	bc.mu.Lock()
	defer bc.mu.Unlock()
	require.Len(t, bc.events, 2)
	for _, e := range bc.events {
		assert.Equal(t, "room-1", e.roomID)
		assert.Equal(t, "budi", e.exclude.UserID)
	}
}

func TestCoordinator_ClearUser(t *testing.T) {
	bc := &capture{}
	c := NewCoordinator(bc, WithQuietPeriod(time.Minute))
	defer c.Close()

	c.Start("room-1", "budi", "Budi")
	c.Start("room-2", "budi", "Budi")
	c.Start("room-2", "sari", "Sari")

	assert.Equal(t, 2, c.ClearUser("budi"))
	assert.Empty(t, c.Active("room-1"))
	assert.Len(t, c.Active("room-2"), 1)
	assert.Equal(t, 2, bc.count(domain.EventTypingEnded))
}

func TestCoordinator_ConcurrentStartsBroadcastOnce(t *testing.T) {
	bc := &capture{}
	c := NewCoordinator(bc, WithQuietPeriod(quiet))
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Start("room-1", "budi", "Budi")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, bc.count(domain.EventUserTyping))
	require.Eventually(t, func() bool { return bc.count(domain.EventTypingEnded) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * quiet)
	assert.Equal(t, 1, bc.count(domain.EventTypingEnded))
}

func TestCoordinator_CloseSilencesTimers(t *testing.T) {
	bc := &capture{}
	c := NewCoordinator(bc, WithQuietPeriod(quiet))

	c.Start("room-1", "budi", "Budi")
	c.Close()
	time.Sleep(2 * quiet)

	assert.Equal(t, 0, bc.count(domain.EventTypingEnded))
	assert.False(t, c.Start("room-1", "budi", "Budi"))
}
