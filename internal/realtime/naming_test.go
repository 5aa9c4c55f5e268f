package realtime

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrefixUnique(t *testing.T) {
	const n = 2000
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/8; j++ {
				p := NewPrefix("lodge")
				mu.Lock()
				seen[p] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestNewPrefixFormat(t *testing.T) {
	p := NewPrefix("")
	parts := strings.Split(p, "-")
	require.Len(t, parts, 4)
	assert.Equal(t, DefaultNamePrefix, parts[0])
	assert.Len(t, parts[3], 8)

	p = NewPrefix("guest-chat")
	assert.True(t, strings.HasPrefix(p, "guest-chat-"))
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "p:system", SystemChannelName("p"))
	assert.Equal(t, "p:2:messages:insert", DataChannelName("p", 2, SubscriptionRequest{Table: "messages", Event: Insert}))
	assert.Equal(t, "p:0:rooms:all", DataChannelName("p", 0, SubscriptionRequest{Table: "rooms"}))
}

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{
		1000 * time.Millisecond,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
	}
	for attempts, d := range want {
		assert.Equal(t, d, DefaultBackoff.Delay(attempts), "attempts=%d", attempts)
	}

	prev := time.Duration(0)
	for attempts := 0; attempts < 50; attempts++ {
		d := DefaultBackoff.Delay(attempts)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, 10*time.Second)
		prev = d
	}
	assert.Equal(t, 10*time.Second, DefaultBackoff.Delay(1000))
}

func TestEventKind(t *testing.T) {
	assert.True(t, All.Matches(Delete))
	assert.True(t, EventKind("").Matches(Insert))
	assert.True(t, Update.Matches(Update))
	assert.False(t, Insert.Matches(Update))

	for in, want := range map[string]EventKind{"insert": Insert, " UPDATE ": Update, "delete": Delete, "all": All, "*": All, "": All} {
		got, err := ParseEventKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseEventKind("truncate")
	assert.Error(t, err)
}

func TestSubscriptionBinding(t *testing.T) {
	req := SubscriptionRequest{Table: "messages", FilterField: "room_id", FilterValue: "12"}
	assert.Equal(t, ChangeBinding{Event: All, Schema: "public", Table: "messages", Filter: "room_id=eq.12"}, req.binding())
	assert.Equal(t, "", SubscriptionRequest{Table: "messages"}.Filter())

	b := req.binding()
	assert.True(t, b.Matches(ChangeEvent{Schema: "public", Table: "messages", Kind: Delete}))
	assert.False(t, b.Matches(ChangeEvent{Schema: "audit", Table: "messages", Kind: Delete}))
	assert.False(t, b.Matches(ChangeEvent{Table: "rooms", Kind: Insert}))
}

func TestChangeEventRecord(t *testing.T) {
	assert.Equal(t, map[string]any{"id": 1}, ChangeEvent{New: map[string]any{"id": 1}, Old: map[string]any{"id": 0}}.Record())
	assert.Equal(t, map[string]any{"id": 2}, ChangeEvent{Old: map[string]any{"id": 2}}.Record())
}
