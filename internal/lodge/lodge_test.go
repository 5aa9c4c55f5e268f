package lodge

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/frontdesk/internal/realtime"
	"github.com/markb/frontdesk/internal/realtime/realtimetest"
)

func mount(t *testing.T, p Preset) (*realtimetest.Transport, *realtime.Manager) {
	t.Helper()
	tr := realtimetest.NewTransport()
	tr.AutoSubscribe = true
	m := p.Mount(tr,
		realtime.WithClock(realtimetest.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))),
		realtime.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	t.Cleanup(m.Close)
	return tr, m
}

func msgRow(id, guest, sender string, read bool, created string) map[string]any {
	return map[string]any{
		"id": id, "guest_id": guest, "sender": sender, "body": "hello",
		"is_read": read, "created_at": created,
	}
}

func TestGuestChatPreset(t *testing.T) {
	type got struct {
		kind realtime.EventKind
		msg  Message
	}
	var seen []got
	tr, m := mount(t, GuestChat("g1", func(k realtime.EventKind, msg Message) {
		seen = append(seen, got{k, msg})
	}))

	assert.Equal(t, "guest-chat-g1", m.State().Prefix)
	assert.True(t, m.IsConnected())

	data := tr.Data()
	require.Len(t, data, 2)
	for _, ch := range data {
		bindings := ch.Bindings()
		require.Len(t, bindings, 1)
		assert.Equal(t, "guest_id=eq.g1", bindings[0].Filter)
		assert.Equal(t, TableMessages, bindings[0].Table)
	}

	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableMessages, Kind: realtime.Insert,
		New: msgRow("m1", "g1", SenderGuest, false, "2026-01-01T10:00:00Z")})
	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableMessages, Kind: realtime.Update,
		New: msgRow("m1", "g1", SenderGuest, true, "2026-01-01T10:00:00Z")})
	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableMessages, Kind: realtime.Delete,
		Old: msgRow("m1", "g1", SenderGuest, true, "2026-01-01T10:00:00Z")})
	// Invalid rows are dropped before the consumer sees them.
	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableMessages, Kind: realtime.Insert,
		New: map[string]any{"body": "no id"}})

	require.Len(t, seen, 2)
	assert.Equal(t, realtime.Insert, seen[0].kind)
	assert.False(t, seen[0].msg.Read)
	assert.Equal(t, realtime.Update, seen[1].kind)
	assert.True(t, seen[1].msg.Read)
}

func TestReceptionDashboardPreset(t *testing.T) {
	var messages []realtime.EventKind
	var guests []Guest
	tr, _ := mount(t, ReceptionDashboard(
		func(k realtime.EventKind, _ Message) { messages = append(messages, k) },
		func(_ realtime.EventKind, g Guest) { guests = append(guests, g) },
	))

	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableMessages, Kind: realtime.Delete,
		Old: map[string]any{"id": "m9"}})
	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableGuests, Kind: realtime.Insert,
		New: map[string]any{"id": 7, "name": "Ada", "status": "checked_in", "room_id": 101}})

	assert.Equal(t, []realtime.EventKind{realtime.Delete}, messages)
	require.Len(t, guests, 1)
	assert.Equal(t, "7", guests[0].ID)
	assert.Equal(t, "101", guests[0].RoomID)
	assert.True(t, guests[0].Active())
}

func TestDashboardStatsPreset(t *testing.T) {
	stats := NewStats()
	stats.Seed(
		[]Message{{ID: "m0", Sender: SenderReception, Read: true}},
		[]Guest{{ID: "g0", Status: "checked_out"}},
		[]Room{{ID: "r0", Status: "vacant"}},
	)
	tr, _ := mount(t, DashboardStats(stats))

	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableMessages, Kind: realtime.Insert,
		New: msgRow("m1", "g1", SenderGuest, false, "2026-01-01T10:00:00Z")})
	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableMessages, Kind: realtime.Insert,
		New: msgRow("m2", "g1", SenderGuest, false, "2026-01-01T10:01:00Z")})
	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableGuests, Kind: realtime.Insert,
		New: map[string]any{"id": "g1", "status": "checked_in"}})
	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableRooms, Kind: realtime.Update,
		New: map[string]any{"id": "r0", "status": "occupied"}, Old: map[string]any{"id": "r0"}})

	assert.Equal(t, StatsSnapshot{TotalMessages: 3, UnreadFromGuests: 2, ActiveGuests: 1, OccupiedRooms: 1}, stats.Snapshot())

	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableMessages, Kind: realtime.Update,
		New: msgRow("m1", "g1", SenderGuest, true, "2026-01-01T10:00:00Z")})
	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableGuests, Kind: realtime.Delete,
		Old: map[string]any{"id": "g1"}})

	assert.Equal(t, StatsSnapshot{TotalMessages: 3, UnreadFromGuests: 1, ActiveGuests: 0, OccupiedRooms: 1}, stats.Snapshot())
}

func TestRoomManagementPreset(t *testing.T) {
	dir := NewRoomDirectory([]Room{{ID: "1", Number: "102", Status: "vacant"}})
	tr, _ := mount(t, RoomManagement(dir))

	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableRooms, Kind: realtime.Insert,
		New: map[string]any{"id": 2, "number": "101", "floor": 1, "status": "occupied"}})
	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableRooms, Kind: realtime.Update,
		New: map[string]any{"id": "1", "number": "102", "status": "cleaning"}})

	rooms := dir.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "101", rooms[0].Number)
	assert.Equal(t, 1, rooms[0].Floor)
	assert.Equal(t, "cleaning", rooms[1].Status)
	assert.Equal(t, map[string]int{"occupied": 1, "cleaning": 1}, dir.ByStatus())

	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableRooms, Kind: realtime.Delete,
		Old: map[string]any{"id": 2}})
	_, ok := dir.Get("2")
	assert.False(t, ok)
}

func TestTypingPreset(t *testing.T) {
	var seen []TypingIndicator
	tr, _ := mount(t, Typing("g1", func(ti TypingIndicator) { seen = append(seen, ti) }))

	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableTyping, Kind: realtime.Insert,
		New: map[string]any{"guest_id": "g1", "sender": SenderReception, "is_typing": true}})
	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableTyping, Kind: realtime.Delete,
		Old: map[string]any{"guest_id": "g1", "sender": SenderReception, "is_typing": true}})

	require.Len(t, seen, 2)
	assert.True(t, seen[0].IsTyping)
	assert.False(t, seen[1].IsTyping)
}

func TestCallSignalsPreset(t *testing.T) {
	var seen []CallSignal
	tr, _ := mount(t, CallSignals("g1", func(cs CallSignal) { seen = append(seen, cs) }))

	bindings := tr.Data()[0].Bindings()
	assert.Equal(t, realtime.Insert, bindings[0].Event)

	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableCalls, Kind: realtime.Insert,
		New: map[string]any{"id": "c1", "guest_id": "g1", "kind": "offer", "payload": map[string]any{"sdp": "v=0"}}})
	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableCalls, Kind: realtime.Update,
		New: map[string]any{"id": "c1", "guest_id": "g1", "kind": "offer"}})

	require.Len(t, seen, 1)
	assert.Equal(t, "offer", seen[0].Kind)
	assert.Equal(t, "v=0", seen[0].Payload["sdp"])
}

func TestNamedPreset(t *testing.T) {
	var raw []realtime.ChangeEvent
	p, err := Named("guest-chat", "g5", func(ev realtime.ChangeEvent) { raw = append(raw, ev) })
	require.NoError(t, err)
	tr, _ := mount(t, p)

	tr.EmitChange(realtime.ChangeEvent{Schema: "public", Table: TableMessages, Kind: realtime.Insert,
		New: map[string]any{"anything": true}})
	assert.Len(t, raw, 1)

	_, err = Named("guest-chat", "", nil)
	assert.Error(t, err)
	_, err = Named("spa-bookings", "", nil)
	assert.Error(t, err)
	assert.Contains(t, PresetNames(), "dashboard-stats")
}
