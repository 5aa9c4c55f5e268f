// Package lodge holds the subscription sets the guest and reception screens
// mount, and the consumer-side state they fold events into.
package lodge

import (
	"fmt"
	"sort"

	"github.com/markb/frontdesk/internal/log"
	"github.com/markb/frontdesk/internal/realtime"
)

// Tables the app subscribes to.
const (
	TableRooms    = "rooms"
	TableGuests   = "guests"
	TableMessages = "messages"
	TableTyping   = "typing_indicators"
	TableCalls    = "call_signals"
)

// Preset is a named subscription list. It is built once per mount; a change
// of inputs means Close on the old Manager and Mount of a new Preset.
type Preset struct {
	Prefix        string
	Subscriptions []realtime.SubscriptionRequest
}

// Mount starts a Manager for the preset on t.
func (p Preset) Mount(t realtime.Transport, opts ...realtime.Option) *realtime.Manager {
	if p.Prefix != "" {
		opts = append([]realtime.Option{realtime.WithNamePrefix(p.Prefix)}, opts...)
	}
	return realtime.NewManager(t, p.Subscriptions, opts...)
}

// WithCallback returns a copy of p whose subscriptions all call fn instead.
func (p Preset) WithCallback(fn func(realtime.ChangeEvent)) Preset {
	subs := make([]realtime.SubscriptionRequest, len(p.Subscriptions))
	for i, s := range p.Subscriptions {
		s.Callback = fn
		subs[i] = s
	}
	return Preset{Prefix: p.Prefix, Subscriptions: subs}
}

func row(ev realtime.ChangeEvent) map[string]any {
	if ev.Kind == realtime.Delete {
		return ev.Old
	}
	return ev.New
}

func dropInvalid(ev realtime.ChangeEvent, err error) {
	log.Warn("lodge: dropping invalid row", "table", ev.Table, "type", string(ev.Kind), "error", err.Error())
}

// GuestChat follows one guest's conversation: new and edited messages.
func GuestChat(guestID string, onMessage func(realtime.EventKind, Message)) Preset {
	cb := func(ev realtime.ChangeEvent) {
		m, err := ParseMessage(ev.New)
		if err != nil {
			dropInvalid(ev, err)
			return
		}
		onMessage(ev.Kind, m)
	}
	return Preset{
		Prefix: "guest-chat-" + guestID,
		Subscriptions: []realtime.SubscriptionRequest{
			{Table: TableMessages, Event: realtime.Insert, FilterField: "guest_id", FilterValue: guestID, Callback: cb},
			{Table: TableMessages, Event: realtime.Update, FilterField: "guest_id", FilterValue: guestID, Callback: cb},
		},
	}
}

// ReceptionDashboard follows every message and every guest.
func ReceptionDashboard(onMessage func(realtime.EventKind, Message), onGuest func(realtime.EventKind, Guest)) Preset {
	return Preset{
		Prefix: "reception",
		Subscriptions: []realtime.SubscriptionRequest{
			{Table: TableMessages, Event: realtime.All, Callback: func(ev realtime.ChangeEvent) {
				m, err := ParseMessage(row(ev))
				if err != nil {
					dropInvalid(ev, err)
					return
				}
				onMessage(ev.Kind, m)
			}},
			{Table: TableGuests, Event: realtime.All, Callback: func(ev realtime.ChangeEvent) {
				g, err := ParseGuest(row(ev))
				if err != nil {
					dropInvalid(ev, err)
					return
				}
				onGuest(ev.Kind, g)
			}},
		},
	}
}

// DashboardStats keeps stats current.
func DashboardStats(stats *Stats) Preset {
	cb := func(ev realtime.ChangeEvent) {
		if err := stats.Apply(ev); err != nil {
			dropInvalid(ev, err)
		}
	}
	return Preset{
		Prefix: "dashboard-stats",
		Subscriptions: []realtime.SubscriptionRequest{
			{Table: TableMessages, Event: realtime.All, Callback: cb},
			{Table: TableGuests, Event: realtime.All, Callback: cb},
			{Table: TableRooms, Event: realtime.All, Callback: cb},
		},
	}
}

// RoomManagement keeps dir current.
func RoomManagement(dir *RoomDirectory) Preset {
	return Preset{
		Prefix: "room-management",
		Subscriptions: []realtime.SubscriptionRequest{
			{Table: TableRooms, Event: realtime.All, Callback: func(ev realtime.ChangeEvent) {
				if err := dir.Apply(ev); err != nil {
					dropInvalid(ev, err)
				}
			}},
		},
	}
}

// Typing reports typing indicators in one guest's conversation. A deleted
// indicator is reported as not typing.
func Typing(guestID string, fn func(TypingIndicator)) Preset {
	return Preset{
		Prefix: "typing-" + guestID,
		Subscriptions: []realtime.SubscriptionRequest{
			{Table: TableTyping, Event: realtime.All, FilterField: "guest_id", FilterValue: guestID,
				Callback: func(ev realtime.ChangeEvent) {
					ti, err := ParseTypingIndicator(row(ev))
					if err != nil {
						dropInvalid(ev, err)
						return
					}
					if ev.Kind == realtime.Delete {
						ti.IsTyping = false
					}
					fn(ti)
				}},
		},
	}
}

// CallSignals reports new call signalling rows for one guest.
func CallSignals(guestID string, fn func(CallSignal)) Preset {
	return Preset{
		Prefix: "calls-" + guestID,
		Subscriptions: []realtime.SubscriptionRequest{
			{Table: TableCalls, Event: realtime.Insert, FilterField: "guest_id", FilterValue: guestID,
				Callback: func(ev realtime.ChangeEvent) {
					cs, err := ParseCallSignal(ev.New)
					if err != nil {
						dropInvalid(ev, err)
						return
					}
					fn(cs)
				}},
		},
	}
}

// presetBuilders builds each preset with no-op consumers so Named can swap in
// a raw callback.
var presetBuilders = map[string]struct {
	needsGuest bool
	build      func(guestID string) Preset
}{
	"guest-chat": {true, func(id string) Preset { return GuestChat(id, func(realtime.EventKind, Message) {}) }},
	"reception": {false, func(string) Preset {
		return ReceptionDashboard(func(realtime.EventKind, Message) {}, func(realtime.EventKind, Guest) {})
	}},
	"dashboard-stats": {false, func(string) Preset { return DashboardStats(NewStats()) }},
	"rooms":           {false, func(string) Preset { return RoomManagement(NewRoomDirectory(nil)) }},
	"typing":          {true, func(id string) Preset { return Typing(id, func(TypingIndicator) {}) }},
	"calls":           {true, func(id string) Preset { return CallSignals(id, func(CallSignal) {}) }},
}

// PresetNames lists the names Named accepts.
func PresetNames() []string {
	names := make([]string, 0, len(presetBuilders))
	for name := range presetBuilders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Named returns the subscriptions of a preset by name with every callback
// replaced by fn.
func Named(name, guestID string, fn func(realtime.ChangeEvent)) (Preset, error) {
	b, ok := presetBuilders[name]
	if !ok {
		return Preset{}, fmt.Errorf("unknown preset %q (known: %v)", name, PresetNames())
	}
	if b.needsGuest && guestID == "" {
		return Preset{}, fmt.Errorf("preset %q requires a guest id", name)
	}
	return b.build(guestID).WithCallback(fn), nil
}
