package lodge

import (
	"fmt"
	"sync"

	"github.com/markb/frontdesk/internal/realtime"
)

// StatsSnapshot is the reception dashboard header.
type StatsSnapshot struct {
	TotalMessages    int `json:"total_messages"`
	UnreadFromGuests int `json:"unread_from_guests"`
	ActiveGuests     int `json:"active_guests"`
	OccupiedRooms    int `json:"occupied_rooms"`
}

// Stats keeps dashboard counters current from messages, guests and rooms changes.
type Stats struct {
	mu       sync.Mutex
	messages map[string]Message
	guests   map[string]bool // id -> active
	rooms    map[string]bool // id -> occupied

	// ids deleted by the stream, per table
	deleted map[string]map[string]struct{}
}

// NewStats returns empty counters.
func NewStats() *Stats {
	return &Stats{
		messages: make(map[string]Message),
		guests:   make(map[string]bool),
		rooms:    make(map[string]bool),
		deleted:  map[string]map[string]struct{}{
			TableMessages: {},
			TableGuests:   {},
			TableRooms:    {},
		},
	}
}

// Seed loads an initial snapshot. Rows the stream has already delivered or
// deleted are kept as the stream left them.
func (s *Stats) Seed(messages []Message, guests []Guest, rooms []Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range messages {
		if _, ok := s.messages[m.ID]; ok || s.isDeleted(TableMessages, m.ID) {
			continue
		}
		s.messages[m.ID] = m
	}
	for _, g := range guests {
		if _, ok := s.guests[g.ID]; ok || s.isDeleted(TableGuests, g.ID) {
			continue
		}
		s.guests[g.ID] = g.Active()
	}
	for _, r := range rooms {
		if _, ok := s.rooms[r.ID]; ok || s.isDeleted(TableRooms, r.ID) {
			continue
		}
		s.rooms[r.ID] = r.Occupied()
	}
}

func (s *Stats) isDeleted(table, id string) bool {
	_, ok := s.deleted[table][id]
	return ok
}

// markLocked records a stream change to id so later seeds leave it alone.
func (s *Stats) markLocked(table, id string, del bool) {
	if del {
		s.deleted[table][id] = struct{}{}
	} else {
		delete(s.deleted[table], id)
	}
}

// Apply folds one change into the counters.
func (s *Stats) Apply(ev realtime.ChangeEvent) error {
	row := ev.New
	if ev.Kind == realtime.Delete {
		row = ev.Old
	}
	del := ev.Kind == realtime.Delete

	switch ev.Table {
	case TableMessages:
		m, err := ParseMessage(row)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.markLocked(TableMessages, m.ID, del)
		if del {
			delete(s.messages, m.ID)
		} else {
			s.messages[m.ID] = m
		}
		s.mu.Unlock()
	case TableGuests:
		g, err := ParseGuest(row)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.markLocked(TableGuests, g.ID, del)
		if del {
			delete(s.guests, g.ID)
		} else {
			s.guests[g.ID] = g.Active()
		}
		s.mu.Unlock()
	case TableRooms:
		r, err := ParseRoom(row)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.markLocked(TableRooms, r.ID, del)
		if del {
			delete(s.rooms, r.ID)
		} else {
			s.rooms[r.ID] = r.Occupied()
		}
		s.mu.Unlock()
	default:
		return fmt.Errorf("stats: unexpected table %q", ev.Table)
	}
	return nil
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{TotalMessages: len(s.messages)}
	for _, m := range s.messages {
		if m.Sender == SenderGuest && !m.Read {
			snap.UnreadFromGuests++
		}
	}
	for _, active := range s.guests {
		if active {
			snap.ActiveGuests++
		}
	}
	for _, occupied := range s.rooms {
		if occupied {
			snap.OccupiedRooms++
		}
	}
	return snap
}
