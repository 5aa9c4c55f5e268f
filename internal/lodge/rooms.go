package lodge

import (
	"sort"
	"sync"

	"github.com/markb/frontdesk/internal/realtime"
)

// RoomDirectory is the room list kept current from the rooms table.
type RoomDirectory struct {
	mu    sync.RWMutex
	rooms map[string]Room
}

// NewRoomDirectory returns a directory seeded with rooms.
func NewRoomDirectory(rooms []Room) *RoomDirectory {
	d := &RoomDirectory{rooms: make(map[string]Room, len(rooms))}
	for _, r := range rooms {
		d.rooms[r.ID] = r
	}
	return d
}

// Apply folds one rooms change into the directory.
func (d *RoomDirectory) Apply(ev realtime.ChangeEvent) error {
	row := ev.New
	if ev.Kind == realtime.Delete {
		row = ev.Old
	}
	r, err := ParseRoom(row)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if ev.Kind == realtime.Delete {
		delete(d.rooms, r.ID)
		return nil
	}
	d.rooms[r.ID] = r
	return nil
}

// Get returns the room with id.
func (d *RoomDirectory) Get(id string) (Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[id]
	return r, ok
}

// Rooms returns all rooms ordered by number.
func (d *RoomDirectory) Rooms() []Room {
	d.mu.RLock()
	out := make([]Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, r)
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Number != out[j].Number {
			return out[i].Number < out[j].Number
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ByStatus counts rooms per status.
func (d *RoomDirectory) ByStatus() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	counts := make(map[string]int)
	for _, r := range d.rooms {
		counts[r.Status]++
	}
	return counts
}
