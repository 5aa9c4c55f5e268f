package lodge

import (
	"sort"
	"sync"

	"github.com/markb/frontdesk/internal/realtime"
)

// MessageLog merges a fetched snapshot of messages with the live stream.
// Entries are unique by id and listed by created_at, then id. Events win over
// the snapshot because the snapshot may have been fetched before they happened.
type MessageLog struct {
	mu      sync.RWMutex
	byID    map[string]Message
	deleted map[string]struct{}
}

// NewMessageLog returns a log seeded with snapshot.
func NewMessageLog(snapshot []Message) *MessageLog {
	l := &MessageLog{
		byID:    make(map[string]Message, len(snapshot)),
		deleted: make(map[string]struct{}),
	}
	for _, m := range snapshot {
		l.byID[m.ID] = m
	}
	return l
}

// Merge adds snapshot rows the stream has not already delivered or deleted.
// It returns the number added.
func (l *MessageLog) Merge(snapshot []Message) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	added := 0
	for _, m := range snapshot {
		if _, ok := l.byID[m.ID]; ok {
			continue
		}
		if _, gone := l.deleted[m.ID]; gone {
			continue
		}
		l.byID[m.ID] = m
		added++
	}
	return added
}

// Apply folds one change into the log. Rows that fail validation are returned
// as an error and leave the log unchanged.
func (l *MessageLog) Apply(ev realtime.ChangeEvent) error {
	if ev.Kind == realtime.Delete {
		m, err := ParseMessage(ev.Old)
		if err != nil {
			return err
		}
		l.mu.Lock()
		delete(l.byID, m.ID)
		l.deleted[m.ID] = struct{}{}
		l.mu.Unlock()
		return nil
	}

	m, err := ParseMessage(ev.New)
	if err != nil {
		return err
	}
	l.Upsert(m)
	return nil
}

// Upsert stores m, replacing any entry with the same id.
func (l *MessageLog) Upsert(m Message) {
	l.mu.Lock()
	l.byID[m.ID] = m
	delete(l.deleted, m.ID)
	l.mu.Unlock()
}

// Messages returns the ordered contents.
func (l *MessageLog) Messages() []Message {
	l.mu.RLock()
	out := make([]Message, 0, len(l.byID))
	for _, m := range l.byID {
		out = append(out, m)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len is the number of messages held.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

// Unread counts unread messages sent by sender.
func (l *MessageLog) Unread(sender string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, m := range l.byID {
		if m.Sender == sender && !m.Read {
			n++
		}
	}
	return n
}
