package devserver

import (
	"strings"
	"sync"

	"github.com/markb/frontdesk/internal/realtime"
)

// Channel is one topic and the connections joined to it
type Channel struct {
	topic       string
	mu          sync.RWMutex
	subscribers map[string]*ChannelSub // connID -> subscription
}

// ChannelSub is a connection's join of a channel
type ChannelSub struct {
	conn      *Conn
	joinRef   string
	pgChanges []realtime.PostgresChangeSub
}

// matchingIDs returns the ids of the bindings that select ev.
func (s *ChannelSub) matchingIDs(ev realtime.ChangeEvent) []int {
	var ids []int
	for _, pc := range s.pgChanges {
		if bindingMatches(pc, ev) {
			ids = append(ids, pc.ID)
		}
	}
	return ids
}

func bindingMatches(pc realtime.PostgresChangeSub, ev realtime.ChangeEvent) bool {
	if pc.Schema != "" && pc.Schema != "*" && pc.Schema != ev.Schema {
		return false
	}
	if pc.Table != "" && pc.Table != "*" && pc.Table != ev.Table {
		return false
	}
	if pc.Event != "" && pc.Event != "*" && !strings.EqualFold(pc.Event, string(ev.Kind)) {
		return false
	}
	if pc.Filter != "" && !matchesFilter(pc.Filter, ev.New, ev.Old) {
		return false
	}
	return true
}

// addSubscriber adds a subscription to the channel
func (ch *Channel) addSubscriber(connID string, sub *ChannelSub) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.subscribers[connID] = sub
}

// removeSubscriber removes a subscription from the channel
func (ch *Channel) removeSubscriber(connID string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.subscribers, connID)
}

// getSubscriber returns a subscriber by connection ID
func (ch *Channel) getSubscriber(connID string) *ChannelSub {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.subscribers[connID]
}

// getSubscribers returns all subscribers (snapshot)
func (ch *Channel) getSubscribers() []*ChannelSub {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	subs := make([]*ChannelSub, 0, len(ch.subscribers))
	for _, sub := range ch.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// isEmpty returns true if the channel has no subscribers
func (ch *Channel) isEmpty() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.subscribers) == 0
}
