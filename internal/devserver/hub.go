// Package devserver is an in-process Realtime backend speaking the Phoenix
// v1.0.0 protocol. It accepts channel joins with postgres_changes bindings and
// fans injected row changes out to matching subscribers. It is a test double
// for the realtime client, not a broker: nothing is persisted.
package devserver

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/markb/frontdesk/internal/log"
	"github.com/markb/frontdesk/internal/realtime"
)

// Hub manages all WebSocket connections and channels
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Conn    // connID -> Conn
	channels    map[string]*Channel // topic -> Channel

	jwtSecret string
	delivered atomic.Int64
}

// HubStats contains realtime statistics
type HubStats struct {
	Connections    int            `json:"connections"`
	Channels       int            `json:"channels"`
	Delivered      int64          `json:"delivered"`
	ChannelDetails []ChannelStats `json:"channel_details"`
}

// ChannelStats contains per-channel statistics
type ChannelStats struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
	Bindings    int    `json:"bindings"`
}

// NewHub creates a new Hub
func NewHub(jwtSecret string) *Hub {
	return &Hub{
		connections: make(map[string]*Conn),
		channels:    make(map[string]*Channel),
		jwtSecret:   jwtSecret,
	}
}

// Stats returns current realtime statistics
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HubStats{
		Connections:    len(h.connections),
		Channels:       len(h.channels),
		Delivered:      h.delivered.Load(),
		ChannelDetails: make([]ChannelStats, 0, len(h.channels)),
	}

	for _, ch := range h.channels {
		ch.mu.RLock()
		bindings := 0
		for _, sub := range ch.subscribers {
			bindings += len(sub.pgChanges)
		}
		stats.ChannelDetails = append(stats.ChannelDetails, ChannelStats{
			Topic:       ch.topic,
			Subscribers: len(ch.subscribers),
			Bindings:    bindings,
		})
		ch.mu.RUnlock()
	}
	sort.Slice(stats.ChannelDetails, func(i, j int) bool {
		return stats.ChannelDetails[i].Topic < stats.ChannelDetails[j].Topic
	})

	return stats
}

// Broadcast sends ev to every joined binding that matches it and returns the
// number of frames queued. Missing schema and commit timestamp are filled in.
func (h *Hub) Broadcast(ev realtime.ChangeEvent) int {
	if ev.Schema == "" {
		ev.Schema = "public"
	}
	if ev.CommitTimestamp == "" {
		ev.CommitTimestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	h.mu.RLock()
	channels := make([]*Channel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.mu.RUnlock()

	sent := 0
	for _, ch := range channels {
		for _, sub := range ch.getSubscribers() {
			ids := sub.matchingIDs(ev)
			if len(ids) == 0 {
				continue
			}
			sub.conn.Send(realtime.NewPostgresChangeMessage(ch.topic, sub.joinRef, ids, ev))
			sent++
		}
	}
	h.delivered.Add(int64(sent))

	log.Debug("realtime: change broadcast",
		"schema", ev.Schema, "table", ev.Table, "type", string(ev.Kind), "frames", sent)
	return sent
}

// CloseConnections drops every open connection, as a backend restart would.
func (h *Hub) CloseConnections() int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// registerConn adds a connection to the hub
func (h *Hub) registerConn(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.id] = conn
}

// unregisterConn removes a connection from the hub and all channels
func (h *Hub) unregisterConn(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.connections, conn.id)

	for topic, ch := range h.channels {
		ch.mu.Lock()
		if _, ok := ch.subscribers[conn.id]; ok {
			delete(ch.subscribers, conn.id)
			if len(ch.subscribers) == 0 {
				delete(h.channels, topic)
			}
		}
		ch.mu.Unlock()
	}
}

// getOrCreateChannel gets or creates a channel by topic
func (h *Hub) getOrCreateChannel(topic string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[topic]; ok {
		return ch
	}

	ch := &Channel{
		topic:       topic,
		subscribers: make(map[string]*ChannelSub),
	}
	h.channels[topic] = ch
	return ch
}

// getChannel returns a channel by topic, or nil if not found
func (h *Hub) getChannel(topic string) *Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[topic]
}

// removeChannelIfEmpty removes a channel if it has no subscribers
func (h *Hub) removeChannelIfEmpty(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[topic]; ok {
		ch.mu.RLock()
		empty := len(ch.subscribers) == 0
		ch.mu.RUnlock()
		if empty {
			delete(h.channels, topic)
		}
	}
}
