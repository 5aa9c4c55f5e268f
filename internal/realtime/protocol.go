// Package realtime is the client side of Supabase Realtime: a Phoenix v1.0.0
// channel transport and a Manager that keeps a set of postgres_changes
// subscriptions alive across disconnects.
package realtime

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is sent as the vsn query parameter.
const ProtocolVersion = "1.0.0"

// Message is a Phoenix v1.0.0 JSON frame.
type Message struct {
	Event   string         `json:"event"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
	JoinRef string         `json:"join_ref,omitempty"`
}

// Client events
const (
	EventJoin        = "phx_join"
	EventLeave       = "phx_leave"
	EventHeartbeat   = "heartbeat"
	EventAccessToken = "access_token"
	EventBroadcast   = "broadcast"
	EventPresence    = "presence"
)

// Server events
const (
	EventReply    = "phx_reply"
	EventClose    = "phx_close"
	EventError    = "phx_error"
	EventSystem   = "system"
	EventPostgres = "postgres_changes"
)

// TopicPhoenix carries heartbeats.
const TopicPhoenix = "phoenix"

// Topic returns the wire topic for a channel name.
func Topic(name string) string {
	return "realtime:" + name
}

// JoinConfig is the config object of a phx_join payload.
type JoinConfig struct {
	Broadcast       BroadcastConfig     `json:"broadcast"`
	Presence        PresenceConfig      `json:"presence"`
	PostgresChanges []PostgresChangeSub `json:"postgres_changes"`
	Private         bool                `json:"private"`
}

// BroadcastConfig holds broadcast options.
type BroadcastConfig struct {
	Ack  bool `json:"ack"`
	Self bool `json:"self"`
}

// PresenceConfig holds presence options.
type PresenceConfig struct {
	Key string `json:"key"`
}

// PostgresChangeSub is one postgres_changes binding inside a join.
type PostgresChangeSub struct {
	Event  string `json:"event"`  // INSERT, UPDATE, DELETE, *
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
	ID     int    `json:"id,omitempty"` // assigned by the server
}

// NewJoinMessage builds a phx_join for topic carrying cfg.
func NewJoinMessage(topic, ref string, cfg JoinConfig, accessToken string) *Message {
	changes := make([]any, 0, len(cfg.PostgresChanges))
	for _, pc := range cfg.PostgresChanges {
		sub := map[string]any{
			"event":  pc.Event,
			"schema": pc.Schema,
			"table":  pc.Table,
		}
		if pc.Filter != "" {
			sub["filter"] = pc.Filter
		}
		changes = append(changes, sub)
	}

	payload := map[string]any{
		"config": map[string]any{
			"broadcast":        map[string]any{"ack": cfg.Broadcast.Ack, "self": cfg.Broadcast.Self},
			"presence":         map[string]any{"key": cfg.Presence.Key},
			"postgres_changes": changes,
			"private":          cfg.Private,
		},
	}
	if accessToken != "" {
		payload["access_token"] = accessToken
	}

	return &Message{
		Event:   EventJoin,
		Topic:   topic,
		Payload: payload,
		Ref:     ref,
		JoinRef: ref,
	}
}

// NewLeaveMessage builds a phx_leave for topic.
func NewLeaveMessage(topic, joinRef, ref string) *Message {
	return &Message{
		Event:   EventLeave,
		Topic:   topic,
		Payload: map[string]any{},
		Ref:     ref,
		JoinRef: joinRef,
	}
}

// NewHeartbeatMessage builds a heartbeat on the phoenix topic.
func NewHeartbeatMessage(ref string) *Message {
	return &Message{
		Event:   EventHeartbeat,
		Topic:   TopicPhoenix,
		Payload: map[string]any{},
		Ref:     ref,
	}
}

// ParseJoinPayload extracts the JoinConfig and access_token from a phx_join payload.
// Missing sections keep their zero values.
func ParseJoinPayload(payload map[string]any) (*JoinConfig, string, error) {
	cfg := &JoinConfig{}
	token, _ := payload["access_token"].(string)

	raw, ok := payload["config"]
	if !ok || raw == nil {
		return cfg, token, nil
	}
	configMap, ok := raw.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("config must be an object, got %T", raw)
	}

	if bc, ok := configMap["broadcast"].(map[string]any); ok {
		cfg.Broadcast.Ack, _ = bc["ack"].(bool)
		cfg.Broadcast.Self, _ = bc["self"].(bool)
	}
	if pc, ok := configMap["presence"].(map[string]any); ok {
		cfg.Presence.Key, _ = pc["key"].(string)
	}
	if items, ok := configMap["postgres_changes"].([]any); ok {
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			var sub PostgresChangeSub
			sub.Event, _ = m["event"].(string)
			sub.Schema, _ = m["schema"].(string)
			sub.Table, _ = m["table"].(string)
			sub.Filter, _ = m["filter"].(string)
			cfg.PostgresChanges = append(cfg.PostgresChanges, sub)
		}
	}
	cfg.Private, _ = configMap["private"].(bool)

	return cfg, token, nil
}

// NewReply creates a phx_reply message.
func NewReply(topic, joinRef, ref, status string, response map[string]any) *Message {
	return &Message{
		Event:   EventReply,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     ref,
		Payload: map[string]any{
			"status":   status,
			"response": response,
		},
	}
}

// NewSystemMessage creates a server system message.
func NewSystemMessage(topic, joinRef, status, message, extension string) *Message {
	return &Message{
		Event:   EventSystem,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: map[string]any{
			"status":    status,
			"message":   message,
			"extension": extension,
		},
	}
}

// NewPostgresChangeMessage creates a postgres_changes frame for the given binding ids.
func NewPostgresChangeMessage(topic, joinRef string, ids []int, ev ChangeEvent) *Message {
	return &Message{
		Event:   EventPostgres,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: map[string]any{
			"ids":  ids,
			"data": ev,
		},
	}
}

// Encode serializes a message to JSON.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a JSON frame.
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	return &msg, nil
}

// replyStatus returns the status and response of a phx_reply payload.
func replyStatus(payload map[string]any) (string, map[string]any) {
	status, _ := payload["status"].(string)
	resp, _ := payload["response"].(map[string]any)
	return status, resp
}

// decodeChangeEvent reads the data object of a postgres_changes payload.
// Both the eventType/new/old and the type/record/old_record spellings are
// accepted. Empty row objects are treated as absent.
func decodeChangeEvent(payload map[string]any) (ChangeEvent, bool) {
	data, ok := payload["data"].(map[string]any)
	if !ok {
		return ChangeEvent{}, false
	}

	ev := ChangeEvent{}
	ev.Schema, _ = data["schema"].(string)
	ev.Table, _ = data["table"].(string)
	ev.CommitTimestamp, _ = data["commit_timestamp"].(string)

	kind, _ := data["eventType"].(string)
	if kind == "" {
		kind, _ = data["type"].(string)
	}
	ev.Kind = EventKind(kind)

	ev.New = rowField(data, "new", "record")
	ev.Old = rowField(data, "old", "old_record")

	if errs, ok := data["errors"].([]any); ok {
		for _, e := range errs {
			if s, ok := e.(string); ok {
				ev.Errors = append(ev.Errors, s)
			}
		}
	}
	return ev, true
}

func rowField(data map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if row, ok := data[k].(map[string]any); ok && len(row) > 0 {
			return row
		}
	}
	return nil
}
