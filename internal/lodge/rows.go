package lodge

import (
	"fmt"
	"strconv"
	"time"
)

// Sender values on messages and typing indicators.
const (
	SenderGuest     = "guest"
	SenderReception = "reception"
)

// Message is a row of the messages table.
type Message struct {
	ID        string
	GuestID   string
	Sender    string
	Body      string
	Read      bool
	CreatedAt time.Time
}

// Guest is a row of the guests table.
type Guest struct {
	ID         string
	Name       string
	RoomID     string
	Status     string // checked_in, checked_out
	LastSeenAt time.Time
}

// Active reports whether the guest is currently staying.
func (g Guest) Active() bool {
	return g.Status == "checked_in"
}

// Room is a row of the rooms table.
type Room struct {
	ID     string
	Number string
	Floor  int
	Status string // vacant, occupied, cleaning, maintenance
}

// Occupied reports whether a guest is in the room.
func (r Room) Occupied() bool {
	return r.Status == "occupied"
}

// TypingIndicator is a row of the typing_indicators table.
type TypingIndicator struct {
	GuestID   string
	Sender    string
	IsTyping  bool
	UpdatedAt time.Time
}

// CallSignal is a row of the call_signals table. Payload is opaque signalling data.
type CallSignal struct {
	ID        string
	GuestID   string
	Kind      string // offer, answer, candidate, hangup
	Payload   map[string]any
	CreatedAt time.Time
}

// ParseMessage validates a messages row.
func ParseMessage(row map[string]any) (Message, error) {
	id, err := requiredString(row, "id")
	if err != nil {
		return Message{}, err
	}
	m := Message{
		ID:      id,
		GuestID: optionalString(row, "guest_id"),
		Sender:  optionalString(row, "sender"),
		Body:    optionalString(row, "body"),
		Read:    optionalBool(row, "is_read"),
	}
	if m.CreatedAt, err = optionalTime(row, "created_at"); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ParseGuest validates a guests row.
func ParseGuest(row map[string]any) (Guest, error) {
	id, err := requiredString(row, "id")
	if err != nil {
		return Guest{}, err
	}
	g := Guest{
		ID:     id,
		Name:   optionalString(row, "name"),
		RoomID: optionalString(row, "room_id"),
		Status: optionalString(row, "status"),
	}
	if g.LastSeenAt, err = optionalTime(row, "last_seen_at"); err != nil {
		return Guest{}, err
	}
	return g, nil
}

// ParseRoom validates a rooms row.
func ParseRoom(row map[string]any) (Room, error) {
	id, err := requiredString(row, "id")
	if err != nil {
		return Room{}, err
	}
	r := Room{
		ID:     id,
		Number: optionalString(row, "number"),
		Status: optionalString(row, "status"),
	}
	if floor := optionalString(row, "floor"); floor != "" {
		if r.Floor, err = strconv.Atoi(floor); err != nil {
			return Room{}, fmt.Errorf("rooms.floor: %w", err)
		}
	}
	return r, nil
}

// ParseTypingIndicator validates a typing_indicators row.
func ParseTypingIndicator(row map[string]any) (TypingIndicator, error) {
	guestID, err := requiredString(row, "guest_id")
	if err != nil {
		return TypingIndicator{}, err
	}
	ti := TypingIndicator{
		GuestID:  guestID,
		Sender:   optionalString(row, "sender"),
		IsTyping: optionalBool(row, "is_typing"),
	}
	if ti.UpdatedAt, err = optionalTime(row, "updated_at"); err != nil {
		return TypingIndicator{}, err
	}
	return ti, nil
}

// ParseCallSignal validates a call_signals row.
func ParseCallSignal(row map[string]any) (CallSignal, error) {
	id, err := requiredString(row, "id")
	if err != nil {
		return CallSignal{}, err
	}
	cs := CallSignal{
		ID:      id,
		GuestID: optionalString(row, "guest_id"),
		Kind:    optionalString(row, "kind"),
	}
	cs.Payload, _ = row["payload"].(map[string]any)
	if cs.CreatedAt, err = optionalTime(row, "created_at"); err != nil {
		return CallSignal{}, err
	}
	return cs, nil
}

// stringValue renders ids and numbers the way PostgREST sends them as text.
func stringValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		return fmt.Sprintf("%v", t), true
	}
}

func requiredString(row map[string]any, key string) (string, error) {
	if row == nil {
		return "", fmt.Errorf("missing row")
	}
	s, ok := stringValue(row[key])
	if !ok || s == "" {
		return "", fmt.Errorf("missing %s", key)
	}
	return s, nil
}

func optionalString(row map[string]any, key string) string {
	s, _ := stringValue(row[key])
	return s
}

func optionalBool(row map[string]any, key string) bool {
	switch v := row[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	case float64:
		return v != 0
	}
	return false
}

func optionalTime(row map[string]any, key string) (time.Time, error) {
	s, _ := row[key].(string)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", key, err)
	}
	return t, nil
}
