package realtime

import (
	"fmt"
	"strings"
)

// EventKind is a row-change kind, or All for the wildcard.
type EventKind string

const (
	Insert EventKind = "INSERT"
	Update EventKind = "UPDATE"
	Delete EventKind = "DELETE"
	All    EventKind = "*"
)

// Matches reports whether an event of kind other is covered by k.
// The zero value behaves like All.
func (k EventKind) Matches(other EventKind) bool {
	return k == All || k == "" || k == other
}

// slug is the lower-case form used in channel names.
func (k EventKind) slug() string {
	if k == All || k == "" {
		return "all"
	}
	return strings.ToLower(string(k))
}

// ParseEventKind accepts insert, update, delete, all or * in any case.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT":
		return Insert, nil
	case "UPDATE":
		return Update, nil
	case "DELETE":
		return Delete, nil
	case "ALL", "*", "":
		return All, nil
	default:
		return "", fmt.Errorf("unknown event kind %q", s)
	}
}

// ChangeEvent is one row change as delivered by postgres_changes.
// INSERT carries New, DELETE carries Old and UPDATE carries both; the payload
// is passed through unvalidated.
type ChangeEvent struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp"`
	Kind            EventKind      `json:"eventType"`
	New             map[string]any `json:"new"`
	Old             map[string]any `json:"old"`
	Errors          []string       `json:"errors"`
}

// Record returns the post-change row, or the pre-change row for deletes.
func (e ChangeEvent) Record() map[string]any {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// System events a channel can emit.
const (
	SystemConnected    = "connected"
	SystemDisconnected = "disconnected"
	// SystemAny matches every system event, including server "system" frames.
	SystemAny = "*"
)

// SystemEvent is a connection lifecycle notification on a channel.
type SystemEvent struct {
	Event     string
	Status    string
	Message   string
	Extension string
}

// SubscriptionRequest declares interest in one table and event kind.
//
// FilterField/FilterValue become an equality filter evaluated by the backend
// only. If the backend cannot filter on the field, every row is delivered and
// the callback has to discard what it does not want.
type SubscriptionRequest struct {
	Schema      string
	Table       string
	Event       EventKind
	FilterField string
	FilterValue string
	Callback    func(ChangeEvent)
}

// Filter renders the PostgREST equality filter, or "" when unset.
func (r SubscriptionRequest) Filter() string {
	if r.FilterField == "" {
		return ""
	}
	return r.FilterField + "=eq." + r.FilterValue
}

func (r SubscriptionRequest) binding() ChangeBinding {
	schema := r.Schema
	if schema == "" {
		schema = "public"
	}
	event := r.Event
	if event == "" {
		event = All
	}
	return ChangeBinding{
		Event:  event,
		Schema: schema,
		Table:  r.Table,
		Filter: r.Filter(),
	}
}
