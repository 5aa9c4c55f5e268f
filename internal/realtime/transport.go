package realtime

// SubscribeStatus is reported by ChannelHandle.Subscribe.
type SubscribeStatus string

const (
	StatusSubscribed   SubscribeStatus = "SUBSCRIBED"
	StatusChannelError SubscribeStatus = "CHANNEL_ERROR"
	StatusTimedOut     SubscribeStatus = "TIMED_OUT"
	StatusClosed       SubscribeStatus = "CLOSED"
)

// ChangeBinding selects row changes for a channel.
type ChangeBinding struct {
	Event  EventKind
	Schema string
	Table  string
	Filter string // "field=eq.value" or ""
}

// Matches reports whether ev is for the bound table and kind. The row filter
// is the backend's job and is not checked here.
func (b ChangeBinding) Matches(ev ChangeEvent) bool {
	if b.Table != "*" && b.Table != ev.Table {
		return false
	}
	if b.Schema != "" && ev.Schema != "" && b.Schema != ev.Schema {
		return false
	}
	return b.Event.Matches(ev.Kind)
}

// Transport opens and removes channels on a realtime backend.
type Transport interface {
	Channel(name string) ChannelHandle
	RemoveChannel(ch ChannelHandle)
}

// ChannelHandle is one named channel. Listeners must be attached before
// Subscribe. Subscribe returns immediately; the status callback may
// fire more than once over the channel's life.
type ChannelHandle interface {
	Name() string
	OnSystem(event string, fn func(SystemEvent))
	OnPostgresChange(b ChangeBinding, fn func(ChangeEvent))
	Subscribe(fn func(status SubscribeStatus, err error))
}
