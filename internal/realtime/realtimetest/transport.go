// Package realtimetest provides an in-memory Transport and a manual Clock for
// testing code built on realtime.Manager.
package realtimetest

import (
	"strings"
	"sync"

	"github.com/markb/frontdesk/internal/realtime"
)

// Transport records every channel opened and removed. With AutoSubscribe set,
// Subscribe reports SUBSCRIBED synchronously.
type Transport struct {
	AutoSubscribe bool

	mu      sync.Mutex
	live    []*Channel
	opened  int
	removed int
}

// NewTransport returns an empty Transport.
func NewTransport() *Transport {
	return &Transport{}
}

// Channel implements realtime.Transport.
func (t *Transport) Channel(name string) realtime.ChannelHandle {
	ch := &Channel{transport: t, name: name}
	t.mu.Lock()
	t.live = append(t.live, ch)
	t.opened++
	t.mu.Unlock()
	return ch
}

// RemoveChannel implements realtime.Transport.
func (t *Transport) RemoveChannel(h realtime.ChannelHandle) {
	ch, ok := h.(*Channel)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.live {
		if c == ch {
			t.live = append(t.live[:i], t.live[i+1:]...)
			t.removed++
			break
		}
	}
	ch.mu.Lock()
	ch.removed = true
	ch.mu.Unlock()
}

// Live returns the channels not yet removed, in open order.
func (t *Transport) Live() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Channel(nil), t.live...)
}

// Opened is the number of channels ever created.
func (t *Transport) Opened() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

// Removed is the number of channels removed.
func (t *Transport) Removed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removed
}

// Lookup returns the live channel called name.
func (t *Transport) Lookup(name string) *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.live {
		if c.name == name {
			return c
		}
	}
	return nil
}

// System returns the live system channel, if any.
func (t *Transport) System() *Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.live {
		if strings.HasSuffix(c.name, ":system") {
			return c
		}
	}
	return nil
}

// Data returns the live non-system channels.
func (t *Transport) Data() []*Channel {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Channel
	for _, c := range t.live {
		if !strings.HasSuffix(c.name, ":system") {
			out = append(out, c)
		}
	}
	return out
}

// EmitChange delivers ev to every live channel with a matching binding.
func (t *Transport) EmitChange(ev realtime.ChangeEvent) {
	for _, ch := range t.Live() {
		ch.Emit(ev)
	}
}

type systemListener struct {
	event string
	fn    func(realtime.SystemEvent)
}

type changeListener struct {
	binding realtime.ChangeBinding
	fn      func(realtime.ChangeEvent)
}

// Channel is a fake realtime.ChannelHandle.
type Channel struct {
	transport *Transport
	name      string

	mu         sync.Mutex
	system     []systemListener
	changes    []changeListener
	status     func(realtime.SubscribeStatus, error)
	subscribed bool
	removed    bool
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) OnSystem(event string, fn func(realtime.SystemEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.system = append(c.system, systemListener{event: event, fn: fn})
}

func (c *Channel) OnPostgresChange(b realtime.ChangeBinding, fn func(realtime.ChangeEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, changeListener{binding: b, fn: fn})
}

func (c *Channel) Subscribe(fn func(realtime.SubscribeStatus, error)) {
	c.mu.Lock()
	c.status = fn
	c.subscribed = true
	c.mu.Unlock()
	if c.transport.AutoSubscribe {
		fn(realtime.StatusSubscribed, nil)
	}
}

// Subscribed reports whether Subscribe was called.
func (c *Channel) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// Removed reports whether the channel was removed from its transport.
func (c *Channel) Removed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

// Bindings returns the change bindings registered on the channel.
func (c *Channel) Bindings() []realtime.ChangeBinding {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]realtime.ChangeBinding, 0, len(c.changes))
	for _, l := range c.changes {
		out = append(out, l.binding)
	}
	return out
}

// Emit delivers ev to the listeners whose binding matches. Removed channels
// still deliver, so tests can play late callbacks.
func (c *Channel) Emit(ev realtime.ChangeEvent) {
	c.mu.Lock()
	var fns []func(realtime.ChangeEvent)
	for _, l := range c.changes {
		if l.binding.Matches(ev) {
			fns = append(fns, l.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// EmitRaw delivers ev to every change listener without matching.
func (c *Channel) EmitRaw(ev realtime.ChangeEvent) {
	c.mu.Lock()
	var fns []func(realtime.ChangeEvent)
	for _, l := range c.changes {
		fns = append(fns, l.fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// EmitSystem delivers a system event named event.
func (c *Channel) EmitSystem(event string) {
	c.mu.Lock()
	var fns []func(realtime.SystemEvent)
	for _, l := range c.system {
		if l.event == realtime.SystemAny || l.event == event {
			fns = append(fns, l.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(realtime.SystemEvent{Event: event})
	}
}

// ReportStatus invokes the Subscribe callback.
func (c *Channel) ReportStatus(status realtime.SubscribeStatus, err error) {
	c.mu.Lock()
	fn := c.status
	c.mu.Unlock()
	if fn != nil {
		fn(status, err)
	}
}
