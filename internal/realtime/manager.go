package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/markb/frontdesk/internal/log"
	"github.com/markb/frontdesk/internal/observability"
)

// Health check defaults.
const (
	DefaultHealthInterval = time.Minute
	DefaultIdleThreshold  = 2 * time.Minute
)

// Phase is the Manager's connection state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDisconnected
	PhaseTornDown
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

// State is a snapshot of a Manager.
type State struct {
	Phase              Phase
	IsConnected        bool
	ConnectionAttempts int
	Prefix             string
	Channels           int
	LastEventAt        time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNamePrefix uses name verbatim for the first channel set and as the base
// of every regenerated prefix.
func WithNamePrefix(name string) Option {
	return func(m *Manager) {
		m.baseName = name
		m.explicitName = name != ""
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithBackoff sets the retry policy.
func WithBackoff(p BackoffPolicy) Option {
	return func(m *Manager) { m.backoff = p }
}

// WithHealthCheck sets how often liveness is checked and how long without any
// event counts as stalled. A zero interval disables the check.
func WithHealthCheck(interval, idle time.Duration) Option {
	return func(m *Manager) {
		m.healthInterval = interval
		m.idleThreshold = idle
	}
}

// WithMetrics records events and reconnects on m.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithStatusHandler calls fn with a fresh State after every state change.
// fn runs on transport or timer goroutines and must not block.
func WithStatusHandler(fn func(State)) Option {
	return func(m *Manager) { m.onStatus = fn }
}

// Manager owns one system channel plus one data channel per subscription,
// reports whether the system channel is live, retries with backoff after a
// disconnect and forces a rebuild when no event arrives for too long.
//
// Nothing on Manager returns an error; failures show up in State.
type Manager struct {
	transport      Transport
	subs           []SubscriptionRequest
	baseName       string
	explicitName   bool
	clock          Clock
	logger         *slog.Logger
	backoff        BackoffPolicy
	healthInterval time.Duration
	idleThreshold  time.Duration
	metrics        *observability.Metrics
	onStatus       func(State)

	// lifecycle serialises channel teardown and creation. It is never taken
	// from a transport callback.
	lifecycle sync.Mutex

	mu          sync.Mutex
	phase       Phase
	connected   bool
	attempts    int
	prefix      string
	gen         uint64
	channels    []ChannelHandle
	lastEventAt time.Time
	retry       Timer
	retrySeq    uint64
	health      Timer
}

// NewManager opens the channels for subs on t and starts monitoring them.
// With no subscriptions the manager stays idle and never connects.
func NewManager(t Transport, subs []SubscriptionRequest, opts ...Option) *Manager {
	m := &Manager{
		transport:      t,
		baseName:       DefaultNamePrefix,
		clock:          SystemClock,
		backoff:        DefaultBackoff,
		healthInterval: DefaultHealthInterval,
		idleThreshold:  DefaultIdleThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.Logger()
	}
	m.subs = append([]SubscriptionRequest(nil), subs...)

	if len(m.subs) == 0 {
		m.logger.Debug("realtime: no subscriptions, manager idle")
		return m
	}

	m.mu.Lock()
	m.lastEventAt = m.clock.Now()
	m.mu.Unlock()

	m.rebuild("")

	m.mu.Lock()
	if m.healthInterval > 0 && m.phase != PhaseTornDown {
		m.health = m.clock.AfterFunc(m.healthInterval, m.healthTick)
	}
	m.mu.Unlock()
	return m
}

// IsConnected reports whether the system channel is live.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// ConnectionAttempts is the number of backoff retries since the last
// successful connection.
func (m *Manager) ConnectionAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// State returns a snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	return State{
		Phase:              m.phase,
		IsConnected:        m.connected,
		ConnectionAttempts: m.attempts,
		Prefix:             m.prefix,
		Channels:           len(m.channels),
		LastEventAt:        m.lastEventAt,
	}
}

// Reconnect tears down every channel and opens a fresh set under a new
// prefix. It cancels a pending retry but leaves ConnectionAttempts alone.
// It is a no-op for an idle or closed manager.
func (m *Manager) Reconnect() {
	if len(m.subs) == 0 {
		return
	}
	m.rebuild(observability.ReasonManual)
}

// Close removes all channels and stops all timers. The manager cannot be
// reused afterwards.
func (m *Manager) Close() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.phase == PhaseTornDown {
		m.mu.Unlock()
		return
	}
	old := m.channels
	m.channels = nil
	m.gen++
	m.phase = PhaseTornDown
	m.connected = false
	m.stopRetryLocked()
	if m.health != nil {
		m.health.Stop()
		m.health = nil
	}
	m.mu.Unlock()

	m.removeChannels(old)
	m.logger.Debug("realtime: manager closed", "channels_removed", len(old))
	m.notify()
}

// rebuild replaces the current channel set. reason is empty for the initial open.
func (m *Manager) rebuild(reason string) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.phase == PhaseTornDown {
		m.mu.Unlock()
		return
	}
	old := m.channels
	m.channels = nil
	m.gen++
	gen := m.gen
	m.stopRetryLocked()
	if m.explicitName && gen == 1 {
		m.prefix = m.baseName
	} else {
		m.prefix = NewPrefix(m.baseName)
	}
	prefix := m.prefix
	m.phase = PhaseConnecting
	m.mu.Unlock()

	m.removeChannels(old)
	if reason != "" {
		m.metrics.RecordReconnect(context.Background(), reason)
		m.logger.Info("realtime: rebuilding channels", "reason", reason, "prefix", prefix)
	}

	opened := m.openChannels(gen, prefix)

	m.mu.Lock()
	if m.gen == gen {
		m.channels = opened
	}
	m.mu.Unlock()
	m.notify()
}

// openChannels opens the system channel, then one data channel per subscription.
func (m *Manager) openChannels(gen uint64, prefix string) []ChannelHandle {
	channels := make([]ChannelHandle, 0, len(m.subs)+1)

	sys := m.transport.Channel(SystemChannelName(prefix))
	sys.OnSystem(SystemConnected, func(SystemEvent) {
		m.handleConnected(gen, "system event", true)
	})
	sys.OnSystem(SystemDisconnected, func(SystemEvent) {
		m.handleDisconnected(gen, "system event", nil, true)
	})
	sys.OnSystem(SystemAny, func(SystemEvent) { m.touch(gen) })
	sys.Subscribe(func(status SubscribeStatus, err error) {
		if status == StatusSubscribed {
			m.handleConnected(gen, "subscribed", false)
			return
		}
		m.handleDisconnected(gen, string(status), err, false)
	})
	channels = append(channels, sys)

	for i, req := range m.subs {
		req := req
		ch := m.transport.Channel(DataChannelName(prefix, i, req))
		name := ch.Name()
		ch.OnPostgresChange(req.binding(), func(ev ChangeEvent) {
			m.dispatch(gen, req, ev)
		})
		ch.OnSystem(SystemAny, func(SystemEvent) { m.touch(gen) })
		ch.Subscribe(func(status SubscribeStatus, err error) {
			if status != StatusSubscribed {
				m.logger.Debug("realtime: data channel status", "channel", name, "status", string(status), "error", err)
			}
		})
		channels = append(channels, ch)
	}

	ctx := context.Background()
	m.metrics.AddChannels(ctx, 1, "system")
	m.metrics.AddChannels(ctx, int64(len(m.subs)), "data")
	m.logger.Debug("realtime: channels opened", "prefix", prefix, "data_channels", len(m.subs))
	return channels
}

func (m *Manager) removeChannels(channels []ChannelHandle) {
	if len(channels) == 0 {
		return
	}
	for _, ch := range channels {
		m.transport.RemoveChannel(ch)
	}
	ctx := context.Background()
	m.metrics.AddChannels(ctx, -1, "system")
	m.metrics.AddChannels(ctx, -int64(len(channels)-1), "data")
}

// current reports whether gen is the live channel generation. Caller holds mu.
func (m *Manager) current(gen uint64) bool {
	return gen == m.gen && m.phase != PhaseTornDown
}

// touch records inbound activity for the health check.
func (m *Manager) touch(gen uint64) {
	m.mu.Lock()
	if m.current(gen) {
		m.lastEventAt = m.clock.Now()
	}
	m.mu.Unlock()
}

func (m *Manager) dispatch(gen uint64, req SubscriptionRequest, ev ChangeEvent) {
	m.mu.Lock()
	if !m.current(gen) {
		m.mu.Unlock()
		return
	}
	m.lastEventAt = m.clock.Now()
	m.mu.Unlock()

	if ev.Table != req.Table || !req.Event.Matches(ev.Kind) {
		return
	}
	m.metrics.RecordEvent(context.Background(), ev.Table, string(ev.Kind))
	if req.Callback != nil {
		req.Callback(ev)
	}
}

func (m *Manager) handleConnected(gen uint64, source string, isEvent bool) {
	m.mu.Lock()
	if !m.current(gen) {
		m.mu.Unlock()
		return
	}
	if isEvent {
		m.lastEventAt = m.clock.Now()
	}
	changed := !m.connected
	m.connected = true
	m.attempts = 0
	m.phase = PhaseConnected
	m.stopRetryLocked()
	prefix := m.prefix
	m.mu.Unlock()

	if isEvent {
		m.metrics.RecordEvent(context.Background(), "", "system")
	}
	if changed {
		m.metrics.RecordConnection(context.Background(), true)
		m.logger.Info("realtime: connected", "prefix", prefix, "via", source)
	}
	m.notify()
}

func (m *Manager) handleDisconnected(gen uint64, source string, err error, isEvent bool) {
	m.mu.Lock()
	if !m.current(gen) {
		m.mu.Unlock()
		return
	}
	if isEvent {
		m.lastEventAt = m.clock.Now()
	}
	changed := m.connected
	m.connected = false
	m.phase = PhaseDisconnected

	var delay time.Duration
	scheduled := false
	if m.retry == nil {
		delay = m.backoff.Delay(m.attempts)
		m.attempts++
		m.retrySeq++
		seq := m.retrySeq
		m.retry = m.clock.AfterFunc(delay, func() { m.retryFired(seq) })
		scheduled = true
	}
	attempts := m.attempts
	m.mu.Unlock()

	if isEvent {
		m.metrics.RecordEvent(context.Background(), "", "system")
	}
	if changed {
		m.metrics.RecordConnection(context.Background(), false)
	}
	if scheduled {
		m.logger.Warn("realtime: disconnected, retry scheduled",
			"via", source, "error", err, "retry_in", delay, "attempts", attempts)
	}
	m.notify()
}

func (m *Manager) retryFired(seq uint64) {
	m.mu.Lock()
	if seq != m.retrySeq || m.retry == nil || m.phase == PhaseTornDown {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.mu.Unlock()

	m.rebuild(observability.ReasonBackoff)
}

// stopRetryLocked cancels a pending retry. Caller holds mu.
func (m *Manager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.retrySeq++
}

func (m *Manager) healthTick() {
	m.mu.Lock()
	if m.phase == PhaseTornDown {
		m.mu.Unlock()
		return
	}
	now := m.clock.Now()
	idle := now.Sub(m.lastEventAt)
	stalled := idle > m.idleThreshold
	m.health = m.clock.AfterFunc(m.healthInterval, m.healthTick)
	m.mu.Unlock()

	if !stalled {
		return
	}
	m.logger.Warn("realtime: no events received, forcing reconnect",
		"idle", idle, "threshold", m.idleThreshold)
	m.rebuild(observability.ReasonHealth)

	m.mu.Lock()
	m.lastEventAt = m.clock.Now()
	m.mu.Unlock()
}

func (m *Manager) notify() {
	if m.onStatus == nil {
		return
	}
	m.onStatus(m.State())
}
