package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markb/frontdesk/internal/log"
)

const (
	// Send buffer size for outbound frames
	sendBufferSize = 256

	// Time allowed to write a frame
	writeWait = 10 * time.Second

	// Maximum inbound frame size
	maxMessageSize = 512 * 1024

	defaultHeartbeat   = 25 * time.Second
	defaultDialTimeout = 10 * time.Second
)

// SocketConfig configures a Socket.
type SocketConfig struct {
	// URL of the realtime endpoint, e.g. ws://localhost:8080/realtime/v1.
	// http(s) schemes are rewritten to ws(s) and /websocket is appended.
	URL         string
	APIKey      string
	AccessToken string

	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	Header            http.Header
	Logger            *slog.Logger
}

// Socket is a Transport over one Phoenix WebSocket connection. It dials on the
// first Subscribe and hangs up when its last channel is removed.
type Socket struct {
	cfg      SocketConfig
	endpoint string
	logger   *slog.Logger
	dialer   *websocket.Dialer
	ref      atomic.Uint64

	dialMu sync.Mutex // one dial at a time

	mu       sync.Mutex
	conn     *socketConn
	channels map[string]*socketChannel // topic -> channel
}

// NewSocket validates cfg and returns an unconnected Socket.
func NewSocket(cfg SocketConfig) (*Socket, error) {
	endpoint, err := socketEndpoint(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Logger()
	}
	return &Socket{
		cfg:      cfg,
		endpoint: endpoint,
		logger:   logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		channels: make(map[string]*socketChannel),
	}, nil
}

func socketEndpoint(raw, apiKey string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid realtime url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid realtime url: missing host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path += "/websocket"
	}
	q := u.Query()
	if apiKey != "" {
		q.Set("apikey", apiKey)
	}
	q.Set("vsn", ProtocolVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Endpoint returns the WebSocket URL the socket dials.
func (s *Socket) Endpoint() string {
	return s.endpoint
}

// Connected reports whether a WebSocket is currently open.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *Socket) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

// Channel registers a new channel. Nothing is sent until Subscribe.
func (s *Socket) Channel(name string) ChannelHandle {
	ch := &socketChannel{
		socket: s,
		name:   name,
		topic:  Topic(name),
	}
	s.mu.Lock()
	s.channels[ch.topic] = ch
	s.mu.Unlock()
	return ch
}

// RemoveChannel leaves the channel and forgets it. Removing the last channel
// closes the connection.
func (s *Socket) RemoveChannel(h ChannelHandle) {
	ch, ok := h.(*socketChannel)
	if !ok {
		return
	}
	ch.markRemoved()

	s.mu.Lock()
	if s.channels[ch.topic] == ch {
		delete(s.channels, ch.topic)
	}
	conn := s.conn
	last := len(s.channels) == 0
	if last {
		s.conn = nil
	}
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if last {
		s.logger.Debug("realtime: last channel removed, closing socket")
		conn.close()
		return
	}
	if joinRef, joined := ch.joinState(); joined {
		conn.enqueue(s.logger, NewLeaveMessage(ch.topic, joinRef, s.nextRef()))
	}
}

// Close drops every channel and closes the connection without emitting
// disconnect events.
func (s *Socket) Close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	channels := s.channels
	s.channels = make(map[string]*socketChannel)
	s.mu.Unlock()

	for _, ch := range channels {
		ch.markRemoved()
	}
	if conn != nil {
		conn.close()
	}
}

// ensureConn returns the live connection, dialing when there is none.
// fresh is true when this call dialed.
func (s *Socket) ensureConn() (conn *socketConn, fresh bool, err error) {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	conn = s.conn
	s.mu.Unlock()
	if conn != nil {
		return conn, false, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	defer cancel()

	ws, resp, err := s.dialer.DialContext(ctx, s.endpoint, s.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, false, fmt.Errorf("dial realtime: %w (status %d)", err, resp.StatusCode)
		}
		return nil, false, fmt.Errorf("dial realtime: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	conn = &socketConn{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.writePump(conn)
	go s.readPump(conn)
	s.logger.Debug("realtime: socket connected", "endpoint", s.endpoint)
	return conn, true, nil
}

// join sends phx_join for ch. It runs on its own goroutine.
func (s *Socket) join(ch *socketChannel) {
	if ch.isRemoved() {
		return
	}
	conn, fresh, err := s.ensureConn()
	if err != nil {
		s.logger.Warn("realtime: subscribe failed", "channel", ch.name, "error", err.Error())
		ch.reportStatus(StatusChannelError, err)
		return
	}

	// A channel removed while dialing may have left an empty socket behind.
	if ch.isRemoved() {
		s.mu.Lock()
		idle := len(s.channels) == 0 && s.conn == conn
		if idle {
			s.conn = nil
		}
		s.mu.Unlock()
		if idle {
			conn.close()
		}
		return
	}

	ref := s.nextRef()
	ch.setJoinRef(ref)
	conn.enqueue(s.logger, NewJoinMessage(ch.topic, ref, ch.joinConfig(), s.cfg.AccessToken))

	if fresh {
		for _, c := range s.snapshot() {
			c.emitSystem(SystemEvent{Event: SystemConnected})
		}
	}
}

func (s *Socket) snapshot() []*socketChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := make([]*socketChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	return channels
}

func (s *Socket) lookup(topic string) *socketChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[topic]
}

func (s *Socket) readPump(conn *socketConn) {
	var readErr error
	defer func() { s.connLost(conn, readErr) }()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			readErr = err
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			s.logger.Debug("realtime: invalid frame", "error", err.Error(), "len", len(data))
			continue
		}
		s.route(conn, msg)
	}
}

func (s *Socket) route(conn *socketConn, msg *Message) {
	if msg.Topic == TopicPhoenix {
		if msg.Event == EventReply {
			conn.heartbeatAcked(msg.Ref)
		}
		return
	}

	ch := s.lookup(msg.Topic)
	if ch == nil {
		return
	}

	switch msg.Event {
	case EventReply:
		joinRef, _ := ch.joinState()
		if msg.Ref != joinRef {
			return
		}
		status, resp := replyStatus(msg.Payload)
		if status == "ok" {
			ch.markJoined()
			ch.reportStatus(StatusSubscribed, nil)
			return
		}
		reason, _ := resp["message"].(string)
		if reason == "" {
			reason, _ = resp["reason"].(string)
		}
		ch.reportStatus(StatusChannelError, fmt.Errorf("join %s rejected: %s", ch.name, reason))
	case EventSystem:
		ev := SystemEvent{Event: EventSystem}
		ev.Status, _ = msg.Payload["status"].(string)
		ev.Message, _ = msg.Payload["message"].(string)
		ev.Extension, _ = msg.Payload["extension"].(string)
		ch.emitSystem(ev)
	case EventPostgres:
		ev, ok := decodeChangeEvent(msg.Payload)
		if !ok {
			s.logger.Debug("realtime: postgres_changes without data", "topic", msg.Topic)
			return
		}
		ch.emitChange(ev)
	case EventError:
		ch.reportStatus(StatusChannelError, fmt.Errorf("channel %s errored", ch.name))
	case EventClose:
		ch.reportStatus(StatusClosed, nil)
	default:
		s.logger.Debug("realtime: unhandled event", "event", msg.Event, "topic", msg.Topic)
	}
}

// connLost runs when the read loop of conn ends. If conn was still current,
// every channel hears "disconnected" and CLOSED.
func (s *Socket) connLost(conn *socketConn, err error) {
	conn.close()

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()
	channels := s.snapshot()

	s.logger.Warn("realtime: socket closed", "error", err)
	for _, ch := range channels {
		ch.markLeft()
		ch.emitSystem(SystemEvent{Event: SystemDisconnected})
		ch.reportStatus(StatusClosed, err)
	}
}

func (s *Socket) writePump(conn *socketConn) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		conn.close()
	}()

	for {
		select {
		case data := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if conn.heartbeatOutstanding() {
				s.logger.Warn("realtime: heartbeat timeout, closing socket")
				return
			}
			ref := s.nextRef()
			conn.setHeartbeat(ref)
			data, err := NewHeartbeatMessage(ref).Encode()
			if err != nil {
				return
			}
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-conn.done:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			conn.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// socketConn is one WebSocket plus its outbound queue.
type socketConn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	hbMu        sync.Mutex
	heartbeatID string
}

func (c *socketConn) enqueue(logger *slog.Logger, msg *Message) {
	data, err := msg.Encode()
	if err != nil {
		logger.Warn("realtime: encode failed", "event", msg.Event, "error", err.Error())
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		logger.Warn("realtime: send buffer full, dropping frame", "event", msg.Event, "topic", msg.Topic)
	}
}

// close stops the pumps. The write pump sends a close frame; the read loop
// then fails and exits.
func (c *socketConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		go func() {
			time.Sleep(100 * time.Millisecond)
			c.ws.Close()
		}()
	})
}

func (c *socketConn) setHeartbeat(ref string) {
	c.hbMu.Lock()
	c.heartbeatID = ref
	c.hbMu.Unlock()
}

func (c *socketConn) heartbeatAcked(ref string) {
	c.hbMu.Lock()
	if c.heartbeatID == ref {
		c.heartbeatID = ""
	}
	c.hbMu.Unlock()
}

func (c *socketConn) heartbeatOutstanding() bool {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	return c.heartbeatID != ""
}

type systemListener struct {
	event string
	fn    func(SystemEvent)
}

type changeListener struct {
	binding ChangeBinding
	fn      func(ChangeEvent)
}

// socketChannel implements ChannelHandle for Socket.
type socketChannel struct {
	socket *Socket
	name   string
	topic  string

	mu      sync.Mutex
	system  []systemListener
	changes []changeListener
	status  func(SubscribeStatus, error)
	joinRef string
	joined  bool
	removed bool
}

func (ch *socketChannel) Name() string { return ch.name }

func (ch *socketChannel) OnSystem(event string, fn func(SystemEvent)) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.system = append(ch.system, systemListener{event: event, fn: fn})
}

func (ch *socketChannel) OnPostgresChange(b ChangeBinding, fn func(ChangeEvent)) {
	if b.Event == "" {
		b.Event = All
	}
	if b.Schema == "" {
		b.Schema = "public"
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.changes = append(ch.changes, changeListener{binding: b, fn: fn})
}

func (ch *socketChannel) Subscribe(fn func(SubscribeStatus, error)) {
	ch.mu.Lock()
	ch.status = fn
	ch.mu.Unlock()
	go ch.socket.join(ch)
}

func (ch *socketChannel) joinConfig() JoinConfig {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	cfg := JoinConfig{}
	for _, l := range ch.changes {
		cfg.PostgresChanges = append(cfg.PostgresChanges, PostgresChangeSub{
			Event:  string(l.binding.Event),
			Schema: l.binding.Schema,
			Table:  l.binding.Table,
			Filter: l.binding.Filter,
		})
	}
	return cfg
}

func (ch *socketChannel) setJoinRef(ref string) {
	ch.mu.Lock()
	ch.joinRef = ref
	ch.mu.Unlock()
}

func (ch *socketChannel) joinState() (string, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.joinRef, ch.joined
}

func (ch *socketChannel) markJoined() {
	ch.mu.Lock()
	ch.joined = true
	ch.mu.Unlock()
}

func (ch *socketChannel) markLeft() {
	ch.mu.Lock()
	ch.joined = false
	ch.mu.Unlock()
}

func (ch *socketChannel) markRemoved() {
	ch.mu.Lock()
	ch.removed = true
	ch.mu.Unlock()
}

func (ch *socketChannel) isRemoved() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.removed
}

func (ch *socketChannel) reportStatus(status SubscribeStatus, err error) {
	ch.mu.Lock()
	fn := ch.status
	removed := ch.removed
	ch.mu.Unlock()
	if fn != nil && !removed {
		fn(status, err)
	}
}

func (ch *socketChannel) emitSystem(ev SystemEvent) {
	ch.mu.Lock()
	if ch.removed {
		ch.mu.Unlock()
		return
	}
	var fns []func(SystemEvent)
	for _, l := range ch.system {
		if l.event == SystemAny || l.event == ev.Event {
			fns = append(fns, l.fn)
		}
	}
	ch.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (ch *socketChannel) emitChange(ev ChangeEvent) {
	ch.mu.Lock()
	if ch.removed {
		ch.mu.Unlock()
		return
	}
	var fns []func(ChangeEvent)
	for _, l := range ch.changes {
		if l.binding.Matches(ev) {
			fns = append(fns, l.fn)
		}
	}
	ch.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
