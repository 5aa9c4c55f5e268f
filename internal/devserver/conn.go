package devserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/markb/frontdesk/internal/log"
	"github.com/markb/frontdesk/internal/realtime"
)

const (
	sendBufferSize = 256
	maxFrameSize   = 512 * 1024

	writeWait = 10 * time.Second
	// idleWait must exceed the client heartbeat interval.
	idleWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// Conn is one client socket and the topics it has joined.
type Conn struct {
	id   string
	ws   *websocket.Conn
	hub  *Hub
	send chan []byte
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	channels map[string]*ChannelSub
	claims   jwt.MapClaims
}

// NewConn registers a connection for ws with the hub.
func (h *Hub) NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		id:       uuid.New().String(),
		ws:       ws,
		hub:      h,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		channels: make(map[string]*ChannelSub),
	}
	h.registerConn(c)
	return c
}

func (c *Conn) ID() string { return c.id }

// Send queues msg. A full buffer drops the frame rather than stalling the hub.
func (c *Conn) Send(msg *realtime.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		log.Warn("devserver: send buffer full, dropping frame", "conn_id", c.id, "event", msg.Event)
	}
	return nil
}

// Close is idempotent.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
		if c.hub != nil {
			c.hub.unregisterConn(c)
		}
	})
}

// Serve runs the connection until the client goes away.
func (c *Conn) Serve() {
	go c.writeLoop()
	c.readLoop()
}

func (c *Conn) readLoop() {
	defer c.Close()

	c.ws.SetReadLimit(maxFrameSize)
	extend := func() { c.ws.SetReadDeadline(time.Now().Add(idleWait)) }
	extend()
	c.ws.SetPongHandler(func(string) error { extend(); return nil })

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug("devserver: read failed", "conn_id", c.id, "error", err.Error())
			}
			return
		}
		extend()

		msg, err := realtime.DecodeMessage(data)
		if err != nil {
			log.Debug("devserver: dropping undecodable frame", "conn_id", c.id, "len", len(data), "error", err.Error())
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Conn) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer c.Close()

	write := func(kind int, data []byte) error {
		c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		return c.ws.WriteMessage(kind, data)
	}

	for {
		var err error
		select {
		case data := <-c.send:
			err = write(websocket.TextMessage, data)
		case <-ping.C:
			err = write(websocket.PingMessage, nil)
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Conn) handleMessage(msg *realtime.Message) {
	switch msg.Event {
	case realtime.EventHeartbeat:
		c.Send(realtime.NewReply(realtime.TopicPhoenix, "", msg.Ref, "ok", map[string]any{}))
	case realtime.EventJoin:
		c.join(msg)
	case realtime.EventLeave:
		c.leave(msg)
	case realtime.EventAccessToken:
		c.refreshToken(msg)
	case realtime.EventBroadcast, realtime.EventPresence:
		// Only postgres_changes is served here.
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, "unsupported", msg.Event+" is not supported")
	default:
		log.Debug("devserver: ignoring event", "conn_id", c.id, "event", msg.Event, "topic", msg.Topic)
	}
}

func (c *Conn) join(msg *realtime.Message) {
	fail := func(code, reason string) {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, code, reason)
	}

	config, token, err := realtime.ParseJoinPayload(msg.Payload)
	if err != nil {
		fail("invalid_payload", err.Error())
		return
	}
	if token != "" {
		claims, err := c.hub.validateToken(token)
		if err != nil {
			fail("invalid_token", err.Error())
			return
		}
		c.setClaims(claims)
	}
	if config.Private {
		fail("unsupported", "private channels are not supported")
		return
	}

	// Binding ids are 1-based and echoed on every postgres_changes frame.
	bindings := make([]any, len(config.PostgresChanges))
	for i := range config.PostgresChanges {
		pc := &config.PostgresChanges[i]
		if pc.Filter != "" {
			if _, _, _, err := parseFilter(pc.Filter); err != nil {
				fail("invalid_filter", fmt.Sprintf("binding %d: %v", i, err))
				return
			}
		}
		pc.ID = i + 1
		bindings[i] = map[string]any{
			"id":     pc.ID,
			"event":  pc.Event,
			"schema": pc.Schema,
			"table":  pc.Table,
			"filter": pc.Filter,
		}
	}

	sub := &ChannelSub{conn: c, joinRef: msg.JoinRef, pgChanges: config.PostgresChanges}
	c.hub.getOrCreateChannel(msg.Topic).addSubscriber(c.id, sub)
	c.mu.Lock()
	c.channels[msg.Topic] = sub
	c.mu.Unlock()

	c.Send(realtime.NewReply(msg.Topic, msg.JoinRef, msg.Ref, "ok", map[string]any{
		"postgres_changes": bindings,
	}))
	for _, pc := range config.PostgresChanges {
		ack := realtime.NewSystemMessage(msg.Topic, msg.JoinRef, "ok", "Subscribed to PostgreSQL", "postgres_changes")
		ack.Payload["subscription_id"] = pc.ID
		c.Send(ack)
	}
}

func (c *Conn) leave(msg *realtime.Message) {
	c.mu.Lock()
	sub, ok := c.channels[msg.Topic]
	delete(c.channels, msg.Topic)
	c.mu.Unlock()

	if !ok {
		c.sendError(msg.Topic, "", msg.Ref, "not_joined", "not subscribed to channel")
		return
	}
	if ch := c.hub.getChannel(msg.Topic); ch != nil {
		ch.removeSubscriber(c.id)
		c.hub.removeChannelIfEmpty(msg.Topic)
	}
	c.Send(realtime.NewReply(msg.Topic, sub.joinRef, msg.Ref, "ok", map[string]any{}))
}

// refreshToken swaps in a newer JWT. Invalid tokens keep the old claims.
func (c *Conn) refreshToken(msg *realtime.Message) {
	token, _ := msg.Payload["access_token"].(string)
	if token == "" {
		return
	}
	claims, err := c.hub.validateToken(token)
	if err != nil {
		log.Debug("devserver: rejected access_token", "conn_id", c.id, "error", err.Error())
		return
	}
	c.setClaims(claims)
}

func (c *Conn) setClaims(claims jwt.MapClaims) {
	c.mu.Lock()
	c.claims = claims
	c.mu.Unlock()
}

func (c *Conn) sendError(topic, joinRef, ref, code, message string) {
	c.Send(realtime.NewReply(topic, joinRef, ref, "error", map[string]any{
		"code":    code,
		"message": message,
	}))
}
