package devserver

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/markb/frontdesk/internal/realtime"
)

func newTestConn(hub *Hub, buffer int) *Conn {
	conn := &Conn{
		id:       uuid.New().String(),
		hub:      hub,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		channels: make(map[string]*ChannelSub),
	}
	if hub != nil {
		hub.registerConn(conn)
	}
	return conn
}

// drain decodes every queued frame.
func drain(t *testing.T, conn *Conn) []*realtime.Message {
	t.Helper()
	var out []*realtime.Message
	for {
		select {
		case data := <-conn.send:
			msg, err := realtime.DecodeMessage(data)
			if err != nil {
				t.Fatalf("decode queued frame: %v", err)
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func joinMessage(topic, ref string, subs ...realtime.PostgresChangeSub) *realtime.Message {
	return realtime.NewJoinMessage(topic, ref, realtime.JoinConfig{PostgresChanges: subs}, "")
}

func TestConnClose(t *testing.T) {
	conn := newTestConn(nil, sendBufferSize)

	conn.Close()
	conn.Close()
}

func TestConnSendAfterClose(t *testing.T) {
	conn := newTestConn(nil, sendBufferSize)
	conn.Close()

	msg := realtime.NewReply("test-topic", "", "1", "ok", map[string]any{})
	if err := conn.Send(msg); err != nil {
		t.Errorf("Send after close returned error: %v", err)
	}
}

func TestConnSendBufferFull(t *testing.T) {
	conn := newTestConn(nil, 1)

	msg := realtime.NewReply("test-topic", "", "1", "ok", map[string]any{})
	conn.Send(msg)

	done := make(chan struct{})
	go func() {
		conn.Send(msg)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("Send blocked on full buffer")
	}
}

func TestConnHeartbeat(t *testing.T) {
	conn := newTestConn(NewHub("secret"), sendBufferSize)

	conn.handleMessage(realtime.NewHeartbeatMessage("42"))

	msgs := drain(t, conn)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(msgs))
	}
	if msgs[0].Topic != realtime.TopicPhoenix || msgs[0].Ref != "42" || msgs[0].Event != realtime.EventReply {
		t.Errorf("unexpected heartbeat reply: %+v", msgs[0])
	}
}

func TestConnJoinRepliesAndAnnouncesBindings(t *testing.T) {
	hub := NewHub("secret")
	conn := newTestConn(hub, sendBufferSize)

	conn.handleMessage(joinMessage("realtime:desk", "1",
		realtime.PostgresChangeSub{Event: "INSERT", Schema: "public", Table: "messages"},
		realtime.PostgresChangeSub{Event: "*", Schema: "public", Table: "guests", Filter: "id=eq.g1"},
	))

	msgs := drain(t, conn)
	if len(msgs) != 3 {
		t.Fatalf("expected reply plus 2 system frames, got %d", len(msgs))
	}
	if msgs[0].Event != realtime.EventReply || msgs[0].Payload["status"] != "ok" {
		t.Errorf("unexpected join reply: %+v", msgs[0])
	}
	resp := msgs[0].Payload["response"].(map[string]any)
	if bindings := resp["postgres_changes"].([]any); len(bindings) != 2 {
		t.Errorf("expected 2 bindings echoed, got %v", bindings)
	}
	for _, m := range msgs[1:] {
		if m.Event != realtime.EventSystem || m.Payload["message"] != "Subscribed to PostgreSQL" {
			t.Errorf("unexpected system frame: %+v", m)
		}
	}

	ch := hub.getChannel("realtime:desk")
	if ch == nil {
		t.Fatal("channel not created")
	}
	sub := ch.getSubscriber(conn.id)
	if sub == nil || len(sub.pgChanges) != 2 || sub.pgChanges[1].ID != 2 {
		t.Errorf("unexpected subscription: %+v", sub)
	}
}

func TestConnJoinRejectsBadFilter(t *testing.T) {
	hub := NewHub("secret")
	conn := newTestConn(hub, sendBufferSize)

	conn.handleMessage(joinMessage("realtime:desk", "1",
		realtime.PostgresChangeSub{Event: "INSERT", Schema: "public", Table: "messages", Filter: "guest_id=like.x"},
	))

	msgs := drain(t, conn)
	if len(msgs) != 1 || msgs[0].Payload["status"] != "error" {
		t.Fatalf("expected error reply, got %+v", msgs)
	}
	if hub.getChannel("realtime:desk") != nil {
		t.Error("channel should not be created for a rejected join")
	}
}

func TestConnJoinRejectsBadToken(t *testing.T) {
	conn := newTestConn(NewHub("secret"), sendBufferSize)

	msg := realtime.NewJoinMessage("realtime:desk", "1", realtime.JoinConfig{}, "not-a-jwt")
	conn.handleMessage(msg)

	msgs := drain(t, conn)
	if len(msgs) != 1 || msgs[0].Payload["status"] != "error" {
		t.Fatalf("expected error reply, got %+v", msgs)
	}
	resp := msgs[0].Payload["response"].(map[string]any)
	if resp["code"] != "invalid_token" {
		t.Errorf("code = %v", resp["code"])
	}
}

func TestConnJoinAcceptsValidToken(t *testing.T) {
	hub := NewHub("secret")
	conn := newTestConn(hub, sendBufferSize)

	token, err := GenerateAPIKey("secret", RoleAnon)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	conn.handleMessage(realtime.NewJoinMessage("realtime:desk", "1", realtime.JoinConfig{}, token))

	msgs := drain(t, conn)
	if len(msgs) != 1 || msgs[0].Payload["status"] != "ok" {
		t.Fatalf("expected ok reply, got %+v", msgs)
	}
	if conn.claims["role"] != RoleAnon {
		t.Errorf("claims not stored: %v", conn.claims)
	}
}

func TestConnLeave(t *testing.T) {
	hub := NewHub("secret")
	conn := newTestConn(hub, sendBufferSize)

	conn.handleMessage(joinMessage("realtime:desk", "1"))
	drain(t, conn)

	conn.handleMessage(realtime.NewLeaveMessage("realtime:desk", "1", "2"))
	msgs := drain(t, conn)
	if len(msgs) != 1 || msgs[0].Payload["status"] != "ok" || msgs[0].Ref != "2" {
		t.Fatalf("unexpected leave reply: %+v", msgs)
	}
	if hub.getChannel("realtime:desk") != nil {
		t.Error("empty channel should be removed after leave")
	}

	conn.handleMessage(realtime.NewLeaveMessage("realtime:desk", "1", "3"))
	msgs = drain(t, conn)
	if len(msgs) != 1 || msgs[0].Payload["status"] != "error" {
		t.Errorf("leaving twice should error: %+v", msgs)
	}
}

func TestConnCloseUnregisters(t *testing.T) {
	hub := NewHub("secret")
	conn := newTestConn(hub, sendBufferSize)
	conn.handleMessage(joinMessage("realtime:desk", "1"))

	conn.Close()

	stats := hub.Stats()
	if stats.Connections != 0 || stats.Channels != 0 {
		t.Errorf("expected empty hub, got %+v", stats)
	}
}

func TestConnRejectsBroadcastAndPresence(t *testing.T) {
	conn := newTestConn(NewHub("secret"), sendBufferSize)

	for _, event := range []string{realtime.EventBroadcast, realtime.EventPresence} {
		conn.handleMessage(&realtime.Message{Topic: "realtime:desk", Event: event, Ref: "9", Payload: map[string]any{}})

		msgs := drain(t, conn)
		if len(msgs) != 1 {
			t.Fatalf("%s: expected 1 reply, got %d", event, len(msgs))
		}
		if msgs[0].Payload["status"] != "error" || msgs[0].Ref != "9" {
			t.Errorf("%s: unexpected reply: %+v", event, msgs[0])
		}
		resp, _ := msgs[0].Payload["response"].(map[string]any)
		if resp["code"] != "unsupported" {
			t.Errorf("%s: expected unsupported code, got %v", event, resp["code"])
		}
	}
}
