package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/frontdesk/internal/devserver"
	"github.com/markb/frontdesk/internal/journal"
	"github.com/markb/frontdesk/internal/lodge"
	"github.com/markb/frontdesk/internal/realtime"
)

const testSecret = "integration-secret-0123456789abcdef"

func subscribers(srv *devserver.Server) int {
	n := 0
	for _, ch := range srv.Hub().Stats().ChannelDetails {
		n += ch.Subscribers
	}
	return n
}

func postChange(t *testing.T, baseURL, key, body string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, baseURL+"/api/v1/changes", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", key)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out struct {
		Delivered int `json:"delivered"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Delivered
}

func TestGuestChatEndToEnd(t *testing.T) {
	srv := devserver.New(devserver.Config{JWTSecret: testSecret})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	defer srv.Hub().CloseConnections()

	anonKey, err := devserver.GenerateAPIKey(testSecret, devserver.RoleAnon)
	require.NoError(t, err)
	serviceKey, err := devserver.GenerateAPIKey(testSecret, devserver.RoleService)
	require.NoError(t, err)

	socket, err := realtime.NewSocket(realtime.SocketConfig{URL: ts.URL + "/realtime/v1", APIKey: anonKey})
	require.NoError(t, err)
	defer socket.Close()

	j, err := journal.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer j.Close()

	var (
		mu   sync.Mutex
		chat = lodge.NewMessageLog(nil)
	)
	guest := lodge.GuestChat("g1", func(kind realtime.EventKind, m lodge.Message) {
		mu.Lock()
		defer mu.Unlock()
		chat.Upsert(m)
	})
	chatMgr := guest.Mount(socket)
	defer chatMgr.Close()

	// A second manager on the same socket journals every message.
	journalMgr := realtime.NewManager(socket, []realtime.SubscriptionRequest{
		{Table: lodge.TableMessages, Callback: j.Callback()},
	})
	defer journalMgr.Close()

	// guest chat: system + INSERT + UPDATE; journal: system + messages.
	require.Eventually(t, func() bool {
		return chatMgr.IsConnected() && journalMgr.IsConnected() && subscribers(srv) == 5
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, chatMgr.ConnectionAttempts())
	assert.Equal(t, "guest-chat-g1", chatMgr.State().Prefix)

	delivered := postChange(t, ts.URL, serviceKey, `{"table":"messages","type":"INSERT",
		"record":{"id":"m1","guest_id":"g1","sender":"guest","body":"Extra towels please","created_at":"2026-03-01T09:00:00Z"}}`)
	assert.Equal(t, 2, delivered)

	delivered = postChange(t, ts.URL, serviceKey, `{"table":"messages","type":"INSERT",
		"record":{"id":"m2","guest_id":"g2","sender":"guest","body":"Wrong room","created_at":"2026-03-01T09:01:00Z"}}`)
	assert.Equal(t, 1, delivered)

	delivered = postChange(t, ts.URL, serviceKey, `{"table":"messages","type":"UPDATE",
		"record":{"id":"m1","guest_id":"g1","sender":"guest","body":"Extra towels please","is_read":true,"created_at":"2026-03-01T09:00:00Z"},
		"old_record":{"id":"m1"}}`)
	assert.Equal(t, 2, delivered)

	require.Eventually(t, func() bool {
		n, err := j.Count(context.Background())
		return err == nil && n == 3
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		msgs := chat.Messages()
		return len(msgs) == 1 && msgs[0].Read
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "Extra towels please", chat.Messages()[0].Body)
	assert.Equal(t, 0, chat.Unread(lodge.SenderGuest))
	mu.Unlock()

	recent, err := j.Recent(context.Background(), lodge.TableMessages, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, realtime.Update, recent[0].Event.Kind)
	assert.Equal(t, "g2", recent[1].Event.New["guest_id"])
}

func TestUnmountReleasesServerChannels(t *testing.T) {
	srv := devserver.New(devserver.Config{JWTSecret: testSecret, AnonKey: "anon"})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	defer srv.Hub().CloseConnections()

	socket, err := realtime.NewSocket(realtime.SocketConfig{URL: ts.URL + "/realtime/v1", APIKey: "anon"})
	require.NoError(t, err)
	defer socket.Close()

	mgr := lodge.RoomManagement(lodge.NewRoomDirectory(nil)).Mount(socket)
	require.Eventually(t, func() bool {
		return mgr.IsConnected() && subscribers(srv) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mgr.Close()

	require.Eventually(t, func() bool {
		return srv.Hub().Stats().Channels == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, mgr.IsConnected())
	assert.Equal(t, realtime.PhaseTornDown, mgr.State().Phase)
}
