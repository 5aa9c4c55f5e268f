package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/frontdesk/internal/realtime"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestForwardPublishesEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	f := NewForwarder(pub, "lodge", discard())

	err := f.Forward(realtime.ChangeEvent{Schema: "public", Table: "messages", Kind: realtime.Insert,
		New: map[string]any{"id": "m1"}, CommitTimestamp: "2026-02-01T10:00:00Z"})
	require.NoError(t, err)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "lodge.messages.insert", pub.msgs[0].subject)

	var env map[string]any
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &env))
	assert.Equal(t, "INSERT", env["type"])
	assert.Equal(t, "messages", env["table"])
	assert.Equal(t, map[string]any{"id": "m1"}, env["record"])
	_, hasOld := env["old_record"]
	assert.False(t, hasOld)

	published, failed := f.Counts()
	assert.Equal(t, int64(1), published)
	assert.Equal(t, int64(0), failed)
}

func TestSubjectSanitisesTable(t *testing.T) {
	f := NewForwarder(&fakePublisher{}, "", discard())

	assert.Equal(t, "frontdesk.audit_log.delete", f.Subject(realtime.ChangeEvent{Table: "audit.log", Kind: realtime.Delete}))
	assert.Equal(t, "frontdesk._.update", f.Subject(realtime.ChangeEvent{Kind: realtime.Update}))
}

func TestCallbackSwallowsErrors(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	f := NewForwarder(pub, "lodge", discard())

	cb := f.Callback()
	assert.NotPanics(t, func() {
		cb(realtime.ChangeEvent{Table: "rooms", Kind: realtime.Update})
	})

	_, failed := f.Counts()
	assert.Equal(t, int64(1), failed)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.URL)
	assert.Equal(t, "frontdesk", cfg.SubjectPrefix)
	assert.Positive(t, cfg.MaxReconnects)
}
