// Package relay republishes received change events on NATS so other
// processes (paging, analytics) can follow the front desk feed.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/markb/frontdesk/internal/realtime"
)

// Config holds the NATS connection settings.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns settings for a local NATS server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "frontdesk",
		MaxReconnects: 60,
		ReconnectWait: 2 * time.Second,
	}
}

// Publisher is the part of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Connect dials NATS with reconnect handlers that log through logger.
func Connect(cfg Config, logger *slog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("frontdesk"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("relay: NATS disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("relay: NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("relay: NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("relay: connected to NATS", "url", cfg.URL)
	return conn, nil
}

// Forwarder publishes change events to "<prefix>.<table>.<kind>".
type Forwarder struct {
	pub    Publisher
	prefix string
	logger *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// NewForwarder returns a Forwarder publishing on pub.
func NewForwarder(pub Publisher, prefix string, logger *slog.Logger) *Forwarder {
	if prefix == "" {
		prefix = "frontdesk"
	}
	return &Forwarder{pub: pub, prefix: prefix, logger: logger}
}

// envelope is the JSON published for each event.
type envelope struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	Type            string         `json:"type"`
	CommitTimestamp string         `json:"commit_timestamp,omitempty"`
	Record          map[string]any `json:"record,omitempty"`
	OldRecord       map[string]any `json:"old_record,omitempty"`
}

// Subject returns the subject ev is published on.
func (f *Forwarder) Subject(ev realtime.ChangeEvent) string {
	return fmt.Sprintf("%s.%s.%s", f.prefix, subjectToken(ev.Table), strings.ToLower(string(ev.Kind)))
}

// subjectToken keeps table names from adding subject levels or wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Forward publishes ev.
func (f *Forwarder) Forward(ev realtime.ChangeEvent) error {
	data, err := json.Marshal(envelope{
		Schema:          ev.Schema,
		Table:           ev.Table,
		Type:            string(ev.Kind),
		CommitTimestamp: ev.CommitTimestamp,
		Record:          ev.New,
		OldRecord:       ev.Old,
	})
	if err != nil {
		f.failed.Add(1)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := f.Subject(ev)
	if err := f.pub.Publish(subject, data); err != nil {
		f.failed.Add(1)
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	f.published.Add(1)
	f.logger.Debug("relay: published", "subject", subject)
	return nil
}

// Callback returns a subscription callback. Publish errors are logged and
// never reach the caller.
func (f *Forwarder) Callback() func(realtime.ChangeEvent) {
	return func(ev realtime.ChangeEvent) {
		if err := f.Forward(ev); err != nil {
			f.logger.Warn("relay: forward failed", "table", ev.Table, "error", err.Error())
		}
	}
}

// Counts returns how many events were published and how many failed.
func (f *Forwarder) Counts() (published, failed int64) {
	return f.published.Load(), f.failed.Load()
}
