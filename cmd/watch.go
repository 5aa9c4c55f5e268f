package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/markb/frontdesk/internal/journal"
	"github.com/markb/frontdesk/internal/lodge"
	"github.com/markb/frontdesk/internal/log"
	"github.com/markb/frontdesk/internal/observability"
	"github.com/markb/frontdesk/internal/realtime"
	"github.com/markb/frontdesk/internal/relay"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Subscribe to table changes and print them",
	Long: `Mounts a subscription manager against a realtime endpoint and prints
every change it receives. Each --table gets its own data channel; a --preset
mounts one of the app's built-in subscription sets instead.

Events are printed as text on a terminal and as JSON lines otherwise. They
can also be journaled to SQLite (--journal) and relayed to NATS (--nats).

Examples:
  frontdesk watch --table messages --event INSERT --filter guest_id=g1
  frontdesk watch --table rooms --table guests --output json
  frontdesk watch --preset guest-chat --guest g1 --journal events.db`,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	if url, _ := cmd.Flags().GetString("url"); url != "" {
		cfg.Realtime.URL = url
	}
	if key, _ := cmd.Flags().GetString("key"); key != "" {
		cfg.Realtime.APIKey = key
	}
	if path, _ := cmd.Flags().GetString("journal"); path != "" {
		cfg.Journal.Path = path
	}
	if natsURL, _ := cmd.Flags().GetString("nats"); natsURL != "" {
		cfg.NATS.URL = natsURL
	}

	output, _ := cmd.Flags().GetString("output")
	pretty, err := prettyOutput(output, os.Stdout)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sinks := []func(realtime.ChangeEvent){newPrinter(os.Stdout, pretty).print}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()
		if cfg.Journal.Retention > 0 {
			if n, err := j.Prune(ctx, cfg.Journal.Retention); err != nil {
				log.Warn("watch: journal prune failed", "error", err.Error())
			} else if n > 0 {
				log.Info("watch: pruned journal", "removed", n)
			}
		}
		sinks = append(sinks, j.Callback())
	}

	if cfg.NATS.URL != "" {
		nc, err := relay.Connect(cfg.RelayConfig(), log.Logger())
		if err != nil {
			return err
		}
		defer nc.Close()
		sinks = append(sinks, relay.NewForwarder(nc, cfg.NATS.Subject, log.Logger()).Callback())
	}

	callback := fanOut(sinks...)

	var (
		subs   []realtime.SubscriptionRequest
		prefix string
	)
	if preset, _ := cmd.Flags().GetString("preset"); preset != "" {
		guestID, _ := cmd.Flags().GetString("guest")
		p, err := lodge.Named(preset, guestID, callback)
		if err != nil {
			return err
		}
		subs, prefix = p.Subscriptions, p.Prefix
	} else {
		tables, _ := cmd.Flags().GetStringArray("table")
		schema, _ := cmd.Flags().GetString("schema")
		event, _ := cmd.Flags().GetString("event")
		filter, _ := cmd.Flags().GetString("filter")
		subs, err = buildSubscriptions(tables, schema, event, filter, callback)
		if err != nil {
			return err
		}
	}
	if p, _ := cmd.Flags().GetString("prefix"); p != "" {
		prefix = p
	}

	tel, cleanup, err := observability.Init(ctx, cfg.TelemetryConfig(Version))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	sockCfg := cfg.SocketConfig()
	sockCfg.Logger = log.Logger()
	socket, err := realtime.NewSocket(sockCfg)
	if err != nil {
		return err
	}
	defer socket.Close()

	opts := append(cfg.ManagerOptions(),
		realtime.WithLogger(log.Logger()),
		realtime.WithMetrics(tel.Metrics()),
		realtime.WithStatusHandler(statusLogger()),
	)
	if prefix != "" {
		opts = append(opts, realtime.WithNamePrefix(prefix))
	}

	log.Info("watch: subscribing", "endpoint", socket.Endpoint(), "subscriptions", len(subs))
	mgr := realtime.NewManager(socket, subs, opts...)
	defer mgr.Close()

	<-ctx.Done()
	log.Info("watch: stopping", "attempts", mgr.ConnectionAttempts())
	return nil
}

// buildSubscriptions turns --table/--event/--filter into one request per table.
func buildSubscriptions(tables []string, schema, event, filter string, fn func(realtime.ChangeEvent)) ([]realtime.SubscriptionRequest, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("at least one --table or a --preset is required")
	}

	kind, err := realtime.ParseEventKind(event)
	if err != nil {
		return nil, err
	}

	var field, value string
	if filter != "" {
		var ok bool
		field, value, ok = strings.Cut(filter, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("--filter must look like field=value, got %q", filter)
		}
		// Accept the PostgREST spelling too.
		value = strings.TrimPrefix(value, "eq.")
	}

	subs := make([]realtime.SubscriptionRequest, 0, len(tables))
	for _, table := range tables {
		if table == "" {
			return nil, fmt.Errorf("--table must not be empty")
		}
		subs = append(subs, realtime.SubscriptionRequest{
			Schema:      schema,
			Table:       table,
			Event:       kind,
			FilterField: field,
			FilterValue: value,
			Callback:    fn,
		})
	}
	return subs, nil
}

// prettyOutput resolves --output; "auto" means text on a terminal.
func prettyOutput(mode string, out *os.File) (bool, error) {
	switch mode {
	case "", "auto":
		return term.IsTerminal(int(out.Fd())), nil
	case "pretty", "text":
		return true, nil
	case "json":
		return false, nil
	default:
		return false, fmt.Errorf("--output must be auto, pretty or json")
	}
}

func fanOut(sinks ...func(realtime.ChangeEvent)) func(realtime.ChangeEvent) {
	return func(ev realtime.ChangeEvent) {
		for _, sink := range sinks {
			sink(ev)
		}
	}
}

// printer serialises writes from the socket goroutine and timers.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	pretty bool
}

func newPrinter(w io.Writer, pretty bool) *printer {
	return &printer{w: w, pretty: pretty}
}

func (p *printer) print(ev realtime.ChangeEvent) {
	line, err := formatEvent(ev, p.pretty)
	if err != nil {
		log.Warn("watch: cannot format event", "table", ev.Table, "error", err.Error())
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

func formatEvent(ev realtime.ChangeEvent, pretty bool) (string, error) {
	if !pretty {
		data, err := json.Marshal(ev)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	ts := ev.CommitTimestamp
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339)
	}
	schema := ev.Schema
	if schema == "" {
		schema = "public"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-6s %s.%s", ts, ev.Kind, schema, ev.Table)
	if row := ev.Record(); row != nil {
		b.WriteString("  ")
		b.WriteString(formatRow(row))
	}
	return b.String(), nil
}

// formatRow prints key=value pairs in key order.
func formatRow(row map[string]any) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, row[k]))
	}
	return strings.Join(parts, " ")
}

// statusLogger logs connection changes once per transition.
func statusLogger() func(realtime.State) {
	var (
		mu   sync.Mutex
		last realtime.Phase = -1
	)
	return func(s realtime.State) {
		mu.Lock()
		changed := s.Phase != last
		last = s.Phase
		mu.Unlock()
		if !changed {
			return
		}
		log.Info("watch: connection "+s.Phase.String(),
			"connected", s.IsConnected,
			"attempts", s.ConnectionAttempts,
			"channels", s.Channels)
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().String("url", "", "Realtime endpoint, e.g. ws://localhost:8080/realtime/v1")
	watchCmd.Flags().String("key", "", "API key (default FRONTDESK_API_KEY)")
	watchCmd.Flags().StringArray("table", nil, "Table to watch (repeatable)")
	watchCmd.Flags().String("schema", "public", "Schema of the watched tables")
	watchCmd.Flags().String("event", "*", "Event: INSERT, UPDATE, DELETE or *")
	watchCmd.Flags().String("filter", "", "Equality filter field=value")
	watchCmd.Flags().String("preset", "", "Built-in subscription set: "+strings.Join(lodge.PresetNames(), ", "))
	watchCmd.Flags().String("guest", "", "Guest id for guest presets")
	watchCmd.Flags().String("prefix", "", "Channel name prefix")
	watchCmd.Flags().String("output", "auto", "Output: auto, pretty or json")
	watchCmd.Flags().String("journal", "", "Record events to this SQLite file")
	watchCmd.Flags().String("nats", "", "Relay events to this NATS server")
	watchCmd.MarkFlagsMutuallyExclusive("preset", "table")
}
