package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/frontdesk/internal/realtime"
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Inject a change into a running realtime server",
	Long: `Posts one change to the local realtime server, which fans it out to
every subscribed channel whose table, event and filter match.

Examples:
  frontdesk notify --table messages --type INSERT \
    --record '{"id":"m1","guest_id":"g1","sender":"guest","body":"Hi"}'
  frontdesk notify --table rooms --type DELETE --old '{"id":"r1"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		table, _ := cmd.Flags().GetString("table")
		schema, _ := cmd.Flags().GetString("schema")
		kindStr, _ := cmd.Flags().GetString("type")
		record, _ := cmd.Flags().GetString("record")
		old, _ := cmd.Flags().GetString("old")

		kind, err := realtime.ParseEventKind(kindStr)
		if err != nil || kind == realtime.All {
			return fmt.Errorf("--type must be INSERT, UPDATE or DELETE")
		}

		body := map[string]any{
			"schema":    schema,
			"table":     table,
			"eventType": string(kind),
		}
		if record != "" {
			row, err := parseRow(record)
			if err != nil {
				return fmt.Errorf("invalid --record: %w", err)
			}
			body["new"] = row
		}
		if old != "" {
			row, err := parseRow(old)
			if err != nil {
				return fmt.Errorf("invalid --old: %w", err)
			}
			body["old"] = row
		}

		apiKey := cfg.Server.ServiceKey
		if key, _ := cmd.Flags().GetString("key"); key != "" {
			apiKey = key
		}

		delivered, err := postChange(server, apiKey, body)
		if err != nil {
			return err
		}
		fmt.Printf("Delivered to %d subscriber(s)\n", delivered)
		return nil
	},
}

func parseRow(raw string) (map[string]any, error) {
	var row map[string]any
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, err
	}
	return row, nil
}

func postChange(server, apiKey string, body map[string]any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to encode change: %w", err)
	}

	url := strings.TrimSuffix(server, "/") + "/api/v1/changes"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", apiKey)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to reach realtime server: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return 0, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		Delivered int `json:"delivered"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return 0, fmt.Errorf("failed to parse response: %w", err)
	}
	return result.Delivered, nil
}

func init() {
	rootCmd.AddCommand(notifyCmd)

	notifyCmd.Flags().String("server", "http://localhost:8080", "Realtime server base URL")
	notifyCmd.Flags().String("key", "", "Service role key (default FRONTDESK_SERVICE_KEY)")
	notifyCmd.Flags().String("schema", "public", "Schema name")
	notifyCmd.Flags().String("table", "", "Table name")
	notifyCmd.Flags().String("type", "INSERT", "Change type: INSERT, UPDATE or DELETE")
	notifyCmd.Flags().String("record", "", "New row as JSON")
	notifyCmd.Flags().String("old", "", "Old row as JSON")
	notifyCmd.MarkFlagRequired("table")
}
