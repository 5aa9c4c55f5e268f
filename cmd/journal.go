package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/markb/frontdesk/internal/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the local event journal",
	Long:  `Commands for reading and pruning the SQLite journal written by 'frontdesk watch --journal'.`,
}

// openJournal opens the journal named by --db or the config and refuses to
// create a new file.
func openJournal(cmd *cobra.Command) (*journal.Journal, error) {
	path := cfg.Journal.Path
	if p, _ := cmd.Flags().GetString("db"); p != "" {
		path = p
	}
	if path == "" {
		return nil, fmt.Errorf("no journal configured (use --db or FRONTDESK_JOURNAL)")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("journal not found at %s", path)
	}
	return journal.Open(path)
}

var journalRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Print the most recent events",
	Long: `Print the most recent journaled events, newest first.

Examples:
  frontdesk journal recent --db events.db
  frontdesk journal recent --db events.db --table messages --limit 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		table, _ := cmd.Flags().GetString("table")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		j, err := openJournal(cmd)
		if err != nil {
			return err
		}
		defer j.Close()

		entries, err := j.Recent(cmd.Context(), table, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No events")
			return nil
		}

		for _, e := range entries {
			line, err := formatEvent(e.Event, !asJSON)
			if err != nil {
				return err
			}
			if asJSON {
				fmt.Println(line)
				continue
			}
			fmt.Printf("%6d  %s  %s\n", e.ID, e.ReceivedAt.Local().Format(time.DateTime), line)
		}
		return nil
	},
}

var journalPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old events",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if !cmd.Flags().Changed("older-than") {
			olderThan = cfg.Journal.Retention
		}
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}

		j, err := openJournal(cmd)
		if err != nil {
			return err
		}
		defer j.Close()

		removed, err := j.Prune(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		left, err := j.Count(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d event(s), %d left\n", removed, left)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalRecentCmd)
	journalCmd.AddCommand(journalPruneCmd)

	journalCmd.PersistentFlags().String("db", "", "Journal file (default from config)")

	journalRecentCmd.Flags().String("table", "", "Only show this table")
	journalRecentCmd.Flags().IntP("limit", "n", 20, "Number of events")
	journalRecentCmd.Flags().Bool("json", false, "Print JSON lines")

	journalPruneCmd.Flags().Duration("older-than", 0, "Age cutoff (default journal.retention)")
}
