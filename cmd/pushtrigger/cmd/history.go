package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pushtrigger/internal/db"
	"github.com/austindbirch/pushtrigger/internal/journal"
)

// historyCmd represents the history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent triggers from the journal",
	Long: `List the most recent matched pushes and how each effect fared.

Requires journal.dsn (or PUSHTRIGGER_JOURNAL_DSN) to point at the same
database the listener writes to.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Journal.DSN == "" {
			return errors.New("journal.dsn is not set")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		pool, err := db.Connect(ctx, cfg.Journal.DSN, cfg.Journal.MaxConns)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()

		entries, err := journal.NewPostgres(pool).Recent(ctx, limit)
		if err != nil {
			return fmt.Errorf("failed to list triggers: %w", err)
		}

		if outputJSON {
			return printOutput(cmd.OutOrStdout(), entries)
		}
		return writeHistory(cmd.OutOrStdout(), entries)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().Int("limit", 20, "number of triggers to show")
}

func writeHistory(w io.Writer, entries []journal.Entry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No triggers recorded.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RECEIVED\tTRIGGER\tREPO\tBRANCH\tTASK\tAUTHOR\tEFFECTS")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ReceivedAt.UTC().Format(time.RFC3339),
			shortID(e.TriggerID),
			e.Repository,
			e.Branch,
			e.Task,
			e.Author,
			effectSummary(e.Effects),
		)
	}
	return tw.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// effectSummary renders effects as "name=ok" pairs in name order; failures
// show "failed" and the error text stays in the JSON output
func effectSummary(effects map[string]string) string {
	if len(effects) == 0 {
		return "-"
	}
	names := make([]string, 0, len(effects))
	for name := range effects {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		status := "failed"
		if effects[name] == journal.EffectOK {
			status = journal.EffectOK
		}
		parts = append(parts, name+"="+status)
	}
	return strings.Join(parts, ",")
}
