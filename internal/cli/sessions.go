package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/kestrel/pkg/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored conversation sessions",
	Long:  `List stored conversation sessions, most recently updated first.`,
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store, err := session.New(session.Config{
		Dir:    filepath.Join(cfg.DataDir, "sessions"),
		Logger: zerolog.Nop(),
	})
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	summaries, err := store.ListSessions(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	return printSessions(cmd, summaries)
}

func printSessions(cmd *cobra.Command, summaries []session.Summary) error {
	out := cmd.OutOrStdout()
	if len(summaries) == 0 {
		fmt.Fprintln(out, "No sessions")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHANNEL\tCHAT\tUSER\tMESSAGES\tUPDATED")
	for _, s := range summaries {
		user := s.UserID
		if user == "" {
			user = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			s.ID, s.Channel, s.ChatID, user, s.MessageCount, formatAge(s.UpdatedAt))
	}
	return w.Flush()
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return formatDuration(time.Since(t)) + " ago"
}
