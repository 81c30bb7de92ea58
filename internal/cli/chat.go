package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/kestrel/internal/daemon"
	"github.com/harun/kestrel/pkg/agent"
	"github.com/harun/kestrel/pkg/events"
	"github.com/harun/kestrel/pkg/stream"
	"github.com/harun/kestrel/pkg/toolexecutor"
)

const cliChannel = "cli"

var (
	chatAutoApprove bool
	chatID          string
	chatMaxTurns    int
)

var chatCmd = &cobra.Command{
	Use:   "chat <text>",
	Short: "Send one message to the agent and stream the reply",
	Long: `Send one message to the agent and stream the reply to stdout.
Supervised tool calls are confirmed on the terminal unless --yes is set.
Messages with the same --chat id continue the same session.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().BoolVarP(&chatAutoApprove, "yes", "y", false, "approve every supervised tool call")
	chatCmd.Flags().StringVar(&chatID, "chat", "local", "chat id selecting the session")
	chatCmd.Flags().IntVar(&chatMaxTurns, "max-turns", 0, "model round budget for this turn (0 uses the config)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return fmt.Errorf("message text is required")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	// The gateway belongs to serve; a one-shot turn never listens.
	cfg.Gateway.Enabled = false

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	if chatAutoApprove {
		d.Tools().SetApprover(toolexecutor.StaticApprover{Approve: true})
	} else {
		sub := d.Bus().Subscribe(events.ApprovalRequested)
		defer sub.Close()
		approver := toolexecutor.NewCLIApprover(os.Stdin, cmd.ErrOrStderr(), d.Approvals(), log.Component("cli-approval"))
		go approver.Run(ctx, sub)
	}

	result, err := d.Runner().Run(ctx, agent.Request{
		Channel:  cliChannel,
		ChatID:   chatID,
		UserID:   currentUser(),
		Text:     text,
		MaxTurns: chatMaxTurns,
		OnChunk:  printChunk(out),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out)

	switch result.Outcome {
	case agent.OutcomeError:
		return fmt.Errorf("turn failed: %s", result.Err)
	case agent.OutcomeAborted:
		return fmt.Errorf("turn aborted")
	}
	return nil
}

// printChunk writes streamed text to w as it arrives.
func printChunk(w io.Writer) agent.ChunkSink {
	return func(c stream.Chunk) {
		if c.Kind == stream.ChunkText {
			fmt.Fprint(w, c.Text)
		}
	}
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return cliChannel
}
