package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/austindbirch/pushtrigger/internal/fanout"
	"github.com/austindbirch/pushtrigger/internal/logging"
)

// tailCmd represents the tail command
var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow matched pushes published to NSQ",
	Long: `Subscribe to the fan-out topic and print every matched push as the
listener publishes it. Requires nsq.nsqd_tcp_addr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.NSQ.NsqdTCPAddr == "" {
			return errors.New("nsq.nsqd_tcp_addr is not set")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		h := fanout.Handler(logging.New(cfg.AppName), func(_ context.Context, env fanout.Envelope) error {
			return writeEnvelope(out, env)
		})
		return fanout.Subscribe(ctx, cfg.NSQ.NsqdTCPAddr, cfg.NSQ.Topic, channel, h)
	},
}

func init() {
	rootCmd.AddCommand(tailCmd)

	tailCmd.Flags().String("channel", "tail#ephemeral", "NSQ channel to consume on")
}

func writeEnvelope(w io.Writer, env fanout.Envelope) error {
	if outputJSON {
		return printOutput(w, env)
	}
	_, err := fmt.Fprintf(w, "%s %s/%s task=%s author=%s trigger=%s\n  %s\n",
		env.ReceivedAt, env.Repository, env.Branch, env.Task, env.Author, env.TriggerID, env.CommitMessage)
	return err
}
