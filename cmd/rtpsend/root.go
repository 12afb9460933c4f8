package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rtpsend",
		Short: "Send an F32LE audio stream over RTP/RTCP",
		Long: `rtpsend packetizes a raw F32LE audio stream (a generated sine tone or a raw
file) into L16 RTP packets, sends RTCP sender reports and reads receiver
feedback. Every flag can be set with an RTPSEND_ environment variable
(RTPSEND_REMOTE, RTPSEND_RTCP_MUX...) or in a YAML file passed with --config.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}
			opts, err := loadOptions(v)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.OutOrStdout())
		},
	}
	cmd.SetContext(context.Background())
	registerFlags(cmd.Flags())
	return cmd
}
