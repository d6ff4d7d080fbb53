package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "comfyctl",
		Short:         "Command line client for a ComfyUI backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.addr, "addr", os.Getenv("COMFY_ADDR"), "Backend address (host:port, optionally with http:// or https://)")
	flags.BoolVar(&ctx.secure, "secure", false, "Use https and wss even without an https:// address")
	flags.BoolVar(&ctx.debug, "debug", false, "Log client traffic to stderr")
	flags.DurationVar(&ctx.timeout, "timeout", 30*time.Second, "Timeout for each backend request")
	flags.BoolVar(&ctx.jsonOut, "json", false, "Print results as JSON")

	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newCancelCommand(ctx))
	rootCmd.AddCommand(newInterruptCommand(ctx))
	rootCmd.AddCommand(newQueueCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))

	return rootCmd
}
