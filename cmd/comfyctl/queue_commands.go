package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/comfyrun/pkg/comfy"
	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the backend queue",
	}

	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	queueCmd.AddCommand(newQueueDeleteCommand(ctx))

	return queueCmd
}

type queueRow struct {
	Position int    `json:"position"`
	Number   int    `json:"number"`
	PromptID string `json:"prompt_id"`
	State    string `json:"state"`
}

var queueColumns = []column{
	{Title: "#", Numeric: true},
	{Title: "Number", Numeric: true},
	{Title: "Prompt"},
	{Title: "State", State: true},
}

func buildQueueRows(qs *models.QueueStatus) []queueRow {
	rows := make([]queueRow, 0, len(qs.Running)+len(qs.Pending))
	for _, e := range qs.Running {
		rows = append(rows, queueRow{Position: len(rows) + 1, Number: e.Number, PromptID: e.PromptID, State: "running"})
	}
	for _, e := range qs.Pending {
		rows = append(rows, queueRow{Position: len(rows) + 1, Number: e.Number, PromptID: e.PromptID, State: "pending"})
	}
	return rows
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List running and pending prompts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(client *comfy.Client) error {
				qs, err := client.Queue(cmd.Context())
				if err != nil {
					return err
				}
				rows := buildQueueRows(qs)
				return ctx.printResult(cmd, rows, func(w io.Writer) error {
					if len(rows) == 0 {
						fmt.Fprintln(w, "Queue is empty")
						return nil
					}
					cells := make([][]string, 0, len(rows))
					for _, r := range rows {
						cells = append(cells, []string{strconv.Itoa(r.Position), strconv.Itoa(r.Number), r.PromptID, r.State})
					}
					writeTable(w, queueColumns, cells)
					return nil
				})
			})
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every pending prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(client *comfy.Client) error {
				if err := client.ClearQueue(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Queue cleared")
				return nil
			})
		},
	}
}

func newQueueDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <prompt-id>...",
		Short: "Remove specific prompts from the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(client *comfy.Client) error {
				if err := client.DeleteQueueItems(cmd.Context(), args...); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d prompt(s) from the queue\n", len(args))
				return nil
			})
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <prompt-id>",
		Short: "Cancel a queued prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(client *comfy.Client) error {
				if err := client.DeleteQueueItems(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", args[0])
				return nil
			})
		},
	}
}

func newInterruptCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "interrupt",
		Short: "Stop the prompt that is currently executing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(client *comfy.Client) error {
				if err := client.Interrupt(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Interrupt sent")
				return nil
			})
		},
	}
}
