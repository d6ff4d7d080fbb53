package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/comfyrun/pkg/comfy"
	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

type historyRow struct {
	PromptID  string `json:"prompt_id"`
	Status    string `json:"status"`
	Completed bool   `json:"completed"`
	Outputs   int    `json:"outputs"`
}

var historyColumns = []column{
	{Title: "Prompt"},
	{Title: "Status", State: true},
	{Title: "Completed"},
	{Title: "Outputs", Numeric: true},
}

func buildHistoryRows(h models.History) []historyRow {
	rows := make([]historyRow, 0, len(h))
	for id, entry := range h {
		row := historyRow{PromptID: id, Status: "unknown", Outputs: len(entry.Outputs)}
		if entry.Status != nil {
			row.Completed = entry.Status.Completed
			if entry.Status.StatusStr != "" {
				row.Status = entry.Status.StatusStr
			}
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].PromptID < rows[j].PromptID })
	return rows
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var maxItems int
	var clearFlag bool

	cmd := &cobra.Command{
		Use:   "history [prompt-id...]",
		Short: "Show finished prompts, or delete entries with --clear",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(client *comfy.Client) error {
				if clearFlag {
					return clearHistory(cmd, client, args)
				}

				h := models.History{}
				if len(args) == 0 {
					var err error
					if h, err = client.History(cmd.Context(), maxItems); err != nil {
						return err
					}
				}
				for _, id := range args {
					entry, err := client.HistoryFor(cmd.Context(), id)
					if err != nil {
						return err
					}
					for k, v := range entry {
						h[k] = v
					}
				}

				return ctx.printResult(cmd, h, func(w io.Writer) error {
					rows := buildHistoryRows(h)
					if len(rows) == 0 {
						fmt.Fprintln(w, "History is empty")
						return nil
					}
					cells := make([][]string, 0, len(rows))
					for _, r := range rows {
						cells = append(cells, []string{r.PromptID, r.Status, yesNo(r.Completed), strconv.Itoa(r.Outputs)})
					}
					writeTable(w, historyColumns, cells)
					return nil
				})
			})
		},
	}
	cmd.Flags().IntVar(&maxItems, "max", 0, "Limit the number of entries returned (0 for all)")
	cmd.Flags().BoolVar(&clearFlag, "clear", false, "Delete the given entries, or all history when none are given")
	return cmd
}

func clearHistory(cmd *cobra.Command, client *comfy.Client, ids []string) error {
	if len(ids) == 0 {
		if err := client.ClearHistory(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
		return nil
	}
	if err := client.DeleteHistory(cmd.Context(), ids...); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d history entries\n", len(ids))
	return nil
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
