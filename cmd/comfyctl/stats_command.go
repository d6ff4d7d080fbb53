package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/comfyrun/pkg/comfy"
	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show backend host and device stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(cmd, func(client *comfy.Client) error {
				stats, err := client.SystemStats(cmd.Context())
				if err != nil {
					return err
				}
				return ctx.printResult(cmd, stats, func(w io.Writer) error {
					writeStats(w, stats)
					return nil
				})
			})
		},
	}
}

var (
	systemColumns = []column{{Title: "System"}, {Title: "Value"}}
	deviceColumns = []column{
		{Title: "Index", Numeric: true},
		{Title: "Device"},
		{Title: "Type"},
		{Title: "VRAM free", Numeric: true},
		{Title: "VRAM total", Numeric: true},
	}
)

func writeStats(w io.Writer, stats *models.SystemStats) {
	sys := stats.System
	info := [][]string{
		{"OS", sys.OS},
		{"Python", sys.PythonVersion},
	}
	if sys.ComfyVersion != "" {
		info = append(info, []string{"ComfyUI", sys.ComfyVersion})
	}
	if sys.RAMTotal > 0 {
		info = append(info, []string{"RAM free", formatBytes(sys.RAMFree) + " / " + formatBytes(sys.RAMTotal)})
	}
	writeTable(w, systemColumns, info)

	if len(stats.Devices) == 0 {
		return
	}
	rows := make([][]string, 0, len(stats.Devices))
	for _, d := range stats.Devices {
		rows = append(rows, []string{
			strconv.Itoa(d.Index),
			d.Name,
			d.Type,
			formatBytes(d.VRAMFree),
			formatBytes(d.VRAMTotal),
		})
	}
	writeTable(w, deviceColumns, rows)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
