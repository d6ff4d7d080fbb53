package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
)

// printResult writes v as JSON under --json and otherwise hands stdout to text.
func (c *commandContext) printResult(cmd *cobra.Command, v any, text func(w io.Writer) error) error {
	out := cmd.OutOrStdout()
	if c.jsonOut {
		return writeJSON(out, v)
	}
	return text(out)
}

// writeJSON leaves '&' and '<' unescaped; filenames and node errors often carry them.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
