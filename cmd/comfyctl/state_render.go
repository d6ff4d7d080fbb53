package main

import (
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
)

// stateColors covers job states plus the backend's history and queue labels.
var stateColors = map[string]text.Colors{
	"completed": {text.FgGreen},
	"success":   {text.FgGreen},
	"failed":    {text.FgRed},
	"error":     {text.FgRed},
	"cancelled": {text.FgYellow},
	"running":   {text.FgCyan},
}

func renderState(w io.Writer, state string) string {
	colors, ok := stateColors[state]
	if !ok || !shouldColorize(w) {
		return state
	}
	return colors.Sprint(state)
}

func shouldColorize(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
