package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kiranshivaraju/comfyrun/pkg/comfy"
)

type commandContext struct {
	addr    string
	secure  bool
	debug   bool
	timeout time.Duration
	jsonOut bool
}

func (c *commandContext) newClient(cmd *cobra.Command) (*comfy.Client, error) {
	addr := strings.TrimSpace(c.addr)
	if addr == "" {
		return nil, errors.New("backend address required; pass --addr or set COMFY_ADDR")
	}

	level := slog.LevelWarn
	if c.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	opts := []comfy.Option{
		comfy.WithLogger(logger),
		comfy.WithDebug(c.debug),
		comfy.WithHTTPClient(&http.Client{Timeout: c.timeout}),
	}
	if c.secure {
		opts = append(opts, comfy.WithSecure(true))
	}
	return comfy.New(addr, opts...), nil
}

func (c *commandContext) withClient(cmd *cobra.Command, fn func(*comfy.Client) error) error {
	client, err := c.newClient(cmd)
	if err != nil {
		return err
	}
	defer client.Close()
	return describeError(fn(client))
}

// describeError turns backend errors into one-line operator messages.
func describeError(err error) error {
	if err == nil {
		return nil
	}
	var subErr *comfy.SubmissionError
	var reqErr *comfy.RequestError
	switch {
	case errors.As(err, &subErr):
		return fmt.Errorf("workflow rejected by backend: %s", strings.TrimSpace(string(subErr.NodeErrors)))
	case errors.As(err, &reqErr):
		body := strings.TrimSpace(string(reqErr.Body))
		if body == "" {
			return fmt.Errorf("backend returned %s for %s %s", reqErr.Status, reqErr.Method, reqErr.Path)
		}
		return fmt.Errorf("backend returned %s for %s %s: %s", reqErr.Status, reqErr.Method, reqErr.Path, body)
	case errors.Is(err, comfy.ErrBackendUnreachable):
		return fmt.Errorf("backend not reachable: %w", err)
	}
	return err
}
