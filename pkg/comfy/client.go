// Package comfy is a client for ComfyUI-compatible rendering backends. It
// submits workflows over REST and tracks each one through the backend's
// WebSocket event stream.
//
// Usage:
//
//	c, err := comfy.Dial(ctx, "127.0.0.1:8188")
//	if err != nil { ... }
//	defer c.Close()
//
//	job, err := c.Submit(ctx, workflow, comfy.ObserverFuncs{
//	    Progress: func(j *comfy.Job, p comfy.Progress) { ... },
//	})
//	err = job.Wait(ctx)
//
// A dropped event stream does not resolve tracked jobs unless the client was
// built with WithFailPendingOnDisconnect.
package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

// Client talks to one backend over a shared event stream and REST.
type Client struct {
	addr     string
	clientID string
	secure   bool
	debug    bool
	http     *http.Client
	logger   *slog.Logger
	metrics  MetricsRecorder
	registry *Registry
	stream   *stream

	failPendingOnDisconnect bool
	onConnState             func(open bool, err error)
	onStatus                func(queueRemaining int)

	queueRemaining atomic.Int64
	closed         atomic.Bool
}

// New builds a Client for addr without connecting. addr is host:port; an
// http:// or https:// prefix is accepted and selects the transport security.
func New(addr string, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{},
		logger:  slog.Default(),
		metrics: noopMetrics{},
	}
	c.addr, c.secure = parseAddr(addr)
	for _, opt := range opts {
		opt(c)
	}
	if c.clientID == "" {
		c.clientID = uuid.NewString()
	}
	c.logger = c.logger.With("component", "comfy", "client_id", c.clientID)
	c.registry = NewRegistry(c.logger)
	c.stream = newStream(c.streamURL(), c.logger, c.handleFrame, c.handleDisconnect)
	return c
}

// Dial builds a Client and opens its event stream. The client is released if
// the stream cannot be opened.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := New(addr, opts...)
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Connect opens the event stream. It is a no-op while the stream is open and
// may be called again after the stream drops.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.stream.isOpen() {
		return nil
	}
	if err := c.stream.connect(ctx); err != nil {
		return err
	}
	c.metrics.RecordStreamConnected(ctx, true)
	if c.onConnState != nil {
		c.onConnState(true, nil)
	}
	return nil
}

// Close shuts the event stream. Tracked jobs are left as they are. Close is
// idempotent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	wasOpen := c.stream.isOpen()
	err := c.stream.close()
	if wasOpen {
		c.metrics.RecordStreamConnected(context.Background(), false)
		if c.onConnState != nil {
			c.onConnState(false, nil)
		}
	}
	return err
}

func (c *Client) ClientID() string { return c.clientID }
func (c *Client) Addr() string     { return c.addr }
func (c *Client) Secure() bool     { return c.secure }
func (c *Client) Debug() bool      { return c.debug }
func (c *Client) IsOpen() bool     { return c.stream.isOpen() }

// QueueRemaining returns the queue length from the latest status event.
func (c *Client) QueueRemaining() int { return int(c.queueRemaining.Load()) }

// Registry returns the table of tracked jobs.
func (c *Client) Registry() *Registry { return c.registry }

// NewJob builds a job for workflow without submitting it.
func (c *Client) NewJob(workflow json.RawMessage, obs JobObserver) *Job {
	return newJob(c, c.registry, c.logger, c.metrics, workflow, obs)
}

// Submit builds a job and submits it. The job is returned even when submission
// fails so the caller can inspect its state.
func (c *Client) Submit(ctx context.Context, workflow json.RawMessage, obs JobObserver) (*Job, error) {
	j := c.NewJob(workflow, obs)
	if err := j.Submit(ctx); err != nil {
		return j, err
	}
	return j, nil
}

// Cancel cancels a queued or running job. See Job.Cancel.
func (c *Client) Cancel(ctx context.Context, j *Job) error {
	return j.Cancel(ctx)
}

// ClearQueue empties the backend queue and fails every tracked job.
func (c *Client) ClearQueue(ctx context.Context) error {
	if err := c.postJSON(ctx, "/queue", clearRequest{Clear: true}, nil); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	n := c.registry.failAll(forcedFailure("queue cleared"))
	c.logger.Info("queue cleared", "failed_jobs", n)
	return nil
}

// DeleteQueueItems removes ids from the backend queue and fails the matching
// tracked jobs.
func (c *Client) DeleteQueueItems(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.deleteQueueItems(ctx, ids); err != nil {
		return fmt.Errorf("delete queue items: %w", err)
	}
	n := c.registry.failMatching(ids, forcedFailure("removed from queue"))
	c.logger.Info("queue items deleted", "requested", len(ids), "failed_jobs", n)
	return nil
}

// ClearHistory empties the backend history and fails every tracked job.
func (c *Client) ClearHistory(ctx context.Context) error {
	if err := c.postJSON(ctx, "/history", clearRequest{Clear: true}, nil); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	n := c.registry.failAll(forcedFailure("history cleared"))
	c.logger.Info("history cleared", "failed_jobs", n)
	return nil
}

// DeleteHistory removes ids from the backend history and fails the matching
// tracked jobs.
func (c *Client) DeleteHistory(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.postJSON(ctx, "/history", deleteRequest{Delete: ids}, nil); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	n := c.registry.failMatching(ids, forcedFailure("removed from history"))
	c.logger.Info("history items deleted", "requested", len(ids), "failed_jobs", n)
	return nil
}

// Interrupt stops whatever prompt the backend is executing. The affected job,
// if tracked, fails when the execution_interrupted event arrives.
func (c *Client) Interrupt(ctx context.Context) error {
	if err := c.postJSON(ctx, "/interrupt", nil, nil); err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	return nil
}

type clearRequest struct {
	Clear bool `json:"clear"`
}

type deleteRequest struct {
	Delete []string `json:"delete"`
}

func (c *Client) queuePrompt(ctx context.Context, workflow json.RawMessage) (*models.PromptResponse, error) {
	var resp models.PromptResponse
	err := c.postJSON(ctx, "/prompt", models.PromptRequest{ClientID: c.clientID, Prompt: workflow}, &resp)
	if err == nil {
		return &resp, nil
	}

	// Validation failures come back as 400 with the node report in the body.
	var reqErr *RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusBadRequest {
		var rejected models.PromptResponse
		if json.Unmarshal(reqErr.Body, &rejected) == nil && rejected.HasNodeErrors() {
			return &rejected, nil
		}
	}
	return nil, fmt.Errorf("queue prompt: %w", err)
}

func (c *Client) deleteQueueItems(ctx context.Context, ids []string) error {
	return c.postJSON(ctx, "/queue", deleteRequest{Delete: ids}, nil)
}

func (c *Client) handleFrame(data []byte) {
	ev, err := decodeEvent(data)
	if err != nil {
		if c.debug {
			c.logger.Debug("dropping stream frame", "error", err, "frame", string(data))
		}
		return
	}
	c.metrics.RecordStreamEvent(context.Background(), string(ev.Type))

	switch {
	case ev.Type == EventStatus:
		c.queueRemaining.Store(int64(ev.QueueRemaining))
		if c.onStatus != nil {
			c.onStatus(ev.QueueRemaining)
		}
	case ev.Type.correlated():
		if !c.registry.Dispatch(ev) && c.debug {
			c.logger.Debug("event for untracked prompt", "type", ev.Type, "prompt_id", ev.PromptID)
		}
	default:
		if c.debug {
			c.logger.Debug("ignoring stream event", "type", ev.Type, "prompt_id", ev.PromptID)
		}
	}
}

func (c *Client) handleDisconnect(err error) {
	c.metrics.RecordStreamConnected(context.Background(), false)
	if c.onConnState != nil {
		c.onConnState(false, err)
	}
	if c.failPendingOnDisconnect {
		n := c.registry.failAll(fmt.Errorf("%w: %w", ErrForcedFailure, err))
		c.logger.Warn("failed tracked jobs after disconnect", "failed_jobs", n)
	}
}

func (c *Client) baseURL() string {
	if c.secure {
		return "https://" + c.addr
	}
	return "http://" + c.addr
}

func (c *Client) streamURL() string {
	scheme := "ws"
	if c.secure {
		scheme = "wss"
	}
	return scheme + "://" + c.addr + "/ws?" + url.Values{"clientId": {c.clientID}}.Encode()
}

func parseAddr(addr string) (string, bool) {
	secure := false
	switch {
	case strings.HasPrefix(addr, "https://"):
		secure = true
		addr = strings.TrimPrefix(addr, "https://")
	case strings.HasPrefix(addr, "http://"):
		addr = strings.TrimPrefix(addr, "http://")
	}
	return strings.TrimRight(addr, "/"), secure
}
