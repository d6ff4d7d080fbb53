package comfy

import (
	"log/slog"
	"net/http"
)

// Option configures a Client.
type Option func(*Client)

// WithClientID sets the client identity instead of generating a UUID.
func WithClientID(id string) Option {
	return func(c *Client) { c.clientID = id }
}

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithDebug logs dropped and unrecognized stream frames at debug level.
func WithDebug(debug bool) Option {
	return func(c *Client) { c.debug = debug }
}

// WithSecure switches to https and wss.
func WithSecure(secure bool) Option {
	return func(c *Client) { c.secure = secure }
}

// WithMetrics sets the recorder for request, stream and job instrumentation.
// A nil recorder keeps the no-op default.
func WithMetrics(m MetricsRecorder) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithConnectionStateHook is called whenever the event stream opens or closes.
// err is nil on open and on a Close initiated by the caller.
func WithConnectionStateHook(fn func(open bool, err error)) Option {
	return func(c *Client) { c.onConnState = fn }
}

// WithStatusHook is called with the backend queue length on every status event.
func WithStatusHook(fn func(queueRemaining int)) Option {
	return func(c *Client) { c.onStatus = fn }
}

// WithFailPendingOnDisconnect fails every tracked job with ErrConnectionLost
// when the event stream drops. By default tracked jobs stay pending and resume
// receiving events after Connect.
func WithFailPendingOnDisconnect() Option {
	return func(c *Client) { c.failPendingOnDisconnect = true }
}
