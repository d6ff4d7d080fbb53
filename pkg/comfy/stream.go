package comfy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// stream owns the event connection. One goroutine reads text frames in order
// and hands them to onFrame; binary preview frames are skipped.
type stream struct {
	url     string
	dialer  ws.Dialer
	logger  *slog.Logger
	onFrame func(data []byte)
	onClose func(err error)

	mu     sync.Mutex
	conn   *streamConn
	open   atomic.Bool
	closed atomic.Bool
	done   chan struct{}

	// dispatching is set while the reader runs onFrame or onClose.
	dispatching atomic.Bool
}

// streamConn reads through the handshake buffer when the dialer returned one
// and serializes writes between the reader's control replies and Close.
type streamConn struct {
	net.Conn
	r   io.Reader
	wmu sync.Mutex
}

func (c *streamConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *streamConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.Conn.Write(p)
}

func newStream(url string, logger *slog.Logger, onFrame func([]byte), onClose func(error)) *stream {
	return &stream{
		url:     url,
		logger:  logger,
		onFrame: onFrame,
		onClose: onClose,
	}
}

// connect dials the backend and starts the read loop. It is a no-op when the
// stream is already open.
func (s *stream) connect(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open.Load() {
		return nil
	}

	raw, br, _, err := s.dialer.Dial(ctx, s.url)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrConnection, s.url, err)
	}
	conn := &streamConn{Conn: raw, r: raw}
	if br != nil {
		conn.r = br
	}

	s.conn = conn
	s.done = make(chan struct{})
	s.open.Store(true)
	s.logger.Info("event stream connected", "url", s.url)

	go s.readLoop(conn, s.done)
	return nil
}

func (s *stream) readLoop(conn *streamConn, done chan struct{}) {
	defer close(done)
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			s.open.Store(false)
			if s.closed.Load() {
				return
			}
			var closedErr wsutil.ClosedError
			if errors.As(err, &closedErr) {
				s.logger.Info("event stream closed by backend", "code", closedErr.Code, "reason", closedErr.Reason)
			} else {
				s.logger.Warn("event stream read error", "error", err)
			}
			s.detach(conn)
			_ = conn.Close()
			if s.onClose != nil {
				s.dispatch(func() { s.onClose(fmt.Errorf("%w: %w", ErrConnectionLost, err)) })
			}
			return
		}
		s.dispatch(func() { s.onFrame(data) })
	}
}

func (s *stream) dispatch(fn func()) {
	s.dispatching.Store(true)
	defer s.dispatching.Store(false)
	fn()
}

// detach forgets conn once the reader has torn it down, so close has nothing
// left to release.
func (s *stream) detach(conn *streamConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
}

func (s *stream) isOpen() bool {
	return s.open.Load()
}

// close sends a close frame and tears down the connection. Safe to call more
// than once. It waits for the read loop to exit, except when called from a
// frame or close callback running on that loop.
func (s *stream) close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	conn, done := s.conn, s.done
	s.mu.Unlock()
	s.open.Store(false)
	if conn == nil {
		return nil
	}

	body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
	_ = wsutil.WriteClientMessage(conn, ws.OpClose, body)
	err := conn.Close()
	if !s.dispatching.Load() {
		<-done
	}
	return err
}
