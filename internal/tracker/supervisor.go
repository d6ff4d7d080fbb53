package tracker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kiranshivaraju/comfyrun/pkg/comfy"
)

// Connector opens the backend event stream.
type Connector interface {
	Connect(ctx context.Context) error
	IsOpen() bool
}

// Supervisor keeps the backend event stream open. Register ConnectionState
// with comfy.WithConnectionStateHook, then call Run with the client.
type Supervisor struct {
	logger     *slog.Logger
	drops      chan struct{}
	newBackOff func() backoff.BackOff
}

type SupervisorOption func(*Supervisor)

func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// WithBackOff sets the retry policy used for each reconnect round.
func WithBackOff(fn func() backoff.BackOff) SupervisorOption {
	return func(s *Supervisor) { s.newBackOff = fn }
}

func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		logger: slog.Default(),
		drops:  make(chan struct{}, 1),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// ConnectionState logs stream transitions and schedules a reconnect when the
// stream drops with an error.
func (s *Supervisor) ConnectionState(open bool, err error) {
	switch {
	case open:
		s.logger.Info("backend stream connected")
	case err != nil:
		s.logger.Warn("backend stream lost", "error", err)
		select {
		case s.drops <- struct{}{}:
		default:
		}
	default:
		s.logger.Info("backend stream closed")
	}
}

// Run connects c and reconnects it after every drop until ctx is done or the
// client is closed.
func (s *Supervisor) Run(ctx context.Context, c Connector) error {
	for {
		if err := s.connect(ctx, c); err != nil {
			if errors.Is(err, comfy.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.drops:
		}
	}
}

func (s *Supervisor) connect(ctx context.Context, c Connector) error {
	op := func() error {
		if c.IsOpen() {
			return nil
		}
		err := c.Connect(ctx)
		if errors.Is(err, comfy.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("backend stream connect failed", "error", err, "retry_in", wait)
	}
	return backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify)
}
