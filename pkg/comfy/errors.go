package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/kiranshivaraju/comfyrun/pkg/models"
)

// Sentinel errors for backend and job failures.
var (
	ErrBackendUnreachable = errors.New("comfy backend unreachable")
	ErrBackendTimeout     = errors.New("comfy backend timeout")
	ErrRequest            = errors.New("comfy request failed")
	ErrSubmission         = errors.New("workflow rejected by backend")
	ErrExecution          = errors.New("workflow execution failed")
	ErrInvalidState       = errors.New("invalid job state")
	ErrProtocol           = errors.New("malformed stream frame")
	ErrConnection         = errors.New("event stream connection error")
	ErrConnectionLost     = errors.New("event stream connection lost")
	ErrForcedFailure      = errors.New("job forced to fail")
	ErrCancelled          = errors.New("job cancelled")
	ErrClosed             = errors.New("client closed")
)

// RequestError is returned when the backend answers with a non-2xx status.
type RequestError struct {
	Method     string
	Path       string
	StatusCode int
	Status     string
	Body       []byte
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Method, e.Path, e.Status)
}

func (e *RequestError) Unwrap() error { return ErrRequest }

// SubmissionError carries the per-node validation report returned by POST /prompt.
type SubmissionError struct {
	PromptID   string
	NodeErrors json.RawMessage
}

func (e *SubmissionError) Error() string {
	var nodes map[string]json.RawMessage
	_ = json.Unmarshal(e.NodeErrors, &nodes)
	return fmt.Sprintf("workflow rejected: %d node error(s)", len(nodes))
}

func (e *SubmissionError) Unwrap() error { return ErrSubmission }

// ExecutionError carries the raw data of an execution_error or
// execution_interrupted event.
type ExecutionError struct {
	Type     EventType
	PromptID string
	NodeID   string
	Message  string
	Data     json.RawMessage
}

func (e *ExecutionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s on node %q: %s", e.Type, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s for prompt %s", e.Type, e.PromptID)
}

func (e *ExecutionError) Unwrap() error { return ErrExecution }

// StateError reports an operation attempted in a state that does not allow it.
type StateError struct {
	Op    string
	State models.JobState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s job in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// ProtocolError describes a stream frame that could not be decoded.
type ProtocolError struct {
	Frame []byte
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed frame: %v", e.Err)
}

func (e *ProtocolError) Unwrap() []error { return []error{ErrProtocol, e.Err} }

func forcedFailure(op string) error {
	return fmt.Errorf("%w: %s", ErrForcedFailure, op)
}

// classifyError maps transport-level errors to sentinel errors. A cancelled
// context is returned as is; it is the caller giving up, not the backend.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrBackendTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrBackendTimeout, err)
	}

	return fmt.Errorf("%w: %w", ErrBackendUnreachable, err)
}
