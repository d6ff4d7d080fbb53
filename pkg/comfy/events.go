package comfy

import (
	"encoding/json"
	"errors"
)

// EventType discriminates stream frames.
type EventType string

const (
	EventStatus               EventType = "status"
	EventExecuting            EventType = "executing"
	EventProgress             EventType = "progress"
	EventExecuted             EventType = "executed"
	EventExecutionStart       EventType = "execution_start"
	EventExecutionCached      EventType = "execution_cached"
	EventExecutionSuccess     EventType = "execution_success"
	EventExecutionError       EventType = "execution_error"
	EventExecutionInterrupted EventType = "execution_interrupted"
)

// correlated reports whether events of this type are routed to a job.
func (t EventType) correlated() bool {
	switch t {
	case EventExecuting, EventProgress, EventExecuted, EventExecutionError, EventExecutionInterrupted:
		return true
	}
	return false
}

// Event is a decoded stream frame.
type Event struct {
	Type     EventType
	PromptID string
	// Node is nil on an executing event that marks the end of the prompt.
	Node           *string
	Value          int
	Max            int
	Output         json.RawMessage
	QueueRemaining int
	Data           json.RawMessage
}

type wireFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wireData struct {
	PromptID string          `json:"prompt_id"`
	Node     *string         `json:"node"`
	Value    int             `json:"value"`
	Max      int             `json:"max"`
	Output   json.RawMessage `json:"output"`
	Status   *struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}

var errMissingType = errors.New("missing type")

// decodeEvent parses a text frame. Unknown types decode successfully; only
// frames that are not JSON objects with a type are rejected.
func decodeEvent(raw []byte) (Event, error) {
	var f wireFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Event{}, &ProtocolError{Frame: raw, Err: err}
	}
	if f.Type == "" {
		return Event{}, &ProtocolError{Frame: raw, Err: errMissingType}
	}

	ev := Event{Type: EventType(f.Type), Data: f.Data}
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return ev, nil
	}

	var d wireData
	if err := json.Unmarshal(f.Data, &d); err != nil {
		if ev.Type.correlated() || ev.Type == EventStatus {
			return Event{}, &ProtocolError{Frame: raw, Err: err}
		}
		return ev, nil
	}
	ev.PromptID = d.PromptID
	ev.Node = d.Node
	ev.Value = d.Value
	ev.Max = d.Max
	ev.Output = d.Output
	if d.Status != nil {
		ev.QueueRemaining = d.Status.ExecInfo.QueueRemaining
	}
	return ev, nil
}

// executionError builds the error delivered for a failure event.
func executionError(ev Event) *ExecutionError {
	var d struct {
		NodeID           string `json:"node_id"`
		ExceptionMessage string `json:"exception_message"`
	}
	_ = json.Unmarshal(ev.Data, &d)
	return &ExecutionError{
		Type:     ev.Type,
		PromptID: ev.PromptID,
		NodeID:   d.NodeID,
		Message:  d.ExceptionMessage,
		Data:     ev.Data,
	}
}
