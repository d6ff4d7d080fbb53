package models

import (
	"encoding/json"
	"fmt"
)

// PromptRequest is the body of POST /prompt.
type PromptRequest struct {
	ClientID string          `json:"client_id"`
	Prompt   json.RawMessage `json:"prompt"`
}

// PromptResponse is returned by POST /prompt. NodeErrors maps node ids to the
// backend's validation report and is empty when the workflow was accepted.
type PromptResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// HasNodeErrors reports whether the backend rejected any node.
func (r PromptResponse) HasNodeErrors() bool {
	return len(r.NodeErrorMap()) > 0
}

// NodeErrorMap decodes NodeErrors keyed by node id. Unparseable payloads yield nil.
func (r PromptResponse) NodeErrorMap() map[string]json.RawMessage {
	if len(r.NodeErrors) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(r.NodeErrors, &m); err != nil {
		return nil
	}
	return m
}

// PromptInfo is returned by GET /prompt.
type PromptInfo struct {
	ExecInfo struct {
		QueueRemaining int `json:"queue_remaining"`
	} `json:"exec_info"`
}

// QueueEntry is one item of the backend queue. On the wire it is a positional
// array: [number, prompt_id, prompt, extra_data, outputs_to_execute].
type QueueEntry struct {
	Number   int
	PromptID string
	Prompt   json.RawMessage
}

func (e *QueueEntry) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return fmt.Errorf("queue entry: %w", err)
	}
	if len(parts) < 2 {
		return fmt.Errorf("queue entry: expected at least 2 fields, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &e.Number); err != nil {
		return fmt.Errorf("queue entry number: %w", err)
	}
	if err := json.Unmarshal(parts[1], &e.PromptID); err != nil {
		return fmt.Errorf("queue entry prompt id: %w", err)
	}
	if len(parts) > 2 {
		e.Prompt = parts[2]
	}
	return nil
}

// QueueStatus is returned by GET /queue.
type QueueStatus struct {
	Running []QueueEntry `json:"queue_running"`
	Pending []QueueEntry `json:"queue_pending"`
}

// HistoryStatus summarizes how a prompt finished.
type HistoryStatus struct {
	StatusStr string          `json:"status_str"`
	Completed bool            `json:"completed"`
	Messages  json.RawMessage `json:"messages,omitempty"`
}

// HistoryEntry is one prompt in GET /history.
type HistoryEntry struct {
	Prompt  json.RawMessage            `json:"prompt"`
	Outputs map[string]json.RawMessage `json:"outputs"`
	Status  *HistoryStatus             `json:"status,omitempty"`
}

// History maps prompt ids to their history entries.
type History map[string]HistoryEntry

type SystemInfo struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
	ComfyVersion   string `json:"comfyui_version,omitempty"`
	RAMTotal       int64  `json:"ram_total,omitempty"`
	RAMFree        int64  `json:"ram_free,omitempty"`
}

type Device struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Index          int    `json:"index"`
	VRAMTotal      int64  `json:"vram_total"`
	VRAMFree       int64  `json:"vram_free"`
	TorchVRAMTotal int64  `json:"torch_vram_total"`
	TorchVRAMFree  int64  `json:"torch_vram_free"`
}

// SystemStats is returned by GET /system_stats.
type SystemStats struct {
	System  SystemInfo `json:"system"`
	Devices []Device   `json:"devices"`
}
