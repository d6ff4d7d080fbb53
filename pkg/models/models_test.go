package models_test

import (
	"encoding/json"
	"testing"

	"github.com/kiranshivaraju/comfyrun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    models.JobState
		terminal bool
		active   bool
	}{
		{models.JobStateBuilding, false, false},
		{models.JobStateQueued, false, true},
		{models.JobStateRunning, false, true},
		{models.JobStateCompleted, true, false},
		{models.JobStateFailed, true, false},
		{models.JobStateCancelled, true, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
			assert.Equal(t, tt.active, tt.state.IsActive())
		})
	}
}

func TestPromptResponse_NodeErrors(t *testing.T) {
	var accepted models.PromptResponse
	require.NoError(t, json.Unmarshal([]byte(`{"prompt_id":"p1","number":3,"node_errors":{}}`), &accepted))
	assert.Equal(t, "p1", accepted.PromptID)
	assert.Equal(t, 3, accepted.Number)
	assert.False(t, accepted.HasNodeErrors())

	var rejected models.PromptResponse
	require.NoError(t, json.Unmarshal([]byte(`{"prompt_id":"p2","node_errors":{"4":{"errors":[{"type":"required_input_missing"}]}}}`), &rejected))
	assert.True(t, rejected.HasNodeErrors())
	assert.Contains(t, rejected.NodeErrorMap(), "4")
}

func TestQueueStatus_DecodesPositionalEntries(t *testing.T) {
	body := `{"queue_running":[[7,"abc",{"1":{}},{},["9"]]],"queue_pending":[[8,"def",{}],[9,"ghi"]]}`

	var qs models.QueueStatus
	require.NoError(t, json.Unmarshal([]byte(body), &qs))

	require.Len(t, qs.Running, 1)
	assert.Equal(t, 7, qs.Running[0].Number)
	assert.Equal(t, "abc", qs.Running[0].PromptID)
	require.Len(t, qs.Pending, 2)
	assert.Equal(t, "ghi", qs.Pending[1].PromptID)
	assert.Nil(t, qs.Pending[1].Prompt)
}

func TestQueueEntry_RejectsShortArray(t *testing.T) {
	var e models.QueueEntry
	err := json.Unmarshal([]byte(`[1]`), &e)
	assert.Error(t, err)
}

func TestParseResourceKind(t *testing.T) {
	k, err := models.ParseResourceKind("")
	require.NoError(t, err)
	assert.Equal(t, models.ResourceInput, k)

	k, err = models.ParseResourceKind("temp")
	require.NoError(t, err)
	assert.Equal(t, models.ResourceTemp, k)

	_, err = models.ParseResourceKind("cache")
	assert.Error(t, err)
}
