package server

import (
	"encoding/json"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskIDerMintsUniqueIncreasingIDs(t *testing.T) {
	var ider taskIDer
	prev := int64(0)
	for i := 0; i < 1000; i++ {
		id, err := strconv.ParseInt(ider.next(), 10, 64)
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestNewCompletionID(t *testing.T) {
	a := newCompletionID()
	b := newCompletionID()
	assert.Regexp(t, `^chatcmpl-[0-9a-f]{8}$`, a)
	assert.NotEqual(t, a, b)
}

func TestDeltaSerializesEmptyTaskFields(t *testing.T) {
	delta := Delta{
		Taskstat:     taskStart,
		Role:         "task",
		ContentType:  blockProcess,
		ParentTaskID: strPtr(""),
		Index:        intPtr(0),
		TaskContent:  strPtr(""),
		Content:      strPtr(""),
		TaskID:       "1700000000000000",
	}
	data, err := json.Marshal(delta)
	require.NoError(t, err)

	// Clients key on field presence, so explicit empties and a zero index
	// must survive serialization.
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "", m["parent_taskid"])
	assert.Equal(t, float64(0), m["index"])
	assert.Equal(t, "", m["task_content"])
	assert.Equal(t, "", m["content"])
	assert.Equal(t, "task", m["role"])
	assert.Equal(t, "message_start", m["taskstat"])
}

func TestDeltaOmitsTaskFieldsWhenUnset(t *testing.T) {
	content := "partial answer"
	data, err := json.Marshal(Delta{Role: "assistant", Content: &content})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.NotContains(t, m, "taskstat")
	assert.NotContains(t, m, "taskid")
	assert.NotContains(t, m, "parent_taskid")
	assert.NotContains(t, m, "index")
}
