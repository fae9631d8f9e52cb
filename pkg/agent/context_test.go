package agent

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritylab/trawl/pkg/llm"
)

func TestWouldOverflow(t *testing.T) {
	model := newScriptedLLM()
	model.window = 10_000
	model.budget = 1_000

	// 400 chars estimate to 100 tokens, inflated to 150.
	candidate := strings.Repeat("c", 400)
	summary := strings.Repeat("s", 400)

	// 5000 + 500 + 150 + 150 + 1000 + 1000 = 7800 < 10000.
	assert.False(t, wouldOverflow(model, 5_000, 500, candidate, summary))

	// 7500 + 500 + 150 + 150 + 1000 + 1000 = 10300 >= 10000.
	assert.True(t, wouldOverflow(model, 7_500, 500, candidate, summary))
}

func TestWouldOverflowReservesCompletionBudget(t *testing.T) {
	model := newScriptedLLM()
	model.window = 10_000

	// Identical usage flips with a larger completion reserve.
	model.budget = 100
	assert.False(t, wouldOverflow(model, 7_500, 500, "", ""))
	model.budget = 2_000
	assert.True(t, wouldOverflow(model, 7_500, 500, "", ""))
}

func TestCompressHistory(t *testing.T) {
	summarizer := newScriptedLLM("<think>condensing</think>\nFound three candidate dates so far.")
	h := NewHistory("sys", "find the date")
	h.Append(llm.RoleAssistant, "searching")
	h.Append(llm.RoleUser, "results")

	summary, err := compressHistory(context.Background(), summarizer, h)
	require.NoError(t, err)
	assert.Equal(t, "Found three candidate dates so far.", summary)

	require.Equal(t, 1, summarizer.callCount())
	req := summarizer.call(0)
	require.Len(t, req, 2)
	assert.Equal(t, llm.RoleSystem, req[0].Role)
	assert.Contains(t, req[0].Content, "compress research transcripts")
	assert.Contains(t, req[1].Content, `"find the date"`)
	assert.Contains(t, req[1].Content, "[assistant]\nsearching")
	// The system prompt is not fed to the summarizer.
	assert.NotContains(t, req[1].Content, "sys")
}

func TestCompressHistoryErrors(t *testing.T) {
	failing := newScriptedLLM()
	failing.errs[0] = fmt.Errorf("boom")
	h := NewHistory("sys", "task")
	_, err := compressHistory(context.Background(), failing, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context compression failed")

	empty := newScriptedLLM("<think>only thoughts</think>")
	_, err = compressHistory(context.Background(), empty, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty summary")
}
