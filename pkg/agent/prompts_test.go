package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritylab/trawl/pkg/mcp"
)

func testCatalog() []mcp.ServerTools {
	return []mcp.ServerTools{
		{Server: "serper", Tools: []mcp.ToolInfo{{
			Name:        "google_search",
			Description: "Search the web",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"q": map[string]any{"type": "string"}},
				"required":   []string{"q"},
			},
		}}},
		{Server: "firecrawl", Tools: []mcp.ToolInfo{{
			Name:        "scrape",
			Description: "Fetch a page",
			InputSchema: map[string]any{"type": "object"},
		}}},
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	prompt := BuildSystemPrompt(now, testCatalog(), RoleMain)

	// Protocol contract and date.
	assert.Contains(t, prompt, "Today is: 2025-03-14")
	assert.Contains(t, prompt, "# Tool-Use Formatting Instructions")
	assert.Contains(t, prompt, "<use_mcp_tool>")
	assert.Contains(t, prompt, "Here are the functions available in JSONSchema format:")

	// Catalog rendering.
	assert.Contains(t, prompt, "## Server name: serper")
	assert.Contains(t, prompt, "### Tool name: google_search")
	assert.Contains(t, prompt, "Description: Search the web")
	assert.Contains(t, prompt, `"required":["q"]`)
	assert.Contains(t, prompt, "## Server name: firecrawl")

	// Objectives.
	assert.Contains(t, prompt, "# General Objective")
	assert.Contains(t, prompt, "INFORMATION GATHERING ONLY")

	// Sections appear in order: preamble, servers, objective.
	serverIdx := strings.Index(prompt, "## Server name: serper")
	objectiveIdx := strings.Index(prompt, "# General Objective")
	require.Greater(t, serverIdx, 0)
	assert.Greater(t, objectiveIdx, serverIdx)
}

func TestBuildSystemPromptEmptySchema(t *testing.T) {
	catalog := []mcp.ServerTools{{Server: "s", Tools: []mcp.ToolInfo{{Name: "t", Description: "d"}}}}
	prompt := BuildSystemPrompt(time.Now(), catalog, RoleMain)
	assert.Contains(t, prompt, "Input JSON schema: {}")
}

func TestRoleObjective(t *testing.T) {
	main := RoleObjective(RoleMain)
	assert.Contains(t, main, "INFORMATION GATHERING ONLY")
	assert.Contains(t, main, "DO NOT write final answers")

	browsing := RoleObjective("browsing")
	assert.Contains(t, browsing, "searching and browsing the web")
	assert.NotContains(t, browsing, "INFORMATION GATHERING ONLY")

	// Any non-main role gets the browsing objective.
	assert.Equal(t, browsing, RoleObjective("coding"))
}

func TestSummarizePromptMain(t *testing.T) {
	prompt := SummarizePrompt(RoleMain, "What is the tallest building?")
	assert.Contains(t, prompt, `"What is the tallest building?"`)
	assert.Contains(t, prompt, "Role Change")
	assert.Contains(t, prompt, `<researchrefsource data-ids="[N]"></researchrefsource>`)
	assert.Contains(t, prompt, `\boxed{`)
	assert.Contains(t, prompt, "Do NOT call any tools")
}

func TestSummarizePromptBrowsing(t *testing.T) {
	prompt := SummarizePrompt("browsing", "Find the release date.")
	assert.Contains(t, prompt, `"Find the release date."`)
	assert.Contains(t, prompt, "your conversation history will be deleted")
	assert.Contains(t, prompt, "must NOT initiate any further tool use")
	assert.Contains(t, prompt, `\boxed{`)
	assert.NotContains(t, prompt, "researchrefsource")
}

func TestBuildFailureExperience(t *testing.T) {
	assert.Empty(t, BuildFailureExperience(nil))

	block := BuildFailureExperience([]string{"first summary", "second summary"})
	assert.Contains(t, block, "=== Previous Attempts Analysis ===")
	assert.Contains(t, block, "[Attempt 1]\nfirst summary")
	assert.Contains(t, block, "[Attempt 2]\nsecond summary")
	assert.Contains(t, block, "=== End of Analysis ===")
	assert.Contains(t, block, "different strategy")

	// Appended to a task, the block reads as a suffix.
	assert.True(t, strings.HasPrefix(block, "\n\n"))
}

func TestBuildCompressedTask(t *testing.T) {
	text := BuildCompressedTask("original task", "  progress so far  ")
	assert.True(t, strings.HasPrefix(text, "original task"))
	assert.Contains(t, text, "=== Research Progress Summary ===\nprogress so far\n=== End of Summary ===")
	assert.Contains(t, text, "without repeating work that is already done")
}

func TestIsRefusal(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"time constraint", "Given the time constraint, here is a partial answer", true},
		{"straight apostrophe", "I'm sorry, but I can't help with that", true},
		{"curly apostrophe", "I’m sorry, but I can’t help with that", true},
		{"cannot solve", "I'm sorry, I cannot solve this", true},
		{"plain answer", "The answer is 42", false},
		{"apology without refusal", "Sorry for the delay, here it is", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRefusal(tt.text))
		})
	}
}

func TestFailureSummaryAssistantPrefix(t *testing.T) {
	assert.True(t, strings.HasPrefix(FailureSummaryAssistantPrefix, "<think>\n"))
	assert.True(t, strings.HasSuffix(FailureSummaryAssistantPrefix, "</think>\n\n"))
	// Stripping the prefix plus a continuation leaves just the continuation.
	out := StripThinkTags(FailureSummaryAssistantPrefix + "Failure type: blocked")
	assert.Equal(t, "Failure type: blocked", out)
}
