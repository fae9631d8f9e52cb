package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/veritylab/trawl/pkg/config"
	"github.com/veritylab/trawl/pkg/llm"
	"github.com/veritylab/trawl/pkg/tokens"
)

// compressionBudget bounds the summarizer completion for history folding.
const compressionBudget = 1000

const compressionPromptTemplate = `You are a context compression assistant. Your task is to analyze a conversation history and determine if it is relevant to the current question. If relevant, extract key information; if not relevant, explicitly state that the history is unrelated.

**Current Question:**
%s

**Conversation History:**
%s

**Instructions:**

**Step 1: Relevance Assessment (CRITICAL)**
First, determine if the conversation history has ANY meaningful connection to the current question:
- Does the history discuss the same topic, domain, or subject matter?
- Are there shared entities, concepts, or themes?
- Would information from the history actually help answer the current question?

**Step 2: Action Based on Relevance**

If RELEVANT (history is related to current question):
- Extract key facts, data, conclusions, or context from the history
- Include previous questions/topics that directly relate
- Include constraints, preferences, or requirements mentioned earlier
- Summarize in a concise format (max 500 words)

If NOT RELEVANT (history is unrelated to current question):
- Output ONLY: "No relevant context from previous conversation."
- DO NOT attempt to extract or summarize unrelated information
- DO NOT force connections between unrelated topics

**Critical Rules:**
❌ DO NOT let unrelated history influence or pollute the current question
❌ DO NOT assume continuity when topics have clearly changed
❌ DO NOT include information "just in case" - be selective and strict
✅ DO treat the current question independently if history is unrelated
✅ DO acknowledge when starting a new, unrelated topic
✅ DO only include context that DIRECTLY helps answer the current question

**Output Format:**

If relevant:
# Relevant Context

[Concise summary of relevant information from history]

If not relevant:
No relevant context from previous conversation.

Remember: The history is for REFERENCE ONLY. It should NOT be treated as required context unless it is truly relevant to the current question. When in doubt, err on the side of declaring it irrelevant.`

// historySummarizer is the LLM surface history compression needs.
type historySummarizer interface {
	Generate(ctx context.Context, messages []llm.Message, maxTokens int) (llm.Completion, error)
}

// HistoryFolder folds a multi-turn client conversation into a single task
// prompt. Short histories are inlined verbatim; oversized ones are
// compressed through the summarizer against the current question, falling
// back to blunt truncation when the summarizer fails.
type HistoryFolder struct {
	cfg        config.HistoryConfig
	model      string
	summarizer historySummarizer
	counter    *tokens.Counter
}

// NewHistoryFolder creates a folder. model selects the token encoding and
// may differ from the summarizer's serving model.
func NewHistoryFolder(cfg config.HistoryConfig, model string, summarizer historySummarizer) *HistoryFolder {
	return &HistoryFolder{
		cfg:        cfg,
		model:      model,
		summarizer: summarizer,
		counter:    tokens.Default(),
	}
}

// Fold renders messages into the task prompt. An empty result means no
// usable user message was found.
func (f *HistoryFolder) Fold(ctx context.Context, messages []ChatMessage) string {
	if len(messages) == 0 {
		return ""
	}
	if len(messages) == 1 {
		return messages[0].Content
	}

	total := 0
	for _, m := range messages {
		total += f.counter.Count(m.Content, f.model)
	}
	question := messages[len(messages)-1].Content
	history := messages[:len(messages)-1]

	if !f.cfg.IsCompressionEnabled() || total <= f.cfg.MaxHistoryTokens {
		return simpleHistory(messages)
	}

	slog.Info("Compressing client conversation history",
		"messages", len(messages), "tokens", total, "threshold", f.cfg.MaxHistoryTokens)
	compressed := f.compress(ctx, history, question)
	return compressed + "\n\n# Current Question\n\n" + question
}

// simpleHistory inlines the full conversation, turn by turn.
func simpleHistory(messages []ChatMessage) string {
	parts := []string{"# Conversation History\n"}
	for i, m := range messages[:len(messages)-1] {
		turn := i + 1
		switch m.Role {
		case "user":
			parts = append(parts, fmt.Sprintf("\n**User (Turn %d):**\n%s\n", turn, m.Content))
		case "assistant":
			parts = append(parts, fmt.Sprintf("\n**Assistant (Turn %d):**\n%s\n", turn, m.Content))
		case "system":
			parts = append(parts, fmt.Sprintf("\n**System:**\n%s\n", m.Content))
		}
	}
	parts = append(parts, "\n# Current Question\n\n"+messages[len(messages)-1].Content)
	return strings.Join(parts, "\n")
}

// compress asks the summarizer to extract the history relevant to the
// current question.
func (f *HistoryFolder) compress(ctx context.Context, history []ChatMessage, question string) string {
	var convo strings.Builder
	for i, m := range history {
		fmt.Fprintf(&convo, "[Turn %d] %s: %s\n\n", i+1, strings.ToUpper(m.Role), m.Content)
	}
	prompt := fmt.Sprintf(compressionPromptTemplate, question, convo.String())

	completion, err := f.summarizer.Generate(ctx, []llm.Message{{Role: "user", Content: prompt}}, compressionBudget)
	if err != nil {
		slog.Warn("History compression failed, falling back to truncation", "error", err)
		return fallbackSummary(history)
	}
	return strings.TrimSpace(completion.Text)
}

// fallbackSummary clips each exchange to its opening characters when the
// summarizer is unavailable.
func fallbackSummary(history []ChatMessage) string {
	var summaries []string
	for i := 0; i < len(history); i += 2 {
		entry := "- Q: " + clip(history[i].Content, 150)
		if i+1 < len(history) {
			entry += "\n  A: " + clip(history[i+1].Content, 300)
		}
		summaries = append(summaries, entry)
	}
	return "# Previous Conversation Summary\n\n" + strings.Join(summaries, "\n\n")
}

func clip(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
