package agent

import (
	"strings"

	"github.com/veritylab/trawl/pkg/llm"
)

// toolResultOmitted replaces demoted tool results in the transcript.
const toolResultOmitted = "Tool result is omitted to save tokens."

// History is the conversation transcript of one attempt: a system prompt,
// the task message, then alternating assistant/user turns. Rollback and
// context-control operations mutate it in place.
type History struct {
	messages []llm.Message
	task     string
}

// NewHistory starts a transcript with the system prompt and the task.
func NewHistory(systemPrompt, task string) *History {
	return &History{
		messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: task},
		},
		task: task,
	}
}

// Task returns the original task text. Compaction rewrites the task message
// but not this value.
func (h *History) Task() string {
	return h.task
}

// Append adds a message to the end of the transcript.
func (h *History) Append(role, content string) {
	h.messages = append(h.messages, llm.Message{Role: role, Content: content})
}

// Messages returns a copy of the transcript for an LLM request.
func (h *History) Messages() []llm.Message {
	out := make([]llm.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages in the transcript.
func (h *History) Len() int {
	return len(h.messages)
}

// Last returns the final message, if any.
func (h *History) Last() (llm.Message, bool) {
	if len(h.messages) == 0 {
		return llm.Message{}, false
	}
	return h.messages[len(h.messages)-1], true
}

// PopAssistant removes the trailing message when it is an assistant turn.
// This is the rollback primitive: the bad response disappears and the model
// regenerates from the same position.
func (h *History) PopAssistant() bool {
	return h.popRole(llm.RoleAssistant)
}

// PopUser removes the trailing message when it is a user turn.
func (h *History) PopUser() bool {
	return h.popRole(llm.RoleUser)
}

func (h *History) popRole(role string) bool {
	last, ok := h.Last()
	if !ok || last.Role != role {
		return false
	}
	h.messages = h.messages[:len(h.messages)-1]
	return true
}

// PopTurnPair removes a trailing tool-result user message together with the
// assistant message that produced it. Used when a tool result overflows the
// context window.
func (h *History) PopTurnPair() bool {
	n := len(h.messages)
	if n < 2 {
		return false
	}
	if h.messages[n-1].Role != llm.RoleUser || h.messages[n-2].Role != llm.RoleAssistant {
		return false
	}
	h.messages = h.messages[:n-2]
	return true
}

// DemoteToolResults replaces all but the last keep tool-result messages
// with a placeholder, returning how many were demoted. The system prompt
// and the task message are never touched.
func (h *History) DemoteToolResults(keep int) int {
	if keep < 0 {
		return 0
	}

	var resultIdx []int
	seenTask := false
	for i, msg := range h.messages {
		if msg.Role != llm.RoleUser {
			continue
		}
		if !seenTask {
			// First user message is the task.
			seenTask = true
			continue
		}
		resultIdx = append(resultIdx, i)
	}
	if len(resultIdx) <= keep {
		return 0
	}

	demoted := 0
	for _, i := range resultIdx[:len(resultIdx)-keep] {
		if h.messages[i].Content == toolResultOmitted {
			continue
		}
		h.messages[i].Content = toolResultOmitted
		demoted++
	}
	return demoted
}

// Compact replaces everything after the system prompt with a fresh task
// message carrying the progress summary.
func (h *History) Compact(newTask string) {
	if len(h.messages) == 0 {
		return
	}
	h.messages = append(h.messages[:1:1], llm.Message{Role: llm.RoleUser, Content: newTask})
}

// Clone returns an independent copy of the transcript.
func (h *History) Clone() *History {
	return &History{messages: h.Messages(), task: h.task}
}

// Transcript renders the conversation for the compaction summarizer,
// skipping the system prompt.
func (h *History) Transcript() string {
	var b strings.Builder
	for _, msg := range h.messages {
		if msg.Role == llm.RoleSystem {
			continue
		}
		b.WriteString("[")
		b.WriteString(msg.Role)
		b.WriteString("]\n")
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}
