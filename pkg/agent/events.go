package agent

import (
	"context"
	"sync"
	"time"
)

// EventKind tags orchestrator events.
type EventKind string

const (
	EventAgentStarted        EventKind = "agent_started"
	EventLLMStarted          EventKind = "llm_started"
	EventLLMChunk            EventKind = "llm_chunk"
	EventLLMEnded            EventKind = "llm_ended"
	EventParseResult         EventKind = "parse_result"
	EventToolStarted         EventKind = "tool_started"
	EventToolSucceeded       EventKind = "tool_succeeded"
	EventToolFailed          EventKind = "tool_failed"
	EventRollback            EventKind = "rollback"
	EventSubAgentStarted     EventKind = "sub_agent_started"
	EventSubAgentEnded       EventKind = "sub_agent_ended"
	EventFinalizationStarted EventKind = "finalization_started"
	EventFinalAnswer         EventKind = "final_answer"
	EventAgentEnded          EventKind = "agent_ended"
)

// TurnUsage is the token accounting of one LLM call.
type TurnUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// Event is one entry of the per-task event stream. Kind selects which
// fields are populated; events are emitted strictly in generation order.
type Event struct {
	Kind  EventKind
	Agent string
	Time  time.Time

	// Text carries the task text (agent_started, sub_agent_started), the
	// response text (llm_chunk), the sub-agent summary (sub_agent_ended),
	// or the final answer (final_answer).
	Text string

	// LLM call accounting (llm_ended).
	Usage *TurnUsage

	// Parse results (parse_result); Boxed also carries the extracted
	// answer on final_answer.
	ToolCalls []ToolCall
	Boxed     string

	// Tool identification (tool_started, tool_succeeded, tool_failed).
	Server string
	Tool   string
	Args   map[string]any

	// Payload is the framed tool output fed back to the LLM
	// (tool_succeeded).
	Payload string

	// Results are the search results newly registered by this call
	// (tool_succeeded on search tools).
	Results []SearchResult

	// Page describes the fetched page (tool_succeeded on scrape tools).
	Page *PageInfo

	// Failure detail (tool_failed, agent_ended).
	ErrorKind string
	Message   string

	// Reason a turn was rolled back (rollback).
	Reason string

	// Registry is the full source registry snapshot (final_answer).
	Registry []SearchResult

	// Outcome of the task (agent_ended).
	Outcome Outcome
}

// Sink delivers events from the orchestrator to one consumer over a
// buffered channel. Sends never block past the context: a slow consumer
// stalls the task rather than losing events, and cancellation unblocks the
// producer.
type Sink struct {
	ch        chan Event
	closeOnce sync.Once
}

// NewSink creates a sink with the given channel buffer.
func NewSink(buffer int) *Sink {
	if buffer < 0 {
		buffer = 0
	}
	return &Sink{ch: make(chan Event, buffer)}
}

// Events returns the receive side of the sink.
func (s *Sink) Events() <-chan Event {
	return s.ch
}

// Emit delivers ev, stamping its time. It reports false when the context
// ended before delivery. A nil sink discards events.
func (s *Sink) Emit(ctx context.Context, ev Event) bool {
	if s == nil {
		return true
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close closes the event channel. The producer calls this exactly once
// after the last event.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() { close(s.ch) })
}
