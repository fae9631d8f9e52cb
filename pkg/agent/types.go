package agent

import (
	"strings"
)

const (
	// extraAttemptsBuffer bounds total LLM turns per attempt beyond the
	// configured max_turns; rollbacks decrement the turn counter, so the
	// loop needs an absolute ceiling.
	extraAttemptsBuffer = 10

	// maxConsecutiveRollbacks aborts a task stuck in a rollback cycle.
	maxConsecutiveRollbacks = 5

	// finalAnswerRetries bounds boxed-answer retries during finalization
	// when the full history is available.
	finalAnswerRetries = 3

	// subAgentPrefix marks catalog servers that dispatch to a nested agent
	// instead of an MCP connection.
	subAgentPrefix = "agent-"

	// RoleMain is the top-level research agent.
	RoleMain = "main"
)

// Rollback reasons recorded on rollback events. Tool execution failures use
// the tool result's error kind instead.
const (
	RollbackFormat         = "format"
	RollbackParse          = "parse"
	RollbackRefusal        = "refusal"
	RollbackDuplicateQuery = "duplicate_query"
)

// Outcome classifies how a task ended.
type Outcome string

const (
	// OutcomeSuccess means a final boxed answer was produced.
	OutcomeSuccess Outcome = "success"
	// OutcomeMaxTurns means the turn budget ran out and no answer was
	// recovered across attempts.
	OutcomeMaxTurns Outcome = "max_turns"
	// OutcomeTooManyRollbacks means the loop aborted after five consecutive
	// rollbacks.
	OutcomeTooManyRollbacks Outcome = "too_many_rollbacks"
	// OutcomeFatal means the task died on an unrecoverable error: LLM
	// transport exhaustion, cancellation, or timeout.
	OutcomeFatal Outcome = "fatal"
)

// ToolCall is one tool invocation extracted from an assistant response.
type ToolCall struct {
	Server string
	Tool   string
	Args   map[string]any
}

// Result is the outcome of one task run.
type Result struct {
	Outcome Outcome

	// FinalAnswer is the extracted boxed answer. Empty unless Outcome is
	// OutcomeSuccess.
	FinalAnswer string

	// FinalText is the complete final LLM response, think tags included,
	// kept for display and logging.
	FinalText string

	// Turns is the turn counter at termination of the last attempt.
	Turns int

	// Attempts is how many whole-loop attempts ran.
	Attempts int

	// Sources is the search-result registry accumulated over the task, in
	// index order. Citations in FinalAnswer resolve against it.
	Sources []SearchResult

	// Err carries the fatal error for OutcomeFatal.
	Err error
}

// ErrorMessage returns a short human-readable failure description for
// non-success outcomes, used for the closing error block on the stream.
func (r Result) ErrorMessage() string {
	switch r.Outcome {
	case OutcomeTooManyRollbacks:
		return "Task aborted after too many consecutive rollbacks."
	case OutcomeMaxTurns:
		return "No final answer produced within the turn budget."
	case OutcomeFatal:
		if r.Err != nil {
			return r.Err.Error()
		}
		return "Task failed with an unrecoverable error."
	default:
		return ""
	}
}

// stringArg returns args[key] when it is a non-empty string.
func stringArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if s, ok := args[key].(string); ok {
		return s
	}
	return ""
}

// firstStringArg returns the first non-blank string value among keys.
func firstStringArg(args map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := stringArg(args, key); strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
