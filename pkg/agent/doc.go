// Package agent implements the deep-research loop.
//
// An Orchestrator drives an LLM through an iterative tool-use protocol:
// each assistant turn carries reasoning in <think> tags and at most one
// XML-framed tool call, each tool result comes back as the next user
// message, and the loop repeats until the model stops calling tools or the
// turn budget runs out. A finalization pass then switches the model into
// an answering role and extracts a \boxed{...} final answer, with cited
// sources resolved against the per-task search registry.
//
// Turns that cannot be used are rolled back instead of kept: malformed
// tool blocks, refusals, verbatim duplicate queries, and failed tool calls
// all erase the offending assistant message so the model regenerates from
// the same position. Five consecutive rollbacks abort the task. When an
// attempt ends without a final answer, a structured post-mortem of the
// transcript is injected into the next attempt's task text.
//
// Context growth is handled by one of three strategies: keep everything
// and stop before the window overflows, keep only the newest N tool
// results verbatim, or periodically compress the transcript with a
// summary model.
//
// Sub-agents appear in the tool catalog as "agent-" servers; invoking one
// runs a nested Orchestrator over the subtask and folds its report back in
// as a tool result.
//
// A Pipeline assembles the whole stack from configuration and streams
// Events to a Sink for the serving layer.
package agent
