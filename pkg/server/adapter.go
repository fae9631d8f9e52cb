package server

import (
	"github.com/veritylab/trawl/pkg/agent"
)

// maxChunkRunes bounds the text carried by one streamed chunk; longer
// content is split to keep the stream lively.
const maxChunkRunes = 500

// streamAdapter renders orchestrator events as chat-completion chunks.
// Implementations are single-connection state machines and not safe for
// concurrent use.
type streamAdapter interface {
	// handle renders one event.
	handle(ev agent.Event) error

	// finish closes any open stream structure after the event channel has
	// drained. res carries the task outcome; failed tasks surface their
	// error here. The caller appends the finish_reason chunk and the
	// [DONE] sentinel.
	finish(res agent.Result) error
}

// splitChunks cuts text into rune-bounded pieces, preserving order.
func splitChunks(text string, size int) []string {
	runes := []rune(text)
	if len(runes) <= size {
		if text == "" {
			return nil
		}
		return []string{text}
	}
	pieces := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}

// answerText selects the displayable answer from a final-answer event: the
// boxed extraction when present, otherwise the full response with think
// tags removed.
func answerText(ev agent.Event) string {
	if ev.Boxed != "" {
		return ev.Boxed
	}
	return agent.StripThinkTags(ev.Text)
}
