package agent

import (
	"context"
	"fmt"

	"github.com/veritylab/trawl/pkg/llm"
)

// overflowSafetyMargin pads the overflow estimate to absorb tokenizer
// drift between the estimate and the provider's count.
const overflowSafetyMargin = 1000

// estimateInflation scales local token estimates, which undercount
// against real tokenizers.
const estimateInflation = 1.5

// wouldOverflow predicts whether a request carrying candidate as the next
// user message would exceed the model's context window. The reserve keeps
// room for the finalization prompt and a full-size completion, so the loop
// stops while a summary request can still fit.
func wouldOverflow(model LLM, lastPrompt, lastCompletion int, candidate, summaryPrompt string) bool {
	estimated := lastPrompt + lastCompletion +
		inflate(model.EstimateTokens(candidate)) +
		inflate(model.EstimateTokens(summaryPrompt)) +
		model.MaxTokens() + overflowSafetyMargin
	return estimated >= model.MaxContextLength()
}

func inflate(tokens int) int {
	return int(float64(tokens) * estimateInflation)
}

// compressHistory asks the summary model for a dense progress digest of the
// transcript. The caller swaps the conversation for the digest.
func compressHistory(ctx context.Context, summarizer LLM, h *History) (string, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: compressionSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf(compressionUserPrompt, h.Task(), h.Transcript())},
	}
	completion, err := summarizer.Generate(ctx, messages, summarizer.MaxTokens())
	if err != nil {
		return "", fmt.Errorf("context compression failed: %w", err)
	}
	summary := StripThinkTags(completion.Text)
	if summary == "" {
		return "", fmt.Errorf("context compression produced an empty summary")
	}
	return summary, nil
}
