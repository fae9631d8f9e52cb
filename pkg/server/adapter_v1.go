package server

import (
	"fmt"

	"github.com/veritylab/trawl/pkg/agent"
)

// adapterV1 is the plain OpenAI-compatible rendering: the research process
// stays invisible and only the final assistant content is streamed.
type adapterV1 struct {
	out      *chunkStream
	answered bool
}

func newAdapterV1(out *chunkStream) *adapterV1 {
	return &adapterV1{out: out}
}

func (a *adapterV1) handle(ev agent.Event) error {
	if ev.Kind != agent.EventFinalAnswer {
		return nil
	}
	clean, _ := extractCitations(answerText(ev))
	a.answered = true
	for _, piece := range splitChunks(clean, maxChunkRunes) {
		if err := a.out.send(Delta{Content: strPtr(piece)}, nil); err != nil {
			return err
		}
	}
	return nil
}

func (a *adapterV1) finish(res agent.Result) error {
	if a.answered {
		return nil
	}
	msg := res.ErrorMessage()
	if msg == "" {
		msg = "Task produced no answer."
	}
	errText := fmt.Sprintf("\n\n❌ **Error:** %s\n\n", msg)
	return a.out.send(Delta{Content: strPtr(errText)}, nil)
}
