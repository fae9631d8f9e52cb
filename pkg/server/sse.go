package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// sseWriter frames chat-completion chunks as server-sent events, flushing
// after every frame so proxies and clients see them immediately.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

// prepare sets the streaming response headers. Call before the first write.
func (s *sseWriter) prepare() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// data writes one data frame.
func (s *sseWriter) data(chunk ChatCompletionChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flush()
	return nil
}

// comment writes an SSE comment, used as a keep-alive heartbeat between
// events.
func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flush()
	return nil
}

// done writes the terminating sentinel.
func (s *sseWriter) done() error {
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// chunkStream stamps chunks with the response identity and writes them to
// one SSE connection.
type chunkStream struct {
	sse   *sseWriter
	id    string
	model string
}

// send writes one chunk built from delta.
func (c *chunkStream) send(delta Delta, finish *string) error {
	return c.sse.data(ChatCompletionChunk{
		ID:      c.id,
		Object:  chunkObject,
		Created: time.Now().Unix(),
		Model:   c.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
}

// role writes the opening role-only chunk.
func (c *chunkStream) role() error {
	return c.send(Delta{Role: "assistant"}, nil)
}

// finishStop writes the closing empty-delta chunk.
func (c *chunkStream) finishStop() error {
	stop := "stop"
	return c.send(Delta{}, &stop)
}
