// Package server exposes the research pipeline over an OpenAI-compatible
// HTTP surface.
//
// POST /v1/chat/completions streams only the final assistant content.
// POST /v2/chat/completions additionally streams the research process as
// task blocks: a root research_process_block holds the stream open while
// think, search, browse and completion blocks render inside it, each
// walking message_start → message_process → message_result. GET /health
// reports pool occupancy; /metrics serves Prometheus when enabled.
//
// Requests borrow a pipeline from a fixed pool behind a weighted
// semaphore, so concurrency is bounded even while requests queue. Client
// conversation history is folded into a single task prompt, with
// summarizer-backed compression once it outgrows the configured budget.
package server
