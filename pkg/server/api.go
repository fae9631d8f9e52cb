package server

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// OpenAI-compatible wire types. The V1 endpoint uses the standard subset;
// the V2 endpoint extends Delta with the task-block fields.

// ChatMessage is one entry of the client conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the request body of both chat endpoints.
// Sampling fields are accepted for OpenAI compatibility; the research
// pipeline uses its configured values.
type ChatCompletionRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// Delta is the streamed payload of one chunk. Assistant chunks carry
// Role/Content; task chunks additionally carry the block fields, with
// empty strings serialized so clients can key on presence of "taskstat".
type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`

	Taskstat     string  `json:"taskstat,omitempty"`
	ContentType  string  `json:"content_type,omitempty"`
	ParentTaskID *string `json:"parent_taskid,omitempty"`
	Index        *int    `json:"index,omitempty"`
	TaskContent  *string `json:"task_content,omitempty"`
	TaskID       string  `json:"taskid,omitempty"`
}

// ChunkChoice is the single choice of a streamed chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

// ChatCompletionChunk is one SSE data frame.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// ResponseMessage is the assistant message of a non-streaming response.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseChoice is the single choice of a non-streaming response.
type ResponseChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// UsageInfo aggregates token accounting over the whole task.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is the non-streaming response body.
type ChatCompletionResponse struct {
	ID      string           `json:"id"`
	Object  string           `json:"object"`
	Created int64            `json:"created"`
	Model   string           `json:"model"`
	Choices []ResponseChoice `json:"choices"`
	Usage   UsageInfo        `json:"usage"`
}

const chunkObject = "chat.completion.chunk"

// Task lifecycle stages of a V2 block.
const (
	taskStart   = "message_start"
	taskProcess = "message_process"
	taskResult  = "message_result"
)

// Content types of V2 blocks.
const (
	blockProcess       = "research_process_block"
	blockThink         = "research_think_block"
	blockSearchKeyword = "research_web_search_keyword"
	blockSearch        = "research_web_search"
	blockBrowse        = "research_web_browse"
	blockText          = "research_text_block"
	blockCompleted     = "research_completed"
)

// DefaultModelName is reported when the request names no model.
const DefaultModelName = "trawl"

// newCompletionID mints a chat-completion identifier.
func newCompletionID() string {
	id := uuid.New()
	return "chatcmpl-" + hex.EncodeToString(id[:4])
}

// taskIDer mints block identifiers: microsecond timestamps, bumped past
// the previous value so ids stay unique within one response.
type taskIDer struct {
	last int64
}

func (t *taskIDer) next() string {
	id := time.Now().UnixMicro()
	if id <= t.last {
		id = t.last + 1
	}
	t.last = id
	return strconv.FormatInt(id, 10)
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }
