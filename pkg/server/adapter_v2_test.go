package server

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritylab/trawl/pkg/agent"
)

// newTestStream builds a chunkStream writing into a recorder.
func newTestStream() (*chunkStream, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	return &chunkStream{sse: newSSEWriter(rec), id: "chatcmpl-test", model: "trawl"}, rec
}

// decodeFrames parses SSE data frames back into chunks, skipping comments
// and the [DONE] sentinel.
func decodeFrames(t *testing.T, body string) []ChatCompletionChunk {
	t.Helper()
	var chunks []ChatCompletionChunk
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" || strings.HasPrefix(frame, ":") {
			continue
		}
		payload := strings.TrimPrefix(frame, "data: ")
		if payload == "[DONE]" {
			continue
		}
		var chunk ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(payload), &chunk), "frame %q", frame)
		chunks = append(chunks, chunk)
	}
	return chunks
}

// capturedBlock is one task block reassembled from a V2 stream.
type capturedBlock struct {
	id          string
	contentType string
	index       int
	start       string
	process     []string
	closed      bool
}

// capturedStream is a reassembled V2 response with its structural contract
// already verified: blocks open before they emit, close exactly once,
// children carry the root as parent, first-seen indices strictly increase,
// and nothing but assistant chunks follows the root closure.
type capturedStream struct {
	rootID    string
	blocks    []*capturedBlock
	byID      map[string]*capturedBlock
	assistant []string
	order     []string
}

func reassemble(t *testing.T, chunks []ChatCompletionChunk) *capturedStream {
	t.Helper()
	cs := &capturedStream{byID: make(map[string]*capturedBlock)}
	lastIndex := -1
	assistantIndex := -1
	rootClosed := false
	require.NotEmpty(t, chunks)
	id, model := chunks[0].ID, chunks[0].Model
	require.Regexp(t, `^chatcmpl-`, id)

	for _, chunk := range chunks {
		require.Equal(t, id, chunk.ID)
		require.Equal(t, chunkObject, chunk.Object)
		require.Equal(t, model, chunk.Model)
		require.NotZero(t, chunk.Created)
		require.Len(t, chunk.Choices, 1)
		require.Equal(t, 0, chunk.Choices[0].Index)
		require.Nil(t, chunk.Choices[0].FinishReason)

		delta := chunk.Choices[0].Delta
		switch delta.Role {
		case "task":
			require.False(t, rootClosed, "task chunk after root closure")
			require.NotEmpty(t, delta.TaskID)
			require.NotNil(t, delta.Index)
			require.NotNil(t, delta.ParentTaskID)
			require.NotNil(t, delta.TaskContent)
			require.NotNil(t, delta.Content)
			require.Empty(t, *delta.Content)

			b, seen := cs.byID[delta.TaskID]
			switch delta.Taskstat {
			case taskStart:
				require.False(t, seen, "block %s started twice", delta.TaskID)
				require.Greater(t, *delta.Index, lastIndex, "block indices must increase")
				lastIndex = *delta.Index
				b = &capturedBlock{
					id:          delta.TaskID,
					contentType: delta.ContentType,
					index:       *delta.Index,
					start:       *delta.TaskContent,
				}
				cs.byID[delta.TaskID] = b
				cs.blocks = append(cs.blocks, b)
				if cs.rootID == "" {
					cs.rootID = delta.TaskID
					require.Empty(t, *delta.ParentTaskID, "root must have no parent")
				} else {
					require.Equal(t, cs.rootID, *delta.ParentTaskID)
				}
			case taskProcess, taskResult:
				require.True(t, seen, "block %s emitted before its start", delta.TaskID)
				require.False(t, b.closed, "block %s emitted after its result", delta.TaskID)
				require.Equal(t, b.index, *delta.Index)
				require.Equal(t, b.contentType, delta.ContentType)
				if delta.Taskstat == taskProcess {
					b.process = append(b.process, *delta.TaskContent)
				} else {
					b.closed = true
					if delta.TaskID == cs.rootID {
						rootClosed = true
					}
				}
			default:
				t.Fatalf("unknown taskstat %q", delta.Taskstat)
			}
			cs.order = append(cs.order, delta.Taskstat+":"+delta.ContentType)

		case "assistant":
			require.NotNil(t, delta.Index)
			require.NotNil(t, delta.Content)
			require.Empty(t, delta.Taskstat)
			require.Empty(t, delta.TaskID)
			if assistantIndex == -1 {
				assistantIndex = *delta.Index
				require.Greater(t, assistantIndex, lastIndex, "assistant index must follow block indices")
			} else {
				require.Equal(t, assistantIndex, *delta.Index, "assistant chunks must share one index")
			}
			cs.assistant = append(cs.assistant, *delta.Content)
			cs.order = append(cs.order, "assistant")

		default:
			t.Fatalf("unexpected delta role %q", delta.Role)
		}
	}

	for _, b := range cs.blocks {
		require.True(t, b.closed, "block %s (%s) never closed", b.id, b.contentType)
	}
	return cs
}

// captureV2 drives a full event sequence through the V2 adapter and
// reassembles the resulting stream.
func captureV2(t *testing.T, events []agent.Event, res agent.Result) *capturedStream {
	t.Helper()
	out, rec := newTestStream()
	a := newAdapterV2(out)
	for _, ev := range events {
		require.NoError(t, a.handle(ev))
	}
	require.NoError(t, a.finish(res))
	return reassemble(t, decodeFrames(t, rec.Body.String()))
}

func (cs *capturedStream) blocksOf(contentType string) []*capturedBlock {
	var out []*capturedBlock
	for _, b := range cs.blocks {
		if b.contentType == contentType {
			out = append(out, b)
		}
	}
	return out
}

func (cs *capturedStream) startLabel(t *testing.T, b *capturedBlock) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(b.start), &payload))
	return payload
}

func searchFixture() ([]agent.SearchResult, []agent.Event) {
	registry := []agent.SearchResult{
		{Index: 1, Title: "World Population Clock", Link: "https://example.org/pop", Snippet: "Live estimate of the world population."},
		{Index: 2, Title: "UN Projections 2026", Link: "https://example.org/un", Snippet: "Official UN demographic projections."},
		{Index: 3, Title: "Census Overview", Link: "https://example.org/census", Snippet: "National census aggregates."},
		{Index: 4, Title: "Growth Rates", Link: "https://example.org/growth", Snippet: "Annual growth rate tables."},
	}
	args := map[string]any{"q": "world population 2026"}
	events := []agent.Event{
		{Kind: agent.EventAgentStarted, Agent: "main", Text: "How many people live on Earth?"},
		{Kind: agent.EventLLMStarted, Agent: "main"},
		{Kind: agent.EventLLMChunk, Agent: "main", Text: "<think>I need current figures.</think>" +
			"Let me search for population data.\n" +
			"<use_mcp_tool><server_name>tool-searching</server_name></use_mcp_tool>"},
		{Kind: agent.EventLLMEnded, Agent: "main", Usage: &agent.TurnUsage{PromptTokens: 120, CompletionTokens: 40}},
		{Kind: agent.EventToolStarted, Agent: "main", Server: "tool-searching", Tool: "google_search", Args: args},
		{Kind: agent.EventToolSucceeded, Agent: "main", Server: "tool-searching", Tool: "google_search",
			Args: args, Results: registry},
		{Kind: agent.EventLLMStarted, Agent: "main"},
		{Kind: agent.EventLLMChunk, Agent: "main", Text: "The sources agree on the figure."},
		{Kind: agent.EventLLMEnded, Agent: "main", Usage: &agent.TurnUsage{PromptTokens: 300, CompletionTokens: 25}},
		{Kind: agent.EventFinalAnswer, Agent: "main",
			Text:     "<think>done</think>The answer follows. \\boxed{About 8.2 billion people.}",
			Boxed:    `About 8.2 billion people.<researchrefsource data-ids="[1,2]"></researchrefsource>`,
			Registry: registry},
		{Kind: agent.EventAgentEnded, Agent: "main", Outcome: agent.OutcomeSuccess},
	}
	return registry, events
}

func TestAdapterV2SearchTask(t *testing.T) {
	registry, events := searchFixture()
	cs := captureV2(t, events, agent.Result{Outcome: agent.OutcomeSuccess})

	// Root block opens the stream with the fixed process label and holds
	// its result until after the completion block.
	root := cs.blocks[0]
	assert.Equal(t, blockProcess, root.contentType)
	assert.Equal(t, "collecting and analyzing information", cs.startLabel(t, root)["label"])
	assert.Equal(t, 0, root.index)
	assert.Equal(t, []string{""}, root.process)

	// Two reasoning turns, two think blocks; tags and tool syntax never
	// reach the surface.
	thinks := cs.blocksOf(blockThink)
	require.Len(t, thinks, 2)
	first := strings.Join(thinks[0].process, "")
	assert.Equal(t, "I need current figures.Let me search for population data.\n", first)
	assert.Equal(t, "The sources agree on the figure.", strings.Join(thinks[1].process, ""))
	for _, b := range thinks {
		assert.Equal(t, "Thinking", cs.startLabel(t, b)["label"])
	}

	// Keyword block announces the query before results arrive.
	keywords := cs.blocksOf(blockSearchKeyword)
	require.Len(t, keywords, 1)
	kwLabel := cs.startLabel(t, keywords[0])
	assert.Equal(t, "Searching the web", kwLabel["label"])
	assert.Equal(t, "world population 2026", kwLabel["keyword"])
	assert.Equal(t, []string{"world population 2026"}, keywords[0].process)

	// Search block batches four results into chunks of three JSON lines.
	searches := cs.blocksOf(blockSearch)
	require.Len(t, searches, 1)
	sLabel := cs.startLabel(t, searches[0])
	assert.Equal(t, "found 4 results", sLabel["label"])
	assert.Equal(t, float64(4), sLabel["count"])
	assert.Equal(t, "world population 2026", sLabel["keyword"])
	require.Len(t, searches[0].process, 2)
	firstBatch := strings.Split(strings.TrimSuffix(searches[0].process[0], "\n"), "\n")
	require.Len(t, firstBatch, 3)
	var entry agent.SearchResult
	require.NoError(t, json.Unmarshal([]byte(firstBatch[0]), &entry))
	assert.Equal(t, registry[0], entry)
	secondBatch := strings.Split(strings.TrimSuffix(searches[0].process[1], "\n"), "\n")
	require.Len(t, secondBatch, 1)

	// Completion block carries the cited indices and resolves them
	// against the registry.
	completed := cs.blocksOf(blockCompleted)
	require.Len(t, completed, 1)
	cLabel := cs.startLabel(t, completed[0])
	assert.Equal(t, "Collected sufficient information, starting to answer", cLabel["label"])
	assert.Equal(t, []any{float64(1), float64(2)}, cLabel["cited"])
	var resolved []agent.SearchResult
	require.NoError(t, json.Unmarshal([]byte(completed[0].process[0]), &resolved))
	assert.Equal(t, registry[:2], resolved)

	// Root closes after the completion block and before the answer, and
	// the assistant content is the boxed answer without citation markers.
	rootResult := -1
	completedResult := -1
	firstAssistant := -1
	for i, tag := range cs.order {
		switch {
		case tag == taskResult+":"+blockProcess:
			rootResult = i
		case tag == taskResult+":"+blockCompleted:
			completedResult = i
		case tag == "assistant" && firstAssistant == -1:
			firstAssistant = i
		}
	}
	require.GreaterOrEqual(t, rootResult, 0)
	assert.Greater(t, rootResult, completedResult)
	assert.Greater(t, firstAssistant, rootResult)
	assert.Equal(t, "About 8.2 billion people.", strings.Join(cs.assistant, ""))
}

func TestAdapterV2BrowseTask(t *testing.T) {
	longContent := strings.Repeat("a", 1200)
	events := []agent.Event{
		{Kind: agent.EventAgentStarted, Agent: "main"},
		{Kind: agent.EventToolStarted, Agent: "main", Server: "tool-scraping", Tool: "scrape_website",
			Args: map[string]any{"url": "https://go.dev/blog"}},
		{Kind: agent.EventToolSucceeded, Agent: "main", Server: "tool-scraping", Tool: "scrape_website",
			Page: &agent.PageInfo{Index: 3, Title: "Go Blog", Link: "https://go.dev/blog",
				Snippet: "Official Go project blog.", Sitename: "go.dev", Content: longContent}},
		{Kind: agent.EventToolStarted, Agent: "main", Server: "tool-scraping", Tool: "scrape_website",
			Args: map[string]any{"url": "https://example.org"}},
		{Kind: agent.EventToolSucceeded, Agent: "main", Server: "tool-scraping", Tool: "scrape_website",
			Page: &agent.PageInfo{Title: "Example", Link: "https://example.org"}},
		{Kind: agent.EventFinalAnswer, Agent: "main", Boxed: "done"},
		{Kind: agent.EventAgentEnded, Agent: "main", Outcome: agent.OutcomeSuccess},
	}
	cs := captureV2(t, events, agent.Result{Outcome: agent.OutcomeSuccess})

	// Scraping is not a search, so no keyword blocks appear.
	assert.Empty(t, cs.blocksOf(blockSearchKeyword))

	browses := cs.blocksOf(blockBrowse)
	require.Len(t, browses, 2)
	assert.Equal(t, "Browsing the web", cs.startLabel(t, browses[0])["label"])

	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(browses[0].process[0]), &info))
	assert.Equal(t, float64(3), info["index"])
	assert.Equal(t, "Go Blog", info["title"])
	assert.Equal(t, "https://go.dev/blog", info["link"])
	assert.Equal(t, "go.dev", info["sitename"])

	// An unregistered page falls back to the block's own stream index.
	require.NoError(t, json.Unmarshal([]byte(browses[1].process[0]), &info))
	assert.Equal(t, float64(browses[1].index), info["index"])

	// The first page has content, so a preview text block follows it; the
	// second has none and gets no preview.
	texts := cs.blocksOf(blockText)
	require.Len(t, texts, 1)
	assert.Equal(t, "Go Blog - content summary", cs.startLabel(t, texts[0])["label"])
	require.Len(t, texts[0].process, 3)
	assert.Equal(t, longContent, strings.Join(texts[0].process, ""))
}

func TestAdapterV2FailureClosesStream(t *testing.T) {
	out, rec := newTestStream()
	a := newAdapterV2(out)
	events := []agent.Event{
		{Kind: agent.EventAgentStarted, Agent: "main"},
		{Kind: agent.EventLLMStarted, Agent: "main"},
		{Kind: agent.EventLLMChunk, Agent: "main", Text: "Trying to reach the model."},
		{Kind: agent.EventAgentEnded, Agent: "main", Outcome: agent.OutcomeFatal,
			Message: "llm generate: connection refused"},
	}
	for _, ev := range events {
		require.NoError(t, a.handle(ev))
	}

	// finish after an already-rendered failure must add nothing.
	rendered := len(decodeFrames(t, rec.Body.String()))
	require.NoError(t, a.finish(agent.Result{Outcome: agent.OutcomeFatal, Err: errors.New("connection refused")}))
	chunks := decodeFrames(t, rec.Body.String())
	assert.Len(t, chunks, rendered)

	cs := reassemble(t, chunks)
	thinks := cs.blocksOf(blockThink)
	require.Len(t, thinks, 2)
	assert.Equal(t, "Error", cs.startLabel(t, thinks[1])["label"])
	assert.Equal(t, []string{"❌ llm generate: connection refused"}, thinks[1].process)
	assert.Equal(t, []string{""}, cs.assistant)
}

func TestAdapterV2FinishWithoutEvents(t *testing.T) {
	out, rec := newTestStream()
	a := newAdapterV2(out)
	require.NoError(t, a.finish(agent.Result{Outcome: agent.OutcomeFatal, Err: errors.New("pipeline never started")}))

	cs := reassemble(t, decodeFrames(t, rec.Body.String()))
	assert.Empty(t, cs.blocks)
	assert.Equal(t, []string{""}, cs.assistant)
}

func TestAdapterV2IgnoresNonRenderableToolResults(t *testing.T) {
	events := []agent.Event{
		{Kind: agent.EventAgentStarted, Agent: "main"},
		{Kind: agent.EventToolStarted, Agent: "main", Server: "tool-python", Tool: "run_python",
			Args: map[string]any{"code": "print(2+2)"}},
		{Kind: agent.EventToolSucceeded, Agent: "main", Server: "tool-python", Tool: "run_python",
			Payload: "4"},
		{Kind: agent.EventFinalAnswer, Agent: "main", Boxed: "4"},
		{Kind: agent.EventAgentEnded, Agent: "main", Outcome: agent.OutcomeSuccess},
	}
	cs := captureV2(t, events, agent.Result{Outcome: agent.OutcomeSuccess})

	// Only the root and the completion block: plain tool output renders
	// no research block of its own.
	require.Len(t, cs.blocks, 2)
	assert.Equal(t, blockProcess, cs.blocks[0].contentType)
	assert.Equal(t, blockCompleted, cs.blocks[1].contentType)
	assert.Equal(t, []any{}, cs.startLabel(t, cs.blocks[1])["cited"])
	assert.Equal(t, "4", strings.Join(cs.assistant, ""))
}

func TestAdapterV2LongAnswerSharesOneIndex(t *testing.T) {
	answer := strings.Repeat("x", 1100)
	events := []agent.Event{
		{Kind: agent.EventAgentStarted, Agent: "main"},
		{Kind: agent.EventFinalAnswer, Agent: "main", Boxed: answer},
		{Kind: agent.EventAgentEnded, Agent: "main", Outcome: agent.OutcomeSuccess},
	}
	cs := captureV2(t, events, agent.Result{Outcome: agent.OutcomeSuccess})

	require.Len(t, cs.assistant, 3)
	assert.Equal(t, answer, strings.Join(cs.assistant, ""))
}
