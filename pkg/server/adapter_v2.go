package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/veritylab/trawl/pkg/agent"
)

const (
	// searchBatchSize is how many result lines ride in one search chunk.
	searchBatchSize = 3
	// previewRunes caps the page-content preview of a browse block.
	previewRunes = 2000
)

// blockState identifies one open V2 block. All chunks of a block share its
// taskid and index.
type blockState struct {
	id          string
	index       int
	contentType string
}

// adapterV2 renders orchestrator events as the extended task-block stream:
// a root research_process_block whose closing chunk is held until the task
// ends, with think, search, browse and completion blocks as its children,
// and the final answer as standard assistant deltas.
type adapterV2 struct {
	out *chunkStream
	ids taskIDer

	index int

	rootID    string
	rootIndex int
	rootOpen  bool

	think  *blockState
	filter thinkFilter

	answerIndex *int
	answered    bool
}

func newAdapterV2(out *chunkStream) *adapterV2 {
	return &adapterV2{out: out}
}

func (a *adapterV2) handle(ev agent.Event) error {
	switch ev.Kind {
	case agent.EventAgentStarted:
		if a.rootID != "" {
			return nil
		}
		return a.openRoot()
	case agent.EventLLMStarted:
		a.filter.reset()
		return nil
	case agent.EventLLMChunk:
		return a.streamThink(a.filter.feed(ev.Text))
	case agent.EventLLMEnded:
		return a.streamThink(a.filter.flush())
	case agent.EventToolStarted:
		if err := a.closeThink(); err != nil {
			return err
		}
		return a.keywordBlock(ev)
	case agent.EventToolSucceeded:
		if len(ev.Results) > 0 {
			return a.searchBlock(ev)
		}
		if ev.Page != nil {
			return a.browseBlock(ev)
		}
		return nil
	case agent.EventSubAgentStarted, agent.EventSubAgentEnded, agent.EventFinalizationStarted:
		return a.closeThink()
	case agent.EventFinalAnswer:
		return a.finalAnswer(ev)
	case agent.EventAgentEnded:
		if ev.Outcome != agent.OutcomeSuccess && !a.answered {
			return a.failClose(ev.Message)
		}
		return nil
	default:
		return nil
	}
}

// finish force-closes the stream structure when the task died without its
// closing events reaching the sink.
func (a *adapterV2) finish(res agent.Result) error {
	if a.answered {
		return nil
	}
	return a.failClose(res.ErrorMessage())
}

func (a *adapterV2) nextIndex() int {
	idx := a.index
	a.index++
	return idx
}

// task emits one task-role chunk for block b at the given stage.
func (a *adapterV2) task(b blockState, stat, taskContent string) error {
	parent := ""
	if b.id != a.rootID {
		parent = a.rootID
	}
	return a.out.send(Delta{
		Taskstat:     stat,
		Role:         "task",
		ContentType:  b.contentType,
		ParentTaskID: strPtr(parent),
		Index:        intPtr(b.index),
		TaskContent:  strPtr(taskContent),
		Content:      strPtr(""),
		TaskID:       b.id,
	}, nil)
}

// openBlock allocates a block and emits its :start chunk.
func (a *adapterV2) openBlock(contentType, startContent string) (blockState, error) {
	b := blockState{id: a.ids.next(), index: a.nextIndex(), contentType: contentType}
	return b, a.task(b, taskStart, startContent)
}

// openRoot starts the root process block. Its :result is held until the
// task ends so every child block nests inside it.
func (a *adapterV2) openRoot() error {
	b, err := a.openBlock(blockProcess, label("collecting and analyzing information", nil))
	if err != nil {
		return err
	}
	a.rootID = b.id
	a.rootIndex = b.index
	a.rootOpen = true
	return a.task(b, taskProcess, "")
}

// closeRoot releases the held root :result chunk.
func (a *adapterV2) closeRoot() error {
	if !a.rootOpen {
		return nil
	}
	a.rootOpen = false
	root := blockState{id: a.rootID, index: a.rootIndex, contentType: blockProcess}
	return a.task(root, taskResult, "")
}

// streamThink opens the think block on the first displayable text and
// streams it in bounded chunks.
func (a *adapterV2) streamThink(text string) error {
	if text == "" {
		return nil
	}
	if a.think == nil {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		b, err := a.openBlock(blockThink, label("Thinking", nil))
		if err != nil {
			return err
		}
		a.think = &b
	}
	for _, piece := range splitChunks(text, maxChunkRunes) {
		if err := a.task(*a.think, taskProcess, piece); err != nil {
			return err
		}
	}
	return nil
}

// closeThink emits the :result of the open think block, if any.
func (a *adapterV2) closeThink() error {
	if a.think == nil {
		return nil
	}
	b := *a.think
	a.think = nil
	return a.task(b, taskResult, "")
}

// keywordBlock announces a web search before its results arrive.
func (a *adapterV2) keywordBlock(ev agent.Event) error {
	if !isSearchTool(ev.Server, ev.Tool) {
		return nil
	}
	keyword := searchKeyword(ev.Args)
	if keyword == "" {
		return nil
	}
	b, err := a.openBlock(blockSearchKeyword, label("Searching the web", map[string]any{"keyword": keyword}))
	if err != nil {
		return err
	}
	if err := a.task(b, taskProcess, keyword); err != nil {
		return err
	}
	return a.task(b, taskResult, "")
}

// searchBlock renders the newly registered results of one search call as
// JSON lines, batched to keep the chunk count down.
func (a *adapterV2) searchBlock(ev agent.Event) error {
	results := ev.Results
	b, err := a.openBlock(blockSearch, label(fmt.Sprintf("found %d results", len(results)), map[string]any{
		"count":   len(results),
		"keyword": searchKeyword(ev.Args),
	}))
	if err != nil {
		return err
	}
	for start := 0; start < len(results); start += searchBatchSize {
		end := min(start+searchBatchSize, len(results))
		var lines strings.Builder
		for _, r := range results[start:end] {
			entry, merr := json.Marshal(r)
			if merr != nil {
				continue
			}
			lines.Write(entry)
			lines.WriteString("\n")
		}
		if err := a.task(b, taskProcess, lines.String()); err != nil {
			return err
		}
	}
	return a.task(b, taskResult, "")
}

// browseBlock renders a fetched page as a single source line, followed by
// a text-block preview of the extracted content.
func (a *adapterV2) browseBlock(ev agent.Event) error {
	page := ev.Page
	b, err := a.openBlock(blockBrowse, label("Browsing the web", nil))
	if err != nil {
		return err
	}
	idx := page.Index
	if idx == 0 {
		idx = b.index
	}
	info, merr := json.Marshal(map[string]any{
		"index":    idx,
		"title":    page.Title,
		"link":     page.Link,
		"snippet":  page.Snippet,
		"sitename": page.Sitename,
		"icon":     page.Icon,
	})
	if merr != nil {
		return merr
	}
	if err := a.task(b, taskProcess, string(info)); err != nil {
		return err
	}
	if err := a.task(b, taskResult, ""); err != nil {
		return err
	}
	if page.Content == "" {
		return nil
	}
	return a.textBlock(page.Title+" - content summary", pagePreview(page.Content))
}

// textBlock streams a labeled text body in bounded chunks.
func (a *adapterV2) textBlock(title, text string) error {
	b, err := a.openBlock(blockText, label(title, nil))
	if err != nil {
		return err
	}
	for _, piece := range splitChunks(text, maxChunkRunes) {
		if err := a.task(b, taskProcess, piece); err != nil {
			return err
		}
	}
	return a.task(b, taskResult, "")
}

// completedBlock reports the sources cited in the final answer, resolved
// against the task's source registry.
func (a *adapterV2) completedBlock(cited []int, registry []agent.SearchResult) error {
	if cited == nil {
		cited = []int{}
	}
	b, err := a.openBlock(blockCompleted, label("Collected sufficient information, starting to answer",
		map[string]any{"cited": cited}))
	if err != nil {
		return err
	}
	sources, merr := json.Marshal(resolveSources(cited, registry))
	if merr != nil {
		return merr
	}
	if err := a.task(b, taskProcess, string(sources)); err != nil {
		return err
	}
	return a.task(b, taskResult, "")
}

// finalAnswer closes the research structure and streams the answer as
// standard assistant deltas.
func (a *adapterV2) finalAnswer(ev agent.Event) error {
	if err := a.closeThink(); err != nil {
		return err
	}
	clean, cited := extractCitations(answerText(ev))
	if err := a.completedBlock(cited, ev.Registry); err != nil {
		return err
	}
	if err := a.closeRoot(); err != nil {
		return err
	}
	a.answered = true
	for _, piece := range splitChunks(clean, maxChunkRunes) {
		if err := a.assistant(piece); err != nil {
			return err
		}
	}
	return nil
}

// failClose renders a failure: an error think block, the root closure, and
// an empty assistant message, keeping the stream well-formed.
func (a *adapterV2) failClose(msg string) error {
	a.answered = true
	if msg == "" {
		msg = "Task produced no answer."
	}
	if a.rootID == "" {
		return a.assistant("")
	}
	if err := a.closeThink(); err != nil {
		return err
	}
	if err := a.errorThink(msg); err != nil {
		return err
	}
	if err := a.closeRoot(); err != nil {
		return err
	}
	return a.assistant("")
}

// errorThink emits a complete think block carrying the error text.
func (a *adapterV2) errorThink(msg string) error {
	b, err := a.openBlock(blockThink, label("Error", nil))
	if err != nil {
		return err
	}
	if err := a.task(b, taskProcess, "❌ "+msg); err != nil {
		return err
	}
	return a.task(b, taskResult, "")
}

// assistant emits one assistant content chunk. All assistant chunks of a
// response share one index, allocated on first use.
func (a *adapterV2) assistant(content string) error {
	if a.answerIndex == nil {
		idx := a.nextIndex()
		a.answerIndex = &idx
	}
	return a.out.send(Delta{
		Role:    "assistant",
		Index:   intPtr(*a.answerIndex),
		Content: strPtr(content),
	}, nil)
}

// label renders a :start payload carrying a display label plus optional
// extra fields.
func label(text string, extra map[string]any) string {
	payload := map[string]any{"label": text}
	for k, v := range extra {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return `{"label":""}`
	}
	return string(data)
}

// resolveSources maps cited indices to registry entries, skipping indices
// the registry does not know.
func resolveSources(cited []int, registry []agent.SearchResult) []agent.SearchResult {
	byIndex := make(map[int]agent.SearchResult, len(registry))
	for _, r := range registry {
		byIndex[r.Index] = r
	}
	sources := make([]agent.SearchResult, 0, len(cited))
	for _, idx := range cited {
		if r, ok := byIndex[idx]; ok {
			sources = append(sources, r)
		}
	}
	return sources
}

// isSearchTool reports whether a started tool is a web search. Sub-agent
// dispatch servers are excluded.
func isSearchTool(server, tool string) bool {
	if strings.HasPrefix(server, "agent-") {
		return false
	}
	return strings.Contains(strings.ToLower(tool), "search")
}

// searchKeyword pulls the query string from search-tool arguments.
func searchKeyword(args map[string]any) string {
	for _, key := range []string{"q", "query", "keyword", "search_query"} {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// pagePreview clips page text for the streaming preview.
func pagePreview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewRunes {
		return content
	}
	return string(runes[:previewRunes]) + "..."
}
