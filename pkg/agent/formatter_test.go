package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritylab/trawl/pkg/mcp"
)

func searchCall(q string) ToolCall {
	return ToolCall{Server: "serper", Tool: "google_search", Args: map[string]any{"q": q}}
}

func scrapeCall(url string) ToolCall {
	return ToolCall{Server: "firecrawl", Tool: "scrape", Args: map[string]any{"url": url}}
}

func organicPayload(entries ...map[string]any) string {
	data, _ := json.Marshal(map[string]any{"organic": entries})
	return string(data)
}

func TestFormatResultError(t *testing.T) {
	f := NewFormatter()
	framed, registered := f.FormatResult(searchCall("x"), mcp.ToolResult{
		Content:   "quota exceeded",
		IsError:   true,
		ErrorKind: mcp.ErrorKindRateLimited,
	})
	assert.Equal(t, "Tool call to google_search on serper failed. Error: quota exceeded", framed)
	assert.Empty(t, registered)
}

func TestFormatResultEmpty(t *testing.T) {
	f := NewFormatter()
	framed, registered := f.FormatResult(searchCall("x"), mcp.ToolResult{Content: "   "})
	assert.Equal(t, "Tool call to google_search on serper completed, but produced no specific output or result.", framed)
	assert.Empty(t, registered)
}

func TestFormatResultIndexesSearchResults(t *testing.T) {
	f := NewFormatter()
	payload := organicPayload(
		map[string]any{"title": "First", "link": "https://a.dev/one", "snippet": "alpha"},
		map[string]any{"title": "Second", "link": "https://b.dev/two", "snippet": "beta"},
	)
	framed, registered := f.FormatResult(searchCall("q1"), mcp.ToolResult{Content: payload})

	require.Len(t, registered, 2)
	assert.Equal(t, 1, registered[0].Index)
	assert.Equal(t, 2, registered[1].Index)
	assert.Equal(t, "https://a.dev/favicon.ico", registered[0].Icon)

	assert.Contains(t, framed, "Search Results (cite using [index]):")
	assert.Contains(t, framed, "use the index number shown in square brackets")
	assert.Contains(t, framed, "[1] Title: First")
	assert.Contains(t, framed, "    Link: https://a.dev/one")
	assert.Contains(t, framed, "    Snippet: alpha")
	assert.Contains(t, framed, "[2] Title: Second")
}

func TestFormatResultGlobalIndicesAcrossCalls(t *testing.T) {
	f := NewFormatter()
	first := organicPayload(
		map[string]any{"title": "A", "link": "https://a.dev", "snippet": "s"},
		map[string]any{"title": "B", "link": "https://b.dev", "snippet": "s"},
	)
	_, reg1 := f.FormatResult(searchCall("q1"), mcp.ToolResult{Content: first})
	require.Len(t, reg1, 2)

	// The second call repeats one URL and adds one new: indices continue
	// globally and the repeat is skipped.
	second := organicPayload(
		map[string]any{"title": "B again", "link": "https://b.dev", "snippet": "s"},
		map[string]any{"title": "C", "link": "https://c.dev", "snippet": "s"},
	)
	framed, reg2 := f.FormatResult(searchCall("q2"), mcp.ToolResult{Content: second})
	require.Len(t, reg2, 1)
	assert.Equal(t, 3, reg2[0].Index)
	assert.Equal(t, "https://c.dev", reg2[0].Link)
	assert.NotContains(t, framed, "B again")

	registry := f.Registry()
	require.Len(t, registry, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{registry[0].Index, registry[1].Index, registry[2].Index})
}

func TestFormatResultSearchPassthrough(t *testing.T) {
	f := NewFormatter()
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "plain text result"},
		{"no organic key", `{"answerBox": {"answer": "42"}}`},
		{"empty organic", `{"organic": []}`},
		{"organic entries without links", `{"organic": [{"title": "x"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			framed, registered := f.FormatResult(searchCall("q"), mcp.ToolResult{Content: tt.content})
			assert.Equal(t, tt.content, framed)
			assert.Empty(t, registered)
		})
	}
}

func TestFormatResultNonSearchToolNotIndexed(t *testing.T) {
	f := NewFormatter()
	payload := organicPayload(map[string]any{"title": "A", "link": "https://a.dev"})
	call := ToolCall{Server: "py", Tool: "run_python", Args: map[string]any{}}
	framed, registered := f.FormatResult(call, mcp.ToolResult{Content: payload})
	assert.Equal(t, payload, framed)
	assert.Empty(t, registered)
}

func TestFormatResultTitleSanitization(t *testing.T) {
	f := NewFormatter()
	payload := organicPayload(
		map[string]any{"title": "", "link": "https://a.dev/1", "snippet": "s"},
		map[string]any{"title": "https://b.dev/2", "link": "https://b.dev/2", "snippet": "s"},
		map[string]any{"title": "http://whatever", "link": "https://c.dev/3", "snippet": "s"},
	)
	_, registered := f.FormatResult(searchCall("q"), mcp.ToolResult{Content: payload})
	require.Len(t, registered, 3)
	for _, res := range registered {
		assert.Equal(t, "No title", res.Title)
	}
}

func TestFormatResultSnippetHandling(t *testing.T) {
	f := NewFormatter()
	long := strings.Repeat("x", 300)
	payload := organicPayload(
		map[string]any{"title": "Long", "link": "https://a.dev", "snippet": long},
		map[string]any{"title": "Desc", "link": "https://b.dev", "description": "from description"},
	)
	framed, registered := f.FormatResult(searchCall("q"), mcp.ToolResult{Content: payload})

	// Rendered snippet is clipped; the registry keeps it whole.
	assert.Contains(t, framed, "    Snippet: "+strings.Repeat("x", 200)+"...")
	assert.Equal(t, long, registered[0].Snippet)
	assert.Equal(t, "from description", registered[1].Snippet)
}

func TestFormatResultCapsIndexedResults(t *testing.T) {
	f := NewFormatter()
	var entries []map[string]any
	for i := 0; i < 25; i++ {
		entries = append(entries, map[string]any{
			"title":   fmt.Sprintf("T%d", i),
			"link":    fmt.Sprintf("https://site%d.dev", i),
			"snippet": "s",
		})
	}
	_, registered := f.FormatResult(searchCall("q"), mcp.ToolResult{Content: organicPayload(entries...)})
	assert.Len(t, registered, 10)
}

func TestFormatResultTruncatesLongOutput(t *testing.T) {
	f := NewFormatter()
	huge := strings.Repeat("a", toolResultMaxLength+500)
	framed, _ := f.FormatResult(scrapeCall("https://a.dev"), mcp.ToolResult{Content: huge})
	assert.Len(t, framed, toolResultMaxLength+len(mcp.TruncationMarker))
	assert.True(t, strings.HasSuffix(framed, mcp.TruncationMarker))
}

func TestResolvePageFromRegistry(t *testing.T) {
	f := NewFormatter()
	payload := organicPayload(
		map[string]any{"title": "Indexed Page", "link": "https://a.dev/page", "snippet": "known snippet"},
	)
	_, _ = f.FormatResult(searchCall("q"), mcp.ToolResult{Content: payload})

	page := f.ResolvePage(scrapeCall("https://a.dev/page"), mcp.ToolResult{Content: `{"title": "ignored", "content": "body text"}`})
	require.NotNil(t, page)
	assert.Equal(t, 1, page.Index)
	assert.Equal(t, "Indexed Page", page.Title)
	assert.Equal(t, "known snippet", page.Snippet)
	assert.Equal(t, "body text", page.Content)
}

func TestResolvePageFromScrapeResult(t *testing.T) {
	f := NewFormatter()
	result := mcp.ToolResult{Content: `{"title": "Fresh Page", "content": "the extracted body", "sitename": "A Dev"}`}
	page := f.ResolvePage(scrapeCall("https://a.dev/fresh"), result)

	require.NotNil(t, page)
	assert.Equal(t, 0, page.Index)
	assert.Equal(t, "Fresh Page", page.Title)
	assert.Equal(t, "the extracted body", page.Snippet)
	assert.Equal(t, "the extracted body", page.Content)
	assert.Equal(t, "A Dev", page.Sitename)
	assert.Equal(t, "https://a.dev/favicon.ico", page.Icon)
}

func TestResolvePageTitleFromContent(t *testing.T) {
	f := NewFormatter()
	content := "x\nAccept cookies to continue\nUnderstanding Goroutine Scheduling\nbody follows"
	result := mcp.ToolResult{Content: fmt.Sprintf(`{"content": %q}`, content)}
	page := f.ResolvePage(scrapeCall("https://a.dev/post"), result)

	require.NotNil(t, page)
	assert.Equal(t, "Understanding Goroutine Scheduling", page.Title)
}

func TestResolvePageTitleFromURL(t *testing.T) {
	f := NewFormatter()
	tests := []struct {
		name string
		url  string
		want string
	}{
		{"slug", "https://a.dev/posts/go-memory-model.html", "Go Memory Model"},
		{"underscores", "https://a.dev/go_runtime_internals", "Go Runtime Internals"},
		{"bare host", "https://docs.example.com/", "docs.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := f.ResolvePage(scrapeCall(tt.url), mcp.ToolResult{Content: "not json"})
			require.NotNil(t, page)
			assert.Equal(t, tt.want, page.Title)
			// Non-JSON results carry no content preview.
			assert.Empty(t, page.Content)
		})
	}
}

func TestResolvePageWithoutURL(t *testing.T) {
	f := NewFormatter()
	call := ToolCall{Server: "firecrawl", Tool: "scrape", Args: map[string]any{}}
	assert.Nil(t, f.ResolvePage(call, mcp.ToolResult{Content: "{}"}))
}

func TestFormatterReset(t *testing.T) {
	f := NewFormatter()
	payload := organicPayload(map[string]any{"title": "A", "link": "https://a.dev", "snippet": "s"})
	_, _ = f.FormatResult(searchCall("q"), mcp.ToolResult{Content: payload})
	require.Len(t, f.Registry(), 1)

	f.Reset()
	assert.Empty(t, f.Registry())

	// Indices restart after reset.
	_, registered := f.FormatResult(searchCall("q"), mcp.ToolResult{Content: payload})
	require.Len(t, registered, 1)
	assert.Equal(t, 1, registered[0].Index)
}
