package agent

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/veritylab/trawl/pkg/mcp"
)

// toolResultMaxLength caps the framed tool result fed back to the model.
const toolResultMaxLength = 100_000

const (
	// maxIndexedResults caps how many new search results one call may
	// register.
	maxIndexedResults = 10
	// maxOrganicScan bounds how deep into the provider's organic list
	// the indexer looks.
	maxOrganicScan = 20
	// snippetMaxLength caps rendered snippets.
	snippetMaxLength = 200
	// noTitle replaces missing or URL-shaped titles.
	noTitle = "No title"
)

// searchResultTools are the tools whose output carries an organic result
// list worth indexing for citations. Everything else passes through raw.
var searchResultTools = map[string]bool{
	"google_search": true,
	"sogou_search":  true,
}

var searchIndexHeader = []string{
	"Search Results (cite using [index]):",
	"Note: When citing information, use the index number shown in square brackets, e.g., [1] or [1,2].",
}

// SearchResult is one indexed source. Indices are assigned once per task
// and shared between the model-facing text and the streaming payloads, so
// a citation like [7] resolves to the same source everywhere.
type SearchResult struct {
	Index   int    `json:"index"`
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
	Icon    string `json:"icon"`
}

// PageInfo describes a browsed page for the streaming surface.
type PageInfo struct {
	// Index is the registry index when the page came out of an earlier
	// search, zero otherwise.
	Index    int
	Title    string
	Link     string
	Snippet  string
	Sitename string
	Icon     string
	// Content is the extracted page text, untruncated.
	Content string
}

// Formatter frames tool results for the model and maintains the per-task
// source registry. Not safe for concurrent use; each pipeline run owns one.
type Formatter struct {
	seen      map[string]SearchResult
	ordered   []SearchResult
	nextIndex int
}

func NewFormatter() *Formatter {
	f := &Formatter{}
	f.Reset()
	return f
}

// Reset clears the registry for a new task.
func (f *Formatter) Reset() {
	f.seen = make(map[string]SearchResult)
	f.ordered = nil
	f.nextIndex = 1
}

// Registry returns the indexed sources in registration order.
func (f *Formatter) Registry() []SearchResult {
	out := make([]SearchResult, len(f.ordered))
	copy(out, f.ordered)
	return out
}

// Lookup resolves a URL against the registry.
func (f *Formatter) Lookup(link string) (SearchResult, bool) {
	res, ok := f.seen[link]
	return res, ok
}

// FormatResult frames a tool result as the next user message and returns
// any search results newly registered from it. Errors are framed so the
// model sees what failed; search output is rewritten into an indexed list;
// everything is capped at the result length limit.
func (f *Formatter) FormatResult(call ToolCall, result mcp.ToolResult) (string, []SearchResult) {
	if result.IsError {
		framed := fmt.Sprintf("Tool call to %s on %s failed. Error: %s",
			call.Tool, call.Server, strings.TrimSpace(result.Content))
		return truncateResult(framed), nil
	}

	content := strings.TrimSpace(result.Content)
	if content == "" {
		return fmt.Sprintf("Tool call to %s on %s completed, but produced no specific output or result.",
			call.Tool, call.Server), nil
	}

	var registered []SearchResult
	if searchResultTools[call.Tool] {
		content, registered = f.indexSearchResults(content)
	}
	return truncateResult(content), registered
}

// indexSearchResults rewrites a search payload into a cite-by-index list.
// Payloads without an organic result list pass through unchanged.
func (f *Formatter) indexSearchResults(content string) (string, []SearchResult) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return content, nil
	}
	organic, ok := payload["organic"].([]any)
	if !ok || len(organic) == 0 {
		return content, nil
	}
	if len(organic) > maxOrganicScan {
		organic = organic[:maxOrganicScan]
	}

	lines := append([]string{}, searchIndexHeader...)
	var registered []SearchResult
	for _, raw := range organic {
		if len(registered) >= maxIndexedResults {
			break
		}
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		link := stringField(entry, "link")
		if link == "" {
			continue
		}
		if _, dup := f.seen[link]; dup {
			continue
		}

		snippet := stringField(entry, "snippet")
		if snippet == "" {
			snippet = stringField(entry, "description")
		}
		res := SearchResult{
			Index:   f.nextIndex,
			Title:   sanitizeTitle(stringField(entry, "title"), link),
			Link:    link,
			Snippet: snippet,
			Icon:    faviconURL(link),
		}
		f.nextIndex++
		f.seen[link] = res
		f.ordered = append(f.ordered, res)
		registered = append(registered, res)

		lines = append(lines, fmt.Sprintf("\n[%d] Title: %s", res.Index, res.Title))
		lines = append(lines, fmt.Sprintf("    Link: %s", res.Link))
		if res.Snippet != "" {
			lines = append(lines, fmt.Sprintf("    Snippet: %s", clipRunes(res.Snippet, snippetMaxLength)))
		}
	}
	if len(registered) == 0 {
		return content, nil
	}
	return strings.Join(lines, "\n"), registered
}

// ResolvePage derives page metadata for a browse-style call. Pages found
// through an earlier search reuse their registry entry; unknown URLs get
// metadata scraped from the result but no registry index.
func (f *Formatter) ResolvePage(call ToolCall, result mcp.ToolResult) *PageInfo {
	link := strings.TrimSpace(stringArg(call.Args, "url"))
	if link == "" {
		return nil
	}

	page := &PageInfo{Link: link, Icon: faviconURL(link)}
	if cached, ok := f.seen[link]; ok {
		page.Index = cached.Index
		page.Title = cached.Title
		page.Snippet = cached.Snippet
		page.Icon = cached.Icon
	}

	if !result.IsError {
		var payload map[string]any
		if err := json.Unmarshal([]byte(result.Content), &payload); err == nil {
			content := stringField(payload, "content")
			if content == "" {
				content = stringField(payload, "text")
			}
			page.Content = content
			if page.Title == "" {
				page.Title = stringField(payload, "title")
			}
			if page.Title == "" {
				page.Title = titleFromContent(content)
			}
			if page.Snippet == "" && content != "" {
				page.Snippet = clipRunes(content, snippetMaxLength)
			}
			if page.Sitename == "" {
				page.Sitename = stringField(payload, "sitename")
			}
			if page.Sitename == "" {
				page.Sitename = stringField(payload, "site_name")
			}
		}
	}

	if page.Title == "" || strings.HasPrefix(page.Title, "http") {
		page.Title = titleFromURL(link)
	}
	return page
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func sanitizeTitle(title, link string) string {
	if title == "" || title == link || strings.HasPrefix(title, "http") {
		return noTitle
	}
	return title
}

// titleFromContent picks the first line of the page text that looks like a
// heading rather than chrome.
func titleFromContent(content string) string {
	lines := strings.Split(content, "\n")
	if len(lines) > 5 {
		lines = lines[:5]
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		n := utf8.RuneCountInString(line)
		if n <= 5 || n >= 200 {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "http://") || strings.Contains(lower, "https://") ||
			strings.Contains(lower, "cookie") || strings.Contains(lower, "javascript") ||
			strings.Contains(lower, "login") || strings.Contains(lower, "sign in") {
			continue
		}
		return line
	}
	return ""
}

// titleFromURL turns the last path segment of a URL into a readable title,
// falling back to the host.
func titleFromURL(link string) string {
	parsed, err := url.Parse(link)
	if err != nil {
		return noTitle
	}

	segment := path.Base(strings.TrimSuffix(parsed.Path, "/"))
	if segment != "" && segment != "." && segment != "/" {
		if unescaped, err := url.PathUnescape(segment); err == nil {
			segment = unescaped
		}
		segment = strings.TrimSuffix(segment, path.Ext(segment))
		segment = strings.NewReplacer("-", " ", "_", " ").Replace(segment)
		segment = strings.TrimSpace(segment)
		if segment != "" {
			return clipRunes(titleCase(segment), 50)
		}
	}
	if parsed.Host != "" {
		return parsed.Host
	}
	return noTitle
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, word := range words {
		r, size := utf8.DecodeRuneInString(word)
		if r == utf8.RuneError {
			continue
		}
		words[i] = strings.ToUpper(string(r)) + word[size:]
	}
	return strings.Join(words, " ")
}

func faviconURL(link string) string {
	parsed, err := url.Parse(link)
	if err != nil || parsed.Host == "" {
		return ""
	}
	scheme := parsed.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/favicon.ico", scheme, parsed.Host)
}

// clipRunes truncates s to at most n runes, appending an ellipsis when
// anything was cut.
func clipRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

// truncateResult enforces the result length cap on a rune boundary.
func truncateResult(text string) string {
	if len(text) <= toolResultMaxLength {
		return text
	}
	cut := toolResultMaxLength
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + mcp.TruncationMarker
}
