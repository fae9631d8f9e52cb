package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// mcpTags are the protocol markers. Any of them in a response means the
// model attempted a tool call, even when the block fails to parse.
var mcpTags = []string{
	"<use_mcp_tool>",
	"</use_mcp_tool>",
	"<server_name>",
	"</server_name>",
	"<arguments>",
	"</arguments>",
}

var (
	toolBlockRe  = regexp.MustCompile(`(?s)<use_mcp_tool>(.*?)</use_mcp_tool>`)
	serverNameRe = regexp.MustCompile(`(?s)<server_name>(.*?)</server_name>`)
	toolNameRe   = regexp.MustCompile(`(?s)<tool_name>(.*?)</tool_name>`)
	argumentsRe  = regexp.MustCompile(`(?s)<arguments>(.*?)</arguments>`)
	thinkSpanRe  = regexp.MustCompile(`(?s)<think>.*?</think>`)
)

// ParsedResponse is the structured view of one assistant message.
type ParsedResponse struct {
	// ToolCalls holds the parsed tool call, if any. At most one entry:
	// the protocol allows a single call per message, extra blocks are
	// dropped with a warning.
	ToolCalls []ToolCall

	// Boxed is the content of the last \boxed{...} marker, HasBoxed
	// whether one was found at all. An empty box still sets HasBoxed.
	Boxed    string
	HasBoxed bool

	// ProtocolTag reports whether any tool-use tag appeared in the text.
	ProtocolTag bool

	// ParseErr is set when a tool block was present but could not be
	// decoded into a call.
	ParseErr error
}

// WellFormed reports whether the response is usable as-is: no dangling
// protocol tags without a decoded call, and no parse failure.
func (p ParsedResponse) WellFormed() bool {
	return p.ParseErr == nil && (!p.ProtocolTag || len(p.ToolCalls) > 0)
}

// ParseResponse extracts the tool call and the boxed answer from an
// assistant message.
func ParseResponse(text string) ParsedResponse {
	parsed := ParsedResponse{ProtocolTag: hasProtocolTag(text)}
	parsed.Boxed, parsed.HasBoxed = ExtractBoxed(text)

	blocks := toolBlockRe.FindAllStringSubmatch(text, -1)
	if len(blocks) == 0 {
		return parsed
	}
	if len(blocks) > 1 {
		slog.Warn("Multiple tool blocks in one response, using the first",
			"blocks", len(blocks))
	}

	call, err := parseToolBlock(blocks[0][1])
	if err != nil {
		parsed.ParseErr = err
		return parsed
	}
	parsed.ToolCalls = []ToolCall{call}
	return parsed
}

func parseToolBlock(block string) (ToolCall, error) {
	server := extractTag(serverNameRe, block)
	tool := extractTag(toolNameRe, block)
	rawArgs := extractTag(argumentsRe, block)

	if server == "" {
		return ToolCall{}, fmt.Errorf("tool block missing server_name")
	}
	if tool == "" {
		return ToolCall{}, fmt.Errorf("tool block missing tool_name")
	}

	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return ToolCall{}, fmt.Errorf("tool block arguments are not valid JSON: %w", err)
		}
	}
	return ToolCall{Server: server, Tool: tool, Args: args}, nil
}

func extractTag(re *regexp.Regexp, block string) string {
	match := re.FindStringSubmatch(block)
	if match == nil {
		return ""
	}
	return strings.TrimSpace(match[1])
}

func hasProtocolTag(text string) bool {
	for _, tag := range mcpTags {
		if strings.Contains(text, tag) {
			return true
		}
	}
	return false
}

// ExtractBoxed returns the content of the last \boxed{...} in the text.
// Nested braces are balanced; an unterminated box counts as not found.
func ExtractBoxed(text string) (string, bool) {
	const marker = `\boxed{`
	start := strings.LastIndex(text, marker)
	if start == -1 {
		return "", false
	}

	depth := 1
	body := text[start+len(marker):]
	for i, r := range body {
		switch r {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(body[:i]), true
			}
		}
	}
	return "", false
}

// StripThinkTags removes <think>...</think> spans and any stray unmatched
// think tags, then trims surrounding whitespace.
func StripThinkTags(text string) string {
	cleaned := thinkSpanRe.ReplaceAllString(text, "")
	cleaned = strings.ReplaceAll(cleaned, "<think>", "")
	cleaned = strings.ReplaceAll(cleaned, "</think>", "")
	return strings.TrimSpace(cleaned)
}
