package mcp

// ErrorKind classifies a failed tool call so callers can branch on the
// failure mode without parsing result text.
type ErrorKind string

const (
	// ErrorKindNone marks a successful call.
	ErrorKindNone ErrorKind = "none"
	// ErrorKindTransport covers network and protocol failures reaching the server.
	ErrorKindTransport ErrorKind = "transport"
	// ErrorKindRateLimited marks upstream rate limiting (HTTP 429 or equivalent).
	ErrorKindRateLimited ErrorKind = "rate_limited"
	// ErrorKindSchema marks unknown servers, unknown tools, and invalid arguments.
	ErrorKindSchema ErrorKind = "schema"
	// ErrorKindServer marks failures reported by the tool itself.
	ErrorKindServer ErrorKind = "server"
	// ErrorKindTimeout marks calls cut off by the per-call deadline.
	ErrorKindTimeout ErrorKind = "timeout"
)

// TruncationMarker is appended to tool output cut at a result-size cap.
const TruncationMarker = "\n... [Result truncated]"

// ToolResult is the outcome of a single tool invocation. Failures are
// reported in-band: IsError flags them and ErrorKind classifies them, so a
// failed call still yields text the conversation can carry forward.
type ToolResult struct {
	ToolName  string
	Content   string
	IsError   bool
	ErrorKind ErrorKind
}

// ToolInfo describes one tool for catalog rendering.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ServerTools groups the visible tools of one connected server.
type ServerTools struct {
	Server string
	Tools  []ToolInfo
}
