package agent

import (
	"fmt"
	"strings"
)

// queryIndex counts query-bearing tool calls within one attempt so the loop
// can roll back verbatim repeats instead of burning turns on them.
type queryIndex struct {
	counts map[string]int
}

func newQueryIndex() *queryIndex {
	return &queryIndex{counts: make(map[string]int)}
}

// dedupKey derives the duplicate-detection key for a call. Calls without a
// recognizable query argument are never considered duplicates.
func dedupKey(call ToolCall) (string, bool) {
	var query string
	switch {
	// Sub-agent dispatch is keyed on the subtask. Checked first: the
	// browsing agent's tool name contains "search" and would otherwise
	// match the search branch.
	case strings.HasPrefix(call.Server, subAgentPrefix):
		query = stringArg(call.Args, "subtask")
	case strings.Contains(call.Tool, "search"):
		query = firstStringArg(call.Args, "q", "query", "keyword")
	case strings.Contains(call.Tool, "scrape"),
		strings.Contains(call.Tool, "browse"),
		strings.Contains(call.Tool, "fetch"):
		query = stringArg(call.Args, "url")
	default:
		return "", false
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return "", false
	}
	return fmt.Sprintf("%s/%s/%s", call.Server, call.Tool, query), true
}

// count returns how many times this call's query has already executed.
func (q *queryIndex) count(call ToolCall) int {
	key, ok := dedupKey(call)
	if !ok {
		return 0
	}
	return q.counts[key]
}

// record registers an executed call. Recording happens after execution so
// the first occurrence never trips the duplicate guard.
func (q *queryIndex) record(call ToolCall) {
	key, ok := dedupKey(call)
	if !ok {
		return
	}
	q.counts[key]++
}
