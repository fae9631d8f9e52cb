package server

import "strings"

const toolTagOpen = "<use_mcp_tool>"

// streamTags are the markers the filter must never let through split
// across chunk boundaries.
var streamTags = []string{toolTagOpen, "<think>", "</think>"}

// thinkFilter cleans streamed model text for the think-block surface.
// Tool-call syntax is machinery, not progress: once <use_mcp_tool> opens,
// the rest of the turn is suppressed. Think tags are stripped, and a
// trailing fragment that could still grow into a tag is held back until
// the next delta resolves it. Reset the filter at the start of each turn.
type thinkFilter struct {
	pending  string
	suppress bool
}

func (f *thinkFilter) reset() {
	f.pending = ""
	f.suppress = false
}

// feed appends delta text and returns the displayable part.
func (f *thinkFilter) feed(text string) string {
	if f.suppress {
		return ""
	}
	f.pending += text
	if i := strings.Index(f.pending, toolTagOpen); i >= 0 {
		out := f.pending[:i]
		f.pending = ""
		f.suppress = true
		return stripThinkTags(out)
	}
	hold := holdback(f.pending)
	out := f.pending[:len(f.pending)-hold]
	f.pending = f.pending[len(f.pending)-hold:]
	return stripThinkTags(out)
}

// flush releases held text at the end of the turn.
func (f *thinkFilter) flush() string {
	if f.suppress {
		f.reset()
		return ""
	}
	out := stripThinkTags(f.pending)
	f.pending = ""
	return out
}

// holdback returns how many trailing bytes of s could still grow into one
// of the stream tags. Complete tags are not held; the replacer strips
// them on release.
func holdback(s string) int {
	longest := 0
	for _, tag := range streamTags {
		if len(tag) > longest {
			longest = len(tag)
		}
	}
	if longest > len(s) {
		longest = len(s)
	}
	for n := longest; n > 0; n-- {
		suffix := s[len(s)-n:]
		for _, tag := range streamTags {
			if n < len(tag) && strings.HasPrefix(tag, suffix) {
				return n
			}
		}
	}
	return 0
}

var thinkTagReplacer = strings.NewReplacer("<think>", "", "</think>", "")

func stripThinkTags(s string) string {
	return thinkTagReplacer.Replace(s)
}
