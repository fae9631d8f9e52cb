package server

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// citationRe matches the inline citation markers the model plants in final
// answers, e.g. <researchrefsource data-ids="[3,7]"></researchrefsource>.
var citationRe = regexp.MustCompile(`<researchrefsource\s+data-ids="\[([^\]]+)\]"\s*></researchrefsource>`)

// extractCitations strips citation markers from text and returns the
// cleaned text together with the sorted unique source indices the markers
// referenced. Unparseable ids are skipped.
func extractCitations(text string) (string, []int) {
	if !strings.Contains(text, "<researchrefsource") {
		return text, nil
	}
	seen := make(map[int]bool)
	clean := citationRe.ReplaceAllStringFunc(text, func(marker string) string {
		groups := citationRe.FindStringSubmatch(marker)
		if len(groups) < 2 {
			return ""
		}
		for _, part := range strings.Split(groups[1], ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
				seen[n] = true
			}
		}
		return ""
	})
	if len(seen) == 0 {
		return clean, nil
	}
	cited := make([]int, 0, len(seen))
	for n := range seen {
		cited = append(cited, n)
	}
	sort.Ints(cited)
	return clean, cited
}
