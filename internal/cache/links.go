package cache

import (
	"regexp"
	"sort"
	"strings"
)

var (
	markdownImage = regexp.MustCompile(`!\[[^\]]*\]\((https?://[^\s)]+)`)
	bareImageURL  = regexp.MustCompile(`https?://[^\s)"'<>]+\.(?i:png|jpe?g|gif|webp|svg)(?:\?[^\s)"'<>]*)?`)
)

// ExtractLinks returns the distinct image URLs referenced by content, in
// order of first appearance.
func ExtractLinks(content string) []string {
	if !strings.Contains(content, "http") {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(u string) {
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	type hit struct {
		pos int
		url string
	}
	var hits []hit
	for _, m := range markdownImage.FindAllStringSubmatchIndex(content, -1) {
		hits = append(hits, hit{pos: m[2], url: content[m[2]:m[3]]})
	}
	for _, m := range bareImageURL.FindAllStringIndex(content, -1) {
		hits = append(hits, hit{pos: m[0], url: content[m[0]:m[1]]})
	}
	// both patterns can match the same URL
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	for _, h := range hits {
		add(h.url)
	}
	return out
}
