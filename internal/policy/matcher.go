package policy

import (
	"net/url"
	"strings"

	"github.com/any-hub/shellcache/internal/fetch"
)

// substringMatcher 以子串方式匹配请求的绝对 URL。
type substringMatcher struct {
	patterns []string
	// rootOnly 为 true 时，表示列表中包含根路径条目（"/"、"./"），只匹配源站目录本身。
	rootOnly bool
	origin   *url.URL
}

// newBypassMatcher 构造 cache-first 的排除列表，按原样做子串匹配。
func newBypassMatcher(patterns []string) substringMatcher {
	return substringMatcher{patterns: cleanPatterns(patterns, false)}
}

// newLocalMatcher 构造 selective 的本地资源列表。"./index.html" 与 "index.html" 等价；
// 根路径条目不参与子串匹配，否则 "/" 会命中所有 URL。
func newLocalMatcher(patterns []string, origin *url.URL) substringMatcher {
	m := substringMatcher{origin: origin}
	for _, raw := range patterns {
		if isRootPattern(raw) {
			m.rootOnly = true
		}
	}
	m.patterns = cleanPatterns(patterns, true)
	return m
}

func (m substringMatcher) Match(req *fetch.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if m.rootOnly && m.origin != nil && fetch.SameOrigin(m.origin, req.URL) {
		root := fetch.BaseURL(m.origin).Path
		if p := req.URL.Path; p == root || p+"/" == root || (p == "" && root == "/") {
			return true
		}
	}
	target := req.String()
	for _, pattern := range m.patterns {
		if strings.Contains(target, pattern) {
			return true
		}
	}
	return false
}

func isRootPattern(raw string) bool {
	switch strings.TrimSpace(raw) {
	case "/", "./", ".":
		return true
	}
	return false
}

func cleanPatterns(patterns []string, local bool) []string {
	result := make([]string, 0, len(patterns))
	for _, raw := range patterns {
		pattern := strings.TrimSpace(raw)
		if pattern == "" {
			continue
		}
		if local {
			if isRootPattern(pattern) {
				continue
			}
			pattern = strings.TrimPrefix(pattern, "./")
		}
		result = append(result, pattern)
	}
	return result
}
