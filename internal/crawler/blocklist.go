package crawler

import (
	"net/url"
	"strings"
)

// DefaultBlockedSuffixes lists binary document extensions never worth reranking.
var DefaultBlockedSuffixes = []string{".zip", ".docx", ".pptx", ".xlsx"}

// SuffixBlocklist matches URL paths ending in one of a configured set of suffixes.
type SuffixBlocklist struct {
	suffixes []string
}

// NewSuffixBlocklist normalizes the patterns; a nil result never blocks.
func NewSuffixBlocklist(patterns []string) *SuffixBlocklist {
	matcher := &SuffixBlocklist{}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		if !strings.HasPrefix(value, ".") {
			value = "." + value
		}
		matcher.addSuffix(value)
	}
	if len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (b *SuffixBlocklist) addSuffix(suffix string) {
	for _, existing := range b.suffixes {
		if existing == suffix {
			return
		}
	}
	b.suffixes = append(b.suffixes, suffix)
}

// IsBlocked reports whether the link's path ends in a blocked suffix.
func (b *SuffixBlocklist) IsBlocked(link string) bool {
	if b == nil {
		return false
	}
	path := link
	if u, err := url.Parse(link); err == nil {
		path = u.Path
	}
	path = strings.ToLower(path)
	for _, suffix := range b.suffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}
