package event

import "strings"

var topicReplacer = strings.NewReplacer("_", "-", ".", "-")

// NormalizeTopic lowercases the type and maps '_' and '.' to '-'.
func NormalizeTopic(t string) string {
	return topicReplacer.Replace(strings.ToLower(strings.TrimSpace(t)))
}

// Filter is a normalized topic set. The zero value matches every topic.
type Filter map[string]struct{}

// NewFilter normalizes the given topics. Blank entries are ignored.
func NewFilter(topics []string) Filter {
	f := make(Filter, len(topics))
	for _, t := range topics {
		n := NormalizeTopic(t)
		if n == "" {
			continue
		}
		f[n] = struct{}{}
	}
	return f
}

// ParseFilter reads a comma-separated topic list such as the "topics" query parameter.
func ParseFilter(raw string) Filter {
	if raw == "" {
		return Filter{}
	}
	return NewFilter(strings.Split(raw, ","))
}

// Matches reports whether an event type passes the filter. Matching is exact
// after normalization; there is no prefix or wildcard matching.
func (f Filter) Matches(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[NormalizeTopic(eventType)]
	return ok
}

// Topics returns the normalized topics, unordered.
func (f Filter) Topics() []string {
	out := make([]string, 0, len(f))
	for t := range f {
		out = append(out, t)
	}
	return out
}
