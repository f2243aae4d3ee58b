// Package wordwatch maintains a per-channel set of watched phrases compiled
// into a single word-boundary alternation, so each chat message costs one
// regexp scan regardless of how many phrases are tracked.
package wordwatch

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Matcher is safe for concurrent use; matches proceed under a shared lock and
// only a rebuild (Add/Remove of a new phrase) excludes them.
type Matcher struct {
	mu      sync.RWMutex
	phrases map[string]struct{}
	pattern *regexp.Regexp
}

func New() *Matcher {
	return &Matcher{phrases: make(map[string]struct{})}
}

// Add registers a phrase, case-insensitively. Adding a phrase that is already
// present is a no-op and does not trigger a rebuild.
func (m *Matcher) Add(phrase string) error {
	key := strings.ToLower(strings.TrimSpace(phrase))
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.phrases[key]; ok {
		return nil
	}
	m.phrases[key] = struct{}{}
	return m.rebuild()
}

// Remove drops a phrase and rebuilds the pattern. Unknown phrases are ignored.
func (m *Matcher) Remove(phrase string) error {
	key := strings.ToLower(strings.TrimSpace(phrase))
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.phrases[key]; !ok {
		return nil
	}
	delete(m.phrases, key)
	return m.rebuild()
}

// IsMatch reports whether text contains a whole-word occurrence of any watched
// phrase. An empty phrase set never matches.
func (m *Matcher) IsMatch(text string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pattern == nil {
		return false
	}
	return m.pattern.MatchString(text)
}

// Phrases returns the watched phrases in sorted order.
func (m *Matcher) Phrases() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.phrases))
	for p := range m.phrases {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// rebuild recompiles the combined pattern. Caller holds the write lock.
func (m *Matcher) rebuild() error {
	if len(m.phrases) == 0 {
		m.pattern = nil
		return nil
	}
	alts := make([]string, 0, len(m.phrases))
	for p := range m.phrases {
		alts = append(alts, regexp.QuoteMeta(p))
	}
	sort.Strings(alts)
	re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
	if err != nil {
		return err
	}
	m.pattern = re
	return nil
}
