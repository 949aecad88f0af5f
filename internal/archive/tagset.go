package archive

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// TagSet is an ordered, deduplicating set of tags that is safe for
// concurrent use. It backs both the per-block predictive accumulator
// and the per-session tag cache.
type TagSet struct {
	mu   sync.Mutex
	tags []string
}

// Add merges tags into the set, keeping first-seen order.
func (s *TagSet) Add(tags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = lo.Uniq(lo.Compact(append(s.tags, tags...)))
}

// Items returns a copy of the tags.
func (s *TagSet) Items() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tags)
}

// Len returns the number of tags.
func (s *TagSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tags)
}

// Clear empties the set.
func (s *TagSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = nil
}
