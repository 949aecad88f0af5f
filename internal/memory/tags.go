package memory

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/samber/lo"
)

// AllTags returns every distinct tag in the store, sorted. Storage
// errors are logged and yield an empty list.
func (s *Store) AllTags(ctx context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT tags FROM memories`)
	if err != nil {
		s.logger.Warn("failed to load tag vocabulary", "error", err)
		return []string{}
	}
	defer rows.Close()

	var all []string
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			s.logger.Warn("failed to scan tags", "error", err)
			return []string{}
		}
		var tags []string
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			s.logger.Debug("skipping undecodable tags", "error", err)
			continue
		}
		all = append(all, tags...)
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("failed to read tags", "error", err)
		return []string{}
	}

	all = lo.Uniq(lo.Compact(all))
	sort.Strings(all)
	return all
}
