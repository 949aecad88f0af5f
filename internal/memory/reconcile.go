package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	chromem "github.com/philippgille/chromem-go"
)

// reconcile makes the vector index agree with the metadata table after a
// crash between the two halves of a write. Rows whose vector is missing
// are re-indexed from the stored embedding, and vectors with no row are
// dropped.
func (s *Store) reconcile(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, summary, embedding FROM memories`)
	if err != nil {
		return fmt.Errorf("list memories: %w", err)
	}
	type row struct {
		id      int64
		summary string
		blob    []byte
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.summary, &r.blob); err != nil {
			rows.Close()
			return fmt.Errorf("scan memory: %w", err)
		}
		all = append(all, r)
	}
	rows.Close()

	present := make(map[string]bool, len(all))
	reindexed := 0
	for _, r := range all {
		docID := strconv.FormatInt(r.id, 10)
		present[docID] = true
		if _, err := s.index.GetByID(ctx, docID); err == nil {
			continue
		}
		vec, err := decodeVector(r.blob)
		if err != nil || !validVector(vec) {
			s.logger.Warn("cannot reindex memory, bad stored embedding", "id", r.id)
			continue
		}
		if err := s.index.AddDocument(ctx, chromem.Document{ID: docID, Embedding: vec, Content: r.summary}); err != nil {
			return fmt.Errorf("reindex %d: %w", r.id, err)
		}
		reindexed++
	}

	excess := s.index.Count() - len(present)
	removed := 0
	if excess > 0 {
		// Orphans come from appends or prunes that never finished, so
		// their ids are at most one past the sequence.
		var seq int64
		err := s.db.QueryRowContext(ctx, `SELECT seq FROM sqlite_sequence WHERE name = 'memories'`).Scan(&seq)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read sequence: %w", err)
		}
		for id := int64(1); id <= seq+1 && removed < excess; id++ {
			docID := strconv.FormatInt(id, 10)
			if present[docID] {
				continue
			}
			if _, err := s.index.GetByID(ctx, docID); err != nil {
				continue
			}
			if err := s.index.Delete(ctx, nil, nil, docID); err != nil {
				return fmt.Errorf("drop orphan vector %s: %w", docID, err)
			}
			removed++
		}
	}

	if reindexed > 0 || removed > 0 {
		s.logger.Info("memory store reconciled", "reindexed", reindexed, "orphans_removed", removed)
	}
	if n := s.index.Count(); n != len(present) {
		s.logger.Warn("vector index still disagrees with metadata", "vectors", n, "rows", len(present))
	}
	return nil
}
