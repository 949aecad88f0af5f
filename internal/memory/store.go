// Package memory is the per-user long-term memory store. Each record is
// a summarized conversation segment with its tags, the original messages
// and an embedding of the summary.
//
// Records live in two halves that must agree: a SQLite table holds the
// metadata and a chromem-go collection holds the vectors. Both halves
// share one id, drawn from the table's AUTOINCREMENT sequence. Appends
// take the write lock for the whole two-phase write, so readers never
// see a record in one half only.
package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	chromem "github.com/philippgille/chromem-go"

	"github.com/nugget/kiku/internal/llm"
)

const (
	dbFile         = "memories.db"
	vectorDir      = "vectors"
	collectionName = "memories"
)

// Errors returned by the store.
var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrInvalidEmbedding  = errors.New("embedding is empty or has zero norm")
	ErrNotFound          = errors.New("memory not found")
)

// Record is one archived conversation segment.
type Record struct {
	ID        int64         `json:"id"`
	Summary   string        `json:"summary"`
	Tags      []string      `json:"tags"`
	Chunk     []llm.Message `json:"original_chunk"`
	Embedding []float32     `json:"-"`
	CreatedAt time.Time     `json:"created_at"`

	// Similarity is set by Search: cosine similarity to the query.
	Similarity float64 `json:"similarity,omitempty"`
}

// Options tune a Store.
type Options struct {
	// MaxRecords caps the number of records kept; the oldest are pruned
	// after an append pushes the store over the limit. Zero is unbounded.
	MaxRecords int

	Logger *slog.Logger
}

// Store is a user's long-term memory.
type Store struct {
	mu         sync.RWMutex
	db         *sql.DB
	index      *chromem.Collection
	dims       int
	maxRecords int
	logger     *slog.Logger

	// failpoint lets tests fail the two-phase write at a named stage.
	failpoint func(stage string) error
}

// Open opens (creating if needed) the store rooted at dir and reconciles
// its two halves.
func Open(ctx context.Context, dir string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create memory directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, dbFile)+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	vectors, err := chromem.NewPersistentDB(filepath.Join(dir, vectorDir), false)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	index, err := vectors.GetOrCreateCollection(collectionName, nil, noEmbedding)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open vector collection: %w", err)
	}

	s := &Store{
		db:         db,
		index:      index,
		maxRecords: opts.MaxRecords,
		logger:     logger.With("component", "memory"),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.loadDimensions(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.reconcile(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	return s, nil
}

// noEmbedding is the collection's embedding function. Every document
// arrives with its vector, so being asked to embed text is a bug.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("memory index does not embed text")
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		summary TEXT NOT NULL,
		tags TEXT NOT NULL,
		original_chunk TEXT NOT NULL,
		embedding BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memory_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) loadDimensions(ctx context.Context) error {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM memory_meta WHERE key = 'dimensions'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load dimensions: %w", err)
	}
	dims, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse dimensions %q: %w", value, err)
	}
	s.dims = dims
	return nil
}

// Close releases the database. The vector index persists on every write
// and holds no open files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Dimensions returns the embedding size fixed by the first append, or
// zero for an empty store.
func (s *Store) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dims
}

// Append stores a record in both halves and returns its id. On any
// failure neither half keeps the record.
func (s *Store) Append(ctx context.Context, summary string, tags []string, chunk []llm.Message, embedding []float32) (int64, error) {
	if !validVector(embedding) {
		return 0, ErrInvalidEmbedding
	}
	if tags == nil {
		tags = []string{}
	}
	if chunk == nil {
		chunk = []llm.Message{}
	}
	tagsJSON, chunkJSON, err := marshalRecord(tags, chunk)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dims != 0 && len(embedding) != s.dims {
		return 0, fmt.Errorf("%w: got %d, store uses %d", ErrDimensionMismatch, len(embedding), s.dims)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO memories (summary, tags, original_chunk, embedding, created_at) VALUES (?, ?, ?, ?, ?)`,
		summary, tagsJSON, chunkJSON, encodeVector(embedding), time.Now().UTC(),
	)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("insert memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("read memory id: %w", err)
	}

	if s.dims == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO memory_meta (key, value) VALUES ('dimensions', ?)`,
			strconv.Itoa(len(embedding)),
		); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("record dimensions: %w", err)
		}
	}

	docID := strconv.FormatInt(id, 10)
	err = s.fail("index")
	if err == nil {
		err = s.index.AddDocument(ctx, chromem.Document{
			ID:        docID,
			Embedding: embedding,
			Content:   summary,
		})
	}
	if err != nil {
		tx.Rollback()
		// AddDocument keeps the vector in memory when persisting fails.
		s.removeVectors(ctx, docID)
		return 0, fmt.Errorf("index memory: %w", err)
	}

	err = s.fail("commit")
	if err == nil {
		err = tx.Commit()
	} else {
		tx.Rollback()
	}
	if err != nil {
		s.removeVectors(ctx, docID)
		return 0, fmt.Errorf("commit memory: %w", err)
	}

	if s.dims == 0 {
		s.dims = len(embedding)
	}
	s.logger.Debug("memory appended", "id", id, "tags", tags, "summary_len", len(summary))

	if s.maxRecords > 0 {
		s.prune(ctx)
	}
	return id, nil
}

func (s *Store) fail(stage string) error {
	if s.failpoint == nil {
		return nil
	}
	return s.failpoint(stage)
}

func (s *Store) removeVectors(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	if err := s.index.Delete(ctx, nil, nil, ids...); err != nil {
		s.logger.Error("failed to remove vectors", "ids", ids, "error", err)
	}
}

// prune drops the oldest records beyond maxRecords. Called with the
// write lock held.
func (s *Store) prune(ctx context.Context) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&total); err != nil {
		s.logger.Warn("prune count failed", "error", err)
		return
	}
	excess := total - s.maxRecords
	if excess <= 0 {
		return
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM memories ORDER BY id ASC LIMIT ?`, excess)
	if err != nil {
		s.logger.Warn("prune select failed", "error", err)
		return
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.logger.Warn("prune scan failed", "error", err)
			return
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Warn("prune begin failed", "error", err)
		return
	}
	docIDs := make([]string, len(ids))
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
			tx.Rollback()
			s.logger.Warn("prune delete failed", "id", id, "error", err)
			return
		}
		docIDs[i] = strconv.FormatInt(id, 10)
	}
	if err := tx.Commit(); err != nil {
		s.logger.Warn("prune commit failed", "error", err)
		return
	}
	// A vector left behind here is removed by the next reconcile.
	s.removeVectors(ctx, docIDs...)
	s.logger.Info("pruned old memories", "count", len(ids), "max_records", s.maxRecords)
}

// Search returns up to k records closest to embedding, most similar
// first. It never fails: an empty store, k <= 0, a dimension mismatch or
// a storage error all yield an empty result.
func (s *Store) Search(ctx context.Context, embedding []float32, k int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.index.Count()
	if k <= 0 || n == 0 {
		return nil
	}
	if !validVector(embedding) {
		s.logger.Debug("search skipped, invalid query vector")
		return nil
	}
	if s.dims != 0 && len(embedding) != s.dims {
		s.logger.Warn("search skipped, dimension mismatch", "query_dims", len(embedding), "store_dims", s.dims)
		return nil
	}
	if k > n {
		k = n
	}

	results, err := s.index.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		s.logger.Warn("vector query failed", "error", err)
		return nil
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	records := make([]Record, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			s.logger.Warn("skipping vector with bad id", "id", r.ID)
			continue
		}
		rec, err := s.get(ctx, id)
		if err != nil {
			s.logger.Warn("skipping vector without metadata", "id", id, "error", err)
			continue
		}
		rec.Similarity = float64(r.Similarity)
		records = append(records, rec)
	}
	return records
}

// Get returns a single record.
func (s *Store) Get(ctx context.Context, id int64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id int64) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, summary, tags, original_chunk, embedding, created_at FROM memories WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return rec, err
}

// Count returns the number of records.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// IndexCount returns the number of vectors in the index. It equals Count
// whenever no append is in flight.
func (s *Store) IndexCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Count()
}

func validVector(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	var norm float64
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
		norm += float64(x) * float64(x)
	}
	return norm > 0
}
