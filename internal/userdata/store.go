// Package userdata persists the per-user documents that outlive a
// session: the durable conversation history and the known-facts map.
// All users share one bbolt file, each under its own bucket.
package userdata

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/nugget/kiku/internal/llm"
)

var (
	usersBucket   = []byte("users")
	historyBucket = []byte("history")
	factsKey      = []byte("facts")
)

// Store is the shared user document database.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database file at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create userdata directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open userdata: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(usersBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init userdata: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "userdata")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Users returns the names of all users with stored data, sorted.
func (s *Store) Users() ([]string, error) {
	var users []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).ForEachBucket(func(k []byte) error {
			users = append(users, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(users)
	return users, nil
}

// userBucket returns the bucket for user, creating it in a writable tx.
func userBucket(tx *bolt.Tx, user string) (*bolt.Bucket, error) {
	if user == "" {
		return nil, errors.New("empty user id")
	}
	root := tx.Bucket(usersBucket)
	if tx.Writable() {
		return root.CreateBucketIfNotExists([]byte(user))
	}
	return root.Bucket([]byte(user)), nil
}

// History returns the durable conversation history of user.
func (s *Store) History(user string) *History {
	return &History{db: s.db, user: user}
}

// Facts returns the known-facts document of user.
func (s *Store) Facts(user string) *Facts {
	return &Facts{db: s.db, user: user}
}

// History is an append-only list of conversation turns.
type History struct {
	db   *bolt.DB
	user string
}

// Append adds msg to the end of the history.
func (h *History) Append(msg llm.Message) error {
	enc, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return h.db.Update(func(tx *bolt.Tx) error {
		ub, err := userBucket(tx, h.user)
		if err != nil {
			return err
		}
		b, err := ub.CreateBucketIfNotExists(historyBucket)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, enc)
	})
}

// Load returns the whole history, oldest first. A user with no history
// gets an empty slice.
func (h *History) Load() ([]llm.Message, error) {
	msgs := []llm.Message{}
	err := h.db.View(func(tx *bolt.Tx) error {
		ub, err := userBucket(tx, h.user)
		if err != nil || ub == nil {
			return err
		}
		b := ub.Bucket(historyBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var m llm.Message
			if err := json.Unmarshal(v, &m); err != nil {
				// Skip malformed entries instead of failing the whole load.
				return nil
			}
			msgs = append(msgs, m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load history of %s: %w", h.user, err)
	}
	return msgs, nil
}

// Clear removes the whole history.
func (h *History) Clear() error {
	return h.db.Update(func(tx *bolt.Tx) error {
		ub, err := userBucket(tx, h.user)
		if err != nil {
			return err
		}
		if ub.Bucket(historyBucket) == nil {
			return nil
		}
		return ub.DeleteBucket(historyBucket)
	})
}

// Facts is a user's known-facts map. Updates merge key by key; a fact is
// only ever replaced by a newer value for the same key.
type Facts struct {
	db   *bolt.DB
	user string
}

// Load returns the stored facts, or an empty map.
func (f *Facts) Load() (map[string]any, error) {
	facts := map[string]any{}
	err := f.db.View(func(tx *bolt.Tx) error {
		ub, err := userBucket(tx, f.user)
		if err != nil || ub == nil {
			return err
		}
		return decodeFacts(ub.Get(factsKey), facts)
	})
	if err != nil {
		return nil, fmt.Errorf("load facts of %s: %w", f.user, err)
	}
	return facts, nil
}

// Merge applies update on top of the stored facts and returns the result.
func (f *Facts) Merge(update map[string]any) (map[string]any, error) {
	merged := map[string]any{}
	err := f.db.Update(func(tx *bolt.Tx) error {
		ub, err := userBucket(tx, f.user)
		if err != nil {
			return err
		}
		if err := decodeFacts(ub.Get(factsKey), merged); err != nil {
			return err
		}
		for k, v := range update {
			merged[k] = v
		}
		enc, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("marshal facts: %w", err)
		}
		return ub.Put(factsKey, enc)
	})
	if err != nil {
		return nil, fmt.Errorf("merge facts of %s: %w", f.user, err)
	}
	return merged, nil
}

func decodeFacts(raw []byte, into map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &into); err != nil {
		return fmt.Errorf("decode facts: %w", err)
	}
	return nil
}
