package memory

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/nugget/kiku/internal/llm"
)

// encodeVector packs a vector as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

func marshalRecord(tags []string, chunk []llm.Message) (string, string, error) {
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("marshal tags: %w", err)
	}
	chunkJSON, err := json.Marshal(chunk)
	if err != nil {
		return "", "", fmt.Errorf("marshal chunk: %w", err)
	}
	return string(tagsJSON), string(chunkJSON), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec       Record
		tagsJSON  string
		chunkJSON string
		blob      []byte
		createdAt time.Time
	)
	if err := row.Scan(&rec.ID, &rec.Summary, &tagsJSON, &chunkJSON, &blob, &createdAt); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
		return Record{}, fmt.Errorf("decode tags of %d: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(chunkJSON), &rec.Chunk); err != nil {
		return Record{}, fmt.Errorf("decode chunk of %d: %w", rec.ID, err)
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return Record{}, fmt.Errorf("decode embedding of %d: %w", rec.ID, err)
	}
	rec.Embedding = vec
	rec.CreatedAt = createdAt
	return rec, nil
}
