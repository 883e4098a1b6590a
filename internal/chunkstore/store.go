package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/arkeep/arkeep/internal/metrics"
	"github.com/arkeep/arkeep/internal/storage"
)

const (
	bodyPrefix = "chunk:"
	metaPrefix = "chunkref:"
)

var (
	// ErrChunkNotFound is returned when no chunk exists for a hash.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrChunkCorrupt is returned when a stored body does not hash to
	// its key after decompression.
	ErrChunkCorrupt = errors.New("chunk corrupt")
)

// chunkMeta is the reference-count record kept beside each chunk body.
type chunkMeta struct {
	Refs       int64 `json:"refs"`
	RawSize    int   `json:"raw_size"`
	StoredSize int   `json:"stored_size"`
}

// Store is the content-addressed chunk store. Chunk identity is the
// SHA-256 of the uncompressed bytes; identical segments across backups
// share one stored body. Reference counts are mutated under per-hash
// striped locks and a body is physically deleted only at refcount zero.
type Store struct {
	store  storage.Store
	codec  Codec
	shards [64]sync.Mutex
}

// New creates a chunk store over the given durable store.
func New(store storage.Store, codec Codec) *Store {
	return &Store{store: store, codec: codec}
}

// Hash returns the content hash used as chunk identity.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *Store) shard(hash string) *sync.Mutex {
	if hash == "" {
		return &s.shards[0]
	}
	return &s.shards[hash[0]%64]
}

func (s *Store) getMeta(hash string) (chunkMeta, bool, error) {
	raw, err := s.store.Get(metaPrefix + hash)
	if errors.Is(err, storage.ErrNotFound) {
		return chunkMeta{}, false, nil
	}
	if err != nil {
		return chunkMeta{}, false, err
	}
	var meta chunkMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return chunkMeta{}, false, fmt.Errorf("undecodable chunk meta for %s: %w", hash, err)
	}
	return meta, true, nil
}

func (s *Store) putMeta(hash string, meta chunkMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.store.Put(metaPrefix+hash, raw)
}

// Put stores one chunk, deduplicating on content. If a chunk with the
// same hash exists its reference count is incremented and no body is
// written. Returns the hash and whether the write was deduplicated.
func (s *Store) Put(data []byte) (string, bool, error) {
	hash := Hash(data)

	mu := s.shard(hash)
	mu.Lock()
	defer mu.Unlock()

	meta, exists, err := s.getMeta(hash)
	if err != nil {
		return "", false, err
	}
	if exists {
		meta.Refs++
		if err := s.putMeta(hash, meta); err != nil {
			return "", false, err
		}
		metrics.ChunksDedupedTotal.Inc()
		return hash, true, nil
	}

	compressed, err := s.codec.Compress(data)
	if err != nil {
		return "", false, fmt.Errorf("chunk compression failed: %w", err)
	}
	if err := s.store.Put(bodyPrefix+hash, compressed); err != nil {
		return "", false, fmt.Errorf("chunk write failed: %w", err)
	}
	if err := s.putMeta(hash, chunkMeta{Refs: 1, RawSize: len(data), StoredSize: len(compressed)}); err != nil {
		return "", false, err
	}

	metrics.ChunksStoredTotal.Inc()
	metrics.ChunkBytesWritten.Add(float64(len(compressed)))
	return hash, false, nil
}

// Get reads and decompresses a chunk, verifying its content hash.
func (s *Store) Get(hash string) ([]byte, error) {
	compressed, err := s.store.Get(bodyPrefix + hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrChunkNotFound, hash)
	}
	if err != nil {
		return nil, err
	}

	data, err := s.codec.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrChunkCorrupt, hash, err)
	}
	if Hash(data) != hash {
		return nil, fmt.Errorf("%w: %s: content hash mismatch", ErrChunkCorrupt, hash)
	}
	return data, nil
}

// Incref adds a reference to an existing chunk, e.g. when a snapshot
// backup reuses its parent's chunks without rewriting them.
func (s *Store) Incref(hash string) error {
	mu := s.shard(hash)
	mu.Lock()
	defer mu.Unlock()

	meta, exists, err := s.getMeta(hash)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrChunkNotFound, hash)
	}
	meta.Refs++
	return s.putMeta(hash, meta)
}

// Release drops one reference. At refcount zero the body and its meta
// record are physically deleted.
func (s *Store) Release(hash string) error {
	mu := s.shard(hash)
	mu.Lock()
	defer mu.Unlock()

	meta, exists, err := s.getMeta(hash)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	meta.Refs--
	if meta.Refs > 0 {
		return s.putMeta(hash, meta)
	}

	if err := s.store.Delete(bodyPrefix + hash); err != nil {
		return err
	}
	return s.store.Delete(metaPrefix + hash)
}

// Refs returns the current reference count for a hash, 0 if absent.
func (s *Store) Refs(hash string) (int64, error) {
	mu := s.shard(hash)
	mu.Lock()
	defer mu.Unlock()

	meta, exists, err := s.getMeta(hash)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	return meta.Refs, nil
}
