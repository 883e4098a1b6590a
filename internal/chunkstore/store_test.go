package chunkstore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/arkeep/arkeep/internal/storage"
)

func newTestStore(t *testing.T, codecName string) *Store {
	t.Helper()
	codec, err := NewCodec(codecName, 0)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	return New(storage.NewMemoryStore(), codec)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t, "none")
	data := []byte("the quick brown fox")

	hash, deduped, err := s.Put(data)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if deduped {
		t.Error("first put must not dedupe")
	}
	if hash != Hash(data) {
		t.Errorf("put returned wrong hash: %s", hash)
	}

	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestPutDeduplicates(t *testing.T) {
	s := newTestStore(t, "none")
	data := []byte("same bytes")

	hash1, _, err := s.Put(data)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	hash2, deduped, err := s.Put(data)
	if err != nil {
		t.Fatalf("second put failed: %v", err)
	}
	if hash1 != hash2 {
		t.Fatalf("identical data produced different hashes: %s vs %s", hash1, hash2)
	}
	if !deduped {
		t.Error("second put of identical data must dedupe")
	}

	refs, err := s.Refs(hash1)
	if err != nil {
		t.Fatalf("refs failed: %v", err)
	}
	if refs != 2 {
		t.Errorf("expected refcount 2, got %d", refs)
	}
}

func TestReleaseDeletesAtZero(t *testing.T) {
	s := newTestStore(t, "none")

	hash, _, err := s.Put([]byte("transient"))
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.Incref(hash); err != nil {
		t.Fatalf("incref failed: %v", err)
	}

	// Two references: first release keeps the body.
	if err := s.Release(hash); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := s.Get(hash); err != nil {
		t.Fatalf("chunk must survive while referenced: %v", err)
	}

	if err := s.Release(hash); err != nil {
		t.Fatalf("final release failed: %v", err)
	}
	if _, err := s.Get(hash); !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("expected ErrChunkNotFound after final release, got %v", err)
	}

	refs, _ := s.Refs(hash)
	if refs != 0 {
		t.Errorf("expected refcount 0, got %d", refs)
	}
}

func TestIncrefUnknownChunk(t *testing.T) {
	s := newTestStore(t, "none")
	if err := s.Incref(Hash([]byte("never stored"))); !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("expected ErrChunkNotFound, got %v", err)
	}
}

func TestGetDetectsCorruption(t *testing.T) {
	backing := storage.NewMemoryStore()
	codec, _ := NewCodec("none", 0)
	s := New(backing, codec)

	hash, _, err := s.Put([]byte("pristine"))
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}

	// Flip the stored body under the store's feet.
	if err := backing.Put(bodyPrefix+hash, []byte("tampered")); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}

	if _, err := s.Get(hash); !errors.Is(err, ErrChunkCorrupt) {
		t.Errorf("expected ErrChunkCorrupt, got %v", err)
	}
}

func TestRoundTripPerCodec(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh12345678"), 512)

	for _, name := range []string{"none", "snappy", "gzip", "zstd"} {
		s := newTestStore(t, name)
		hash, _, err := s.Put(data)
		if err != nil {
			t.Fatalf("%s: put failed: %v", name, err)
		}
		got, err := s.Get(hash)
		if err != nil {
			t.Fatalf("%s: get failed: %v", name, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%s: round trip mismatch", name)
		}
	}
}
