package chunkstore

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestFixedChunkerSizes(t *testing.T) {
	chunker, err := NewChunker("fixed", 100)
	if err != nil {
		t.Fatalf("failed to create chunker: %v", err)
	}

	data := make([]byte, 250)
	chunks := chunker.Split(data)

	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 100 || len(chunks[1]) != 100 || len(chunks[2]) != 50 {
		t.Errorf("unexpected chunk sizes: %d, %d, %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestChunkersAreDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := make([]byte, 64*1024)
	rng.Read(data)

	for _, policy := range []string{"fixed", "rolling"} {
		chunker, err := NewChunker(policy, 4096)
		if err != nil {
			t.Fatalf("%s: failed to create chunker: %v", policy, err)
		}

		first := chunker.Split(data)
		second := chunker.Split(data)
		if len(first) != len(second) {
			t.Fatalf("%s: nondeterministic chunk count: %d vs %d", policy, len(first), len(second))
		}
		for i := range first {
			if !bytes.Equal(first[i], second[i]) {
				t.Errorf("%s: chunk %d differs between runs", policy, i)
			}
		}
	}
}

func TestChunksReassemble(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	data := make([]byte, 100*1024)
	rng.Read(data)

	for _, policy := range []string{"fixed", "rolling"} {
		chunker, err := NewChunker(policy, 8192)
		if err != nil {
			t.Fatalf("%s: failed to create chunker: %v", policy, err)
		}

		var rebuilt []byte
		for _, chunk := range chunker.Split(data) {
			if len(chunk) == 0 {
				t.Fatalf("%s: produced empty chunk", policy)
			}
			rebuilt = append(rebuilt, chunk...)
		}
		if !bytes.Equal(rebuilt, data) {
			t.Errorf("%s: reassembled data differs from input", policy)
		}
	}
}

func TestRollingChunkerBounds(t *testing.T) {
	target := 4096
	chunker, err := NewChunker("rolling", target)
	if err != nil {
		t.Fatalf("failed to create chunker: %v", err)
	}

	rng := rand.New(rand.NewSource(3))
	data := make([]byte, 256*1024)
	rng.Read(data)

	chunks := chunker.Split(data)
	for i, chunk := range chunks {
		if len(chunk) > target*4 {
			t.Errorf("chunk %d exceeds max size: %d", i, len(chunk))
		}
		// Only the final chunk may undercut the minimum.
		if i < len(chunks)-1 && len(chunk) < target/4 {
			t.Errorf("chunk %d below min size: %d", i, len(chunk))
		}
	}
}

func TestRollingChunkerLocalizesEdits(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	data := make([]byte, 128*1024)
	rng.Read(data)

	chunker, err := NewChunker("rolling", 4096)
	if err != nil {
		t.Fatalf("failed to create chunker: %v", err)
	}

	before := chunker.Split(data)

	// Insert a few bytes near the front; most chunks further in must
	// keep their identity.
	edited := append([]byte{}, data[:100]...)
	edited = append(edited, []byte("inserted")...)
	edited = append(edited, data[100:]...)
	after := chunker.Split(edited)

	beforeHashes := make(map[string]struct{}, len(before))
	for _, chunk := range before {
		beforeHashes[Hash(chunk)] = struct{}{}
	}
	shared := 0
	for _, chunk := range after {
		if _, ok := beforeHashes[Hash(chunk)]; ok {
			shared++
		}
	}

	if shared*2 < len(after) {
		t.Errorf("edit rewrote too many chunks: only %d of %d shared", shared, len(after))
	}
}

func TestUnknownChunkPolicy(t *testing.T) {
	if _, err := NewChunker("adaptive", 4096); err == nil {
		t.Error("expected error for unknown policy")
	}
	if _, err := NewChunker("fixed", 0); err == nil {
		t.Error("expected error for non-positive size")
	}
}
