package chunkstore

import "fmt"

// Chunker splits a byte stream into chunks. Identical inputs must
// produce identical chunk sequences so deduplication works.
type Chunker interface {
	Name() string
	Split(data []byte) [][]byte
}

// NewChunker creates a chunker by policy: "fixed" or "rolling".
func NewChunker(policy string, targetSize int) (Chunker, error) {
	if targetSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive")
	}
	switch policy {
	case "fixed", "":
		return fixedChunker{size: targetSize}, nil
	case "rolling":
		return newRollingChunker(targetSize), nil
	default:
		return nil, fmt.Errorf("unknown chunk policy %q", policy)
	}
}

type fixedChunker struct {
	size int
}

func (fixedChunker) Name() string { return "fixed" }

func (c fixedChunker) Split(data []byte) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		n := c.size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// rollingChunker does content-defined chunking with a polynomial rolling
// hash over a fixed window. Cut points depend only on content, so an
// insertion early in the stream shifts at most a few chunk boundaries
// instead of rewriting every fixed-size slot.
type rollingChunker struct {
	target int
	min    int
	max    int
	mask   uint64
}

func newRollingChunker(target int) rollingChunker {
	mask := uint64(1)
	for mask < uint64(target) {
		mask <<= 1
	}
	return rollingChunker{
		target: target,
		min:    target / 4,
		max:    target * 4,
		mask:   mask - 1,
	}
}

func (rollingChunker) Name() string { return "rolling" }

func (c rollingChunker) Split(data []byte) [][]byte {
	var chunks [][]byte
	for len(data) > 0 {
		cut := c.nextCut(data)
		chunks = append(chunks, data[:cut])
		data = data[cut:]
	}
	return chunks
}

func (c rollingChunker) nextCut(data []byte) int {
	if len(data) <= c.min {
		return len(data)
	}
	limit := len(data)
	if limit > c.max {
		limit = c.max
	}

	// hash<<1 ages each byte's contribution out of the accumulator after
	// 64 steps, giving an effective 64-byte window.
	var hash uint64
	for i := 0; i < limit; i++ {
		hash = hash<<1 + uint64(data[i])*2654435761
		if i >= c.min && hash&c.mask == 0 {
			return i + 1
		}
	}
	return limit
}
