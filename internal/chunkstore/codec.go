package chunkstore

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec compresses chunk payloads. Codec choice and level come from
// configuration; the chunk hash is always computed over the
// uncompressed bytes so codec changes never break identity.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NewCodec creates a codec by name: "none", "snappy", "gzip" or "zstd".
func NewCodec(name string, level int) (Codec, error) {
	switch name {
	case "none", "":
		return noneCodec{}, nil
	case "snappy":
		return snappyCodec{}, nil
	case "gzip":
		if level == 0 {
			level = gzip.DefaultCompression
		}
		if level < gzip.HuffmanOnly || level > gzip.BestCompression {
			return nil, fmt.Errorf("invalid gzip level %d", level)
		}
		return gzipCodec{level: level}, nil
	case "zstd":
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return zstdCodec{enc: enc, dec: dec}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type noneCodec struct{}

func (noneCodec) Name() string                            { return "none" }
func (noneCodec) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCodec) Decompress(data []byte) ([]byte, error) { return data, nil }

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCodec) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("snappy decompression failed: %w", err)
	}
	return out, nil
}

type gzipCodec struct {
	level int
}

func (gzipCodec) Name() string { return "gzip" }

func (c gzipCodec) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c gzipCodec) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip decompression failed: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gzip decompression failed: %w", err)
	}
	return out, nil
}

type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func (zstdCodec) Name() string { return "zstd" }

func (c zstdCodec) Compress(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

func (c zstdCodec) Decompress(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}
