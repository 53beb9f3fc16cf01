// Package archive owns the archive directory: the index journal, the
// on-disk entry format, compression codecs and the lifecycle operations
// (archive, cleanup, restore, status, verify).
package archive

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// MaxDecompressedBytes bounds what a single archive may expand to.
const MaxDecompressedBytes = 256 << 20

// Algorithm identifies the compression applied to an archive file.
type Algorithm string

const (
	AlgorithmNone Algorithm = ""
	AlgorithmZstd Algorithm = "zstd"
	AlgorithmLZ4  Algorithm = "lz4"
)

// ParseAlgorithm parses a configured codec name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "zstd":
		return AlgorithmZstd, nil
	case "lz4":
		return AlgorithmLZ4, nil
	case "", "none":
		return AlgorithmNone, nil
	default:
		return AlgorithmNone, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// String returns the human-readable name.
func (a Algorithm) String() string {
	if a == AlgorithmNone {
		return "none"
	}
	return string(a)
}

// Extension is the file suffix a compressed archive carries.
func (a Algorithm) Extension() string {
	switch a {
	case AlgorithmZstd:
		return ".zst"
	case AlgorithmLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// AlgorithmForPath infers the codec from a file suffix.
func AlgorithmForPath(path string) Algorithm {
	switch {
	case strings.HasSuffix(path, ".zst"):
		return AlgorithmZstd
	case strings.HasSuffix(path, ".lz4"):
		return AlgorithmLZ4
	default:
		return AlgorithmNone
	}
}

// StripExtension removes a compression suffix, if any.
func StripExtension(path string) string {
	return strings.TrimSuffix(path, AlgorithmForPath(path).Extension())
}

// Compress encodes data as a self-describing frame. level is 1-9, with 9
// the strongest.
func Compress(alg Algorithm, level int, data []byte) ([]byte, error) {
	switch alg {
	case AlgorithmNone:
		return data, nil
	case AlgorithmZstd:
		return compressZstd(level, data)
	case AlgorithmLZ4:
		return compressLZ4(level, data)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %q", alg)
	}
}

// Decompress reverses Compress, refusing output beyond MaxDecompressedBytes.
func Decompress(alg Algorithm, data []byte) ([]byte, error) {
	switch alg {
	case AlgorithmNone:
		return data, nil
	case AlgorithmZstd:
		return decompressZstd(data)
	case AlgorithmLZ4:
		return decompressLZ4(data)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %q", alg)
	}
}

// Zstd: the 1-9 scale is passed through EncoderLevelFromZstd, which maps
// it onto the encoder's speed presets.

func compressZstd(level int, data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderCRC(true),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	defer func() { _ = enc.Close() }()
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedBytes))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

// LZ4: frame format so the file carries its own block checksums.

var lz4Levels = map[int]lz4.CompressionLevel{
	1: lz4.Level1, 2: lz4.Level2, 3: lz4.Level3,
	4: lz4.Level4, 5: lz4.Level5, 6: lz4.Level6,
	7: lz4.Level7, 8: lz4.Level8, 9: lz4.Level9,
}

func compressLZ4(level int, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)

	lvl, ok := lz4Levels[level]
	if !ok {
		lvl = lz4.Fast
	}
	if err := zw.Apply(lz4.CompressionLevelOption(lvl), lz4.ChecksumOption(true)); err != nil {
		return nil, fmt.Errorf("lz4 options: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	return buf.Bytes(), nil
}

func decompressLZ4(data []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(data))
	out, err := io.ReadAll(io.LimitReader(zr, MaxDecompressedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if len(out) > MaxDecompressedBytes {
		return nil, fmt.Errorf("lz4 decompress: output exceeds %d bytes", MaxDecompressedBytes)
	}
	return out, nil
}

// Checksum is the hex BLAKE3-256 digest of data.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
