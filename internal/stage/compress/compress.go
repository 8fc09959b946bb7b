// Package compress implements the Compressor stage: entropy-gated,
// deterministic compression over lz4 (hot-path latency) and zstd (cold-path
// ratio), discarding compressed output that doesn't buy enough space.
package compress

import (
	"fmt"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/saworbit/space/internal/spaceerr"
	"github.com/saworbit/space/internal/types"
)

// Result carries the compressor's decision for one segment.
type Result struct {
	Data           []byte
	Codec          types.CompressionCodec
	OriginalLength int
}

var (
	zstdEncodersMu sync.Mutex
	zstdEncoders   = make(map[zstd.EncoderLevel]*zstd.Encoder)

	sharedZstdDecoder *zstd.Decoder
)

func init() {
	// DecodeAll is documented safe for concurrent use since no streaming
	// state is retained across calls; one shared decoder avoids per-call
	// setup cost under the coordinator's bounded-parallel prepare stage.
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("compress: building shared zstd decoder: %v", err))
	}
	sharedZstdDecoder = dec
}

// zstdEncoderForLevel returns a cached encoder for the given level so that
// the same (input, level) pair always runs through the same encoder
// configuration — required for the compressor's determinism contract.
func zstdEncoderForLevel(level int) (*zstd.Encoder, error) {
	encLevel := zstd.EncoderLevel(level)
	if encLevel < zstd.SpeedFastest {
		encLevel = zstd.SpeedDefault
	}
	zstdEncodersMu.Lock()
	defer zstdEncodersMu.Unlock()
	if enc, ok := zstdEncoders[encLevel]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, err
	}
	zstdEncoders[encLevel] = enc
	return enc, nil
}

// Compress applies the policy's decision rules in order: entropy gate,
// codec application, then the effectiveness check.
func Compress(input []byte, policy types.CompressionPolicy) (Result, error) {
	none := Result{Data: input, Codec: types.CodecNone, OriginalLength: len(input)}
	if policy.Codec == types.CodecNone || len(input) == 0 {
		return none, nil
	}

	if shannonEntropy(input) > policy.EntropySkipThreshold {
		return none, nil
	}

	var out []byte
	var err error
	switch policy.Codec {
	case types.CodecLZ4:
		out, err = compressLZ4(input)
	case types.CodecZstd:
		out, err = compressZstd(input, policy.Level)
	default:
		return Result{}, spaceerr.New(spaceerr.InvalidInput, "compress.Compress", fmt.Errorf("unknown codec %q", policy.Codec))
	}
	if err != nil {
		return Result{}, spaceerr.New(spaceerr.CompressionFailed, "compress.Compress", err)
	}

	ratio := float64(len(out)) / float64(len(input))
	if ratio > policy.MinUsefulRatio {
		return none, nil
	}
	return Result{Data: out, Codec: policy.Codec, OriginalLength: len(input)}, nil
}

// Decompress reverses Compress given the codec tag and expected original
// length recorded in the segment's persisted metadata.
func Decompress(data []byte, codec types.CompressionCodec, originalLength int) ([]byte, error) {
	switch codec {
	case types.CodecNone, "":
		return data, nil
	case types.CodecLZ4:
		dst := make([]byte, originalLength)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, spaceerr.New(spaceerr.CompressionFailed, "compress.Decompress", err)
		}
		return dst[:n], nil
	case types.CodecZstd:
		dst, err := sharedZstdDecoder.DecodeAll(data, make([]byte, 0, originalLength))
		if err != nil {
			return nil, spaceerr.New(spaceerr.CompressionFailed, "compress.Decompress", err)
		}
		return dst, nil
	default:
		return nil, spaceerr.New(spaceerr.InvalidInput, "compress.Decompress", fmt.Errorf("unknown codec %q", codec))
	}
}

func compressLZ4(input []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(input)))
	var c lz4.Compressor
	n, err := c.CompressBlock(input, dst)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Incompressible per lz4's own judgement: treat as a literal copy,
		// the outer ratio check will discard it as ineffective anyway.
		return append([]byte(nil), input...), nil
	}
	return dst[:n], nil
}

func compressZstd(input []byte, level int) ([]byte, error) {
	enc, err := zstdEncoderForLevel(level)
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(input, make([]byte, 0, len(input))), nil
}

// shannonEntropy estimates bits-of-entropy-per-byte over a bounded sample,
// the cheap byte-histogram procedure named by the spec.
func shannonEntropy(data []byte) float64 {
	const maxSample = 64 * 1024
	sample := data
	if len(sample) > maxSample {
		sample = sample[:maxSample]
	}
	var histogram [256]int
	for _, b := range sample {
		histogram[b]++
	}
	n := float64(len(sample))
	if n == 0 {
		return 0
	}
	var entropy float64
	for _, count := range histogram {
		if count == 0 {
			continue
		}
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}
