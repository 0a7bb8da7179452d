/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package protocol

import (
	"bytes"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression algorithm names.
const (
	CompressionZstd = "zstd"
	CompressionS2   = "s2"
	CompressionGzip = "gzip"
)

// Compressor compresses payload bodies. Decompress must refuse output larger
// than limit.
type Compressor interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte, limit int) ([]byte, error)
}

var compressors = map[string]Compressor{
	CompressionZstd: zstdCompressor{},
	CompressionS2:   s2Compressor{},
	CompressionGzip: gzipCompressor{},
}

// CompressorFor returns the compressor registered under name.
func CompressorFor(name string) (Compressor, bool) {
	c, ok := compressors[name]
	return c, ok
}

// SupportedCompression lists the compressors in default preference order.
func SupportedCompression() []string {
	return []string{CompressionZstd, CompressionS2, CompressionGzip}
}

var errTooLarge = errors.New("decompressed payload exceeds limit")

const zstdDecoderMaxMemory = 64 << 20

// The zstd encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
var zstdCodec = sync.OnceValues(func() (*zstd.Encoder, *zstd.Decoder) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(zstdDecoderMaxMemory))
	if err != nil {
		panic(err)
	}
	return enc, dec
})

type zstdCompressor struct{}

func (zstdCompressor) Name() string { return CompressionZstd }

func (zstdCompressor) Compress(src []byte) ([]byte, error) {
	enc, _ := zstdCodec()
	return enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (zstdCompressor) Decompress(src []byte, limit int) ([]byte, error) {
	_, dec := zstdCodec()
	out, err := dec.DecodeAll(src, nil)
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, errTooLarge
	}
	return out, nil
}

type s2Compressor struct{}

func (s2Compressor) Name() string { return CompressionS2 }

func (s2Compressor) Compress(src []byte) ([]byte, error) {
	return s2.Encode(nil, src), nil
}

func (s2Compressor) Decompress(src []byte, limit int) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, errTooLarge
	}
	return s2.Decode(nil, src)
}

type gzipCompressor struct{}

func (gzipCompressor) Name() string { return CompressionGzip }

func (gzipCompressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(src []byte, limit int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, errTooLarge
	}
	return out, nil
}
