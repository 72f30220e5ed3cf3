// Copyright 2026 Tapwire Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bodyrewrite implements C7: per-transaction chunk transducers with
// optional transparent decompression, per Design Note 9's "Callback-style
// (ctx, chunk, cb) streaming → iterator/reader abstraction. Lift the
// per-chunk callback into a reader-to-reader transformer". Decompression
// uses klauspost/compress, matching the teacher's own dependency for
// exactly this concern.
package bodyrewrite

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// ChunkFn is a rule-contributed transducer: given a chunk, return a
// replacement chunk, or nil to swallow it (spec §4.6's "Full-buffer mode").
// It is an alias so the plain func slices on txn.Transaction can be passed
// where a []ChunkFn is expected.
type ChunkFn = func([]byte) ([]byte, error)

const chunkSize = 32 * 1024

// unsupportedCodings are encodings the engine must never attempt to
// decompress (spec §4.6: "br and zstd are not supported").
var unsupportedCodings = map[string]bool{"br": true, "zstd": true}

// DecompressDecision reports whether the engine should transparently
// decompress, and whether the response's Content-Encoding/Content-Length
// headers must be stripped as a result (spec §4.6).
type DecompressDecision struct {
	// Apply is true when src should be wrapped with a decompressing
	// reader before chunk handlers run.
	Apply bool
	// Unsupported is true when the coding is present but not one the
	// engine can handle (br/zstd); callers should log a warning and pass
	// bytes through unmodified, per spec §8's boundary behavior.
	Unsupported bool
}

// DecideDecompression implements spec §4.6's decompression opt-in gate.
func DecideDecompression(useDecompression bool, contentEncoding string) DecompressDecision {
	ce := strings.ToLower(strings.TrimSpace(contentEncoding))
	if ce == "" || !useDecompression {
		return DecompressDecision{}
	}
	if ce == "gzip" || ce == "deflate" {
		return DecompressDecision{Apply: true}
	}
	if unsupportedCodings[ce] {
		return DecompressDecision{Unsupported: true}
	}
	return DecompressDecision{}
}

// decompressingReader wraps src with a gzip or deflate decoder matching
// coding; coding must already be validated as "gzip" or "deflate".
func decompressingReader(src io.Reader, coding string) (io.ReadCloser, error) {
	switch coding {
	case "gzip":
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return zr, nil
	case "deflate":
		return flate.NewReader(src), nil
	default:
		return io.NopCloser(src), nil
	}
}

// transducerReader chains ChunkFns over successive reads from an
// underlying reader, buffering replacement bytes that don't fit the
// caller's Read buffer.
type transducerReader struct {
	src   *bufio.Reader
	fns   []ChunkFn
	buf   []byte
	err   error
	eof   bool
}

// NewReader returns an io.Reader that applies fns, in order, to each chunk
// read from src. If decision.Apply, src is first wrapped with a
// decompressing reader for coding ("gzip" or "deflate").
func NewReader(src io.Reader, decision DecompressDecision, coding string, fns []ChunkFn) (io.Reader, error) {
	if decision.Apply {
		dr, err := decompressingReader(src, strings.ToLower(coding))
		if err != nil {
			return nil, err
		}
		src = dr
	}
	if len(fns) == 0 {
		return src, nil
	}
	return &transducerReader{src: bufio.NewReaderSize(src, chunkSize), fns: fns}, nil
}

func (t *transducerReader) Read(p []byte) (int, error) {
	for len(t.buf) == 0 {
		if t.eof {
			return 0, t.err
		}

		raw := make([]byte, chunkSize)
		n, err := t.src.Read(raw)
		if n > 0 {
			chunk := raw[:n]
			for _, fn := range t.fns {
				if chunk == nil {
					break
				}
				chunk, err = fn(chunk)
				if err != nil {
					t.eof, t.err = true, err
					break
				}
			}
			if chunk != nil {
				t.buf = append(t.buf, chunk...)
			}
		}
		if err != nil {
			t.eof = true
			if t.err == nil {
				if err == io.EOF {
					t.err = io.EOF
				} else {
					t.err = err
				}
			}
			if len(t.buf) == 0 {
				return 0, t.err
			}
			break
		}
	}

	n := copy(p, t.buf)
	t.buf = t.buf[n:]
	if len(t.buf) == 0 && t.eof {
		return n, nil // deliver the last bytes before surfacing EOF next call
	}
	return n, nil
}

// Apply runs fns over a single in-memory chunk, used by the full-buffer
// path where a rule has elected to swallow every chunk and emit a
// replacement from its end-of-body hook instead.
func Apply(fns []ChunkFn, chunk []byte) ([]byte, error) {
	for _, fn := range fns {
		if chunk == nil {
			return nil, nil
		}
		var err error
		chunk, err = fn(chunk)
		if err != nil {
			return nil, err
		}
	}
	return chunk, nil
}
