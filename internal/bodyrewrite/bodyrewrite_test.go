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

package bodyrewrite

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

func TestNewReader_NoTransducersPassesThroughUnchanged(t *testing.T) {
	src := strings.NewReader("hello world")
	r, err := NewReader(src, DecompressDecision{}, "", nil)
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestNewReader_UppercaseTransducer(t *testing.T) {
	src := strings.NewReader("hello world")
	upper := func(b []byte) ([]byte, error) { return bytes.ToUpper(b), nil }

	r, err := NewReader(src, DecompressDecision{}, "", []ChunkFn{upper})
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "HELLO WORLD", string(got))
}

func TestNewReader_DecompressesGzip(t *testing.T) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write([]byte(`{"ok":true}`))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	decision := DecideDecompression(true, "gzip")
	require.True(t, decision.Apply)

	r, err := NewReader(&buf, decision, "gzip", nil)
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(got))
}

func TestDecideDecompression_BrotliIsUnsupported(t *testing.T) {
	decision := DecideDecompression(true, "br")
	require.False(t, decision.Apply)
	require.True(t, decision.Unsupported)
}

func TestDecideDecompression_OptOutLeavesBytesAlone(t *testing.T) {
	decision := DecideDecompression(false, "gzip")
	require.False(t, decision.Apply)
	require.False(t, decision.Unsupported)
}

func TestApply_DroppedChunkForFullBufferMode(t *testing.T) {
	swallow := func([]byte) ([]byte, error) { return nil, nil }
	out, err := Apply([]ChunkFn{swallow}, []byte("anything"))
	require.NoError(t, err)
	require.Nil(t, out)
}
