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

package urlutil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReconstructFullURL_ProxyForm(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.org/p", nil)
	req.RequestURI = "http://example.org/p"

	got, ok := ReconstructFullURL(req, false)
	require.True(t, ok)
	require.Equal(t, "http://example.org/p", got)
}

func TestReconstructFullURL_OriginFormInsideTunnel(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	req.RequestURI = "/p"
	req.Host = "example.org"

	got, ok := ReconstructFullURL(req, true)
	require.True(t, ok)
	require.Equal(t, "https://example.org/p", got)
}

func TestReconstructFullURL_NoHostIsNoRoute(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RequestURI = "/"
	req.Host = ""

	_, ok := ReconstructFullURL(req, false)
	require.False(t, ok)
}

func TestReconstructFullURL_ColonNoSlashNormalizesToRoot(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RequestURI = "host:443"
	req.Host = "example.org"

	got, ok := ReconstructFullURL(req, true)
	require.True(t, ok)
	require.Equal(t, "https://example.org/", got)
}

func TestIsInternalHost(t *testing.T) {
	require.True(t, IsInternalHost("www.googleapis.com", nil))
	require.True(t, IsInternalHost("OptimizationGuide-PA.Googleapis.com", nil))
	require.False(t, IsInternalHost("example.org", nil))
}

func TestRequestExpectsHTML(t *testing.T) {
	html := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	html.Header.Set("Accept", "text/html,application/xhtml+xml")
	require.True(t, RequestExpectsHTML(html))

	img := httptest.NewRequest(http.MethodGet, "/logo.png", nil)
	img.Header.Set("Accept", "image/png")
	require.False(t, RequestExpectsHTML(img))

	js := httptest.NewRequest(http.MethodGet, "/app.js", nil)
	require.False(t, RequestExpectsHTML(js))

	noExt := httptest.NewRequest(http.MethodGet, "/api/things", nil)
	require.True(t, RequestExpectsHTML(noExt))
}
