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

package listener

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tapwire/tapwire/internal/ca"
	"github.com/tapwire/tapwire/internal/pipeline"
	"github.com/tapwire/tapwire/internal/rulestore"
	"github.com/tapwire/tapwire/internal/stats"
	"github.com/tapwire/tapwire/internal/supervisor"
	"github.com/tapwire/tapwire/internal/txn"
	"go.uber.org/zap"
)

func newTestListener(t *testing.T) *Listener {
	t.Helper()
	dir := t.TempDir()
	store, err := rulestore.Open(dir, filepath.Join(dir, "rules-state.json"), nil)
	require.NoError(t, err)

	sink := stats.New(stats.LevelBasic, 16)
	pl := pipeline.New(store, sink, nil, nil)
	sup := supervisor.New(nil, 0)

	l := New(Config{
		Addr:        "127.0.0.1:0",
		Pipeline:    pl,
		Sink:        sink,
		Supervisor:  sup,
		DialTimeout: 2 * time.Second,
	})
	require.NoError(t, l.Listen())
	return l
}

// TestListener_PassThroughProxiesPlainHTTP drives the listener exactly as a
// proxy-configured client would: an absolute-form request line naming the
// real upstream, sent in plain HTTP directly to the listener's socket.
func TestListener_PassThroughProxiesPlainHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		fmt.Fprintf(w, "hello from %s", r.Host)
	}))
	defer upstream.Close()

	l := newTestListener(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	reqLine := fmt.Sprintf("GET %s/path HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", upstream.URL, upstream.Listener.Addr().String())
	_, err = io.WriteString(conn, reqLine)
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Contains(t, string(body), "hello from")
	require.Equal(t, "yes", resp.Header.Get("X-Upstream"))
}

// TestListener_NoRouteReturns400 sends a request with no Host header and a
// relative request line, which urlutil.ReconstructFullURL cannot resolve,
// exercising the pipeline.OutcomeNoRoute branch (spec §4.4/§8).
func TestListener_NoRouteReturns400(t *testing.T) {
	l := newTestListener(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "GET / HTTP/1.0\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	require.Equal(t, 400, resp.StatusCode)
}

// newTestListenerWithRules is newTestListener plus a CA store and a set of
// declarative rule files (filename -> YAML body) loaded before the first
// Snapshot, so CONNECT-path tests can exercise a real rule redirect.
func newTestListenerWithRules(t *testing.T, rulesYAML map[string]string) (*Listener, *ca.Store) {
	t.Helper()
	rulesDir := t.TempDir()
	for name, body := range rulesYAML {
		require.NoError(t, os.WriteFile(filepath.Join(rulesDir, name), []byte(body), 0o644))
	}
	store, err := rulestore.Open(rulesDir, filepath.Join(rulesDir, "rules-state.json"), nil)
	require.NoError(t, err)

	sink := stats.New(stats.LevelBasic, 16)
	pl := pipeline.New(store, sink, nil, nil)
	sup := supervisor.New(nil, 0)

	caStore, err := ca.Open(ca.Dirs{Root: t.TempDir()}, nil)
	require.NoError(t, err)

	l := New(Config{
		Addr:        "127.0.0.1:0",
		CA:          caStore,
		Pipeline:    pl,
		Sink:        sink,
		Supervisor:  sup,
		DialTimeout: 2 * time.Second,
	})
	require.NoError(t, l.Listen())
	return l, caStore
}

// TestListener_ConnectTunnelsAndDialsOverriddenUpstream drives the full
// CONNECT path end to end: the client tunnels to a synthetic HTTPS hostname,
// TLS-handshakes against a leaf certificate minted by C1 and trusted via the
// listener's own CA root, and a declarative rule redirects the tunneled
// request to a plain-HTTP httptest server. Port 8443-style non-80/443 ports
// leave pipeline/normalize.go's upstream protocol unset, so dialAndProxy
// dials the override in plain HTTP without the test needing a second TLS
// server on the upstream leg.
func TestListener_ConnectTunnelsAndDialsOverriddenUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "tunneled hello")
	}))
	defer upstream.Close()

	upstreamHost, upstreamPortStr, err := net.SplitHostPort(upstream.Listener.Addr().String())
	require.NoError(t, err)
	upstreamPort, err := strconv.Atoi(upstreamPortStr)
	require.NoError(t, err)

	ruleYAML := fmt.Sprintf("name: redirect-secure\nmatch: 'host == \"secure.example\"'\nsetHostname: %q\nsetPort: %d\n",
		upstreamHost, upstreamPort)
	l, caStore := newTestListenerWithRules(t, map[string]string{"010-redirect.yaml": ruleYAML})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = io.WriteString(conn, "CONNECT secure.example:443 HTTP/1.1\r\nHost: secure.example:443\r\n\r\n")
	require.NoError(t, err)

	connectResp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	require.Equal(t, 200, connectResp.StatusCode)

	rootPool := x509.NewCertPool()
	rootPool.AddCert(caStore.RootCert())

	tlsConn := tls.Client(conn, &tls.Config{RootCAs: rootPool, ServerName: "secure.example"})
	defer tlsConn.Close()
	require.NoError(t, tlsConn.HandshakeContext(ctx))

	_, err = io.WriteString(tlsConn, "GET / HTTP/1.1\r\nHost: secure.example\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "tunneled hello", string(body))
}

// TestListener_PassThroughForwardsChunkedUpstreamAndKeepsConnectionFramed
// reproduces the framing bug fixed in writeResponse: an upstream response
// with no explicit Content-Length (forced into Transfer-Encoding: chunked by
// flushing partial writes) must still reach the client with a real framing
// header, or a second request pipelined on the same kept-alive connection
// has no way to find where the first response ends.
func TestListener_PassThroughForwardsChunkedUpstreamAndKeepsConnectionFramed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		fmt.Fprint(w, "first-chunk-")
		flusher.Flush()
		fmt.Fprint(w, "second-chunk")
	}))
	defer upstream.Close()

	l := newTestListener(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	br := bufio.NewReader(conn)
	upstreamAddr := upstream.Listener.Addr().String()

	reqLine := fmt.Sprintf("GET %s/chunked HTTP/1.1\r\nHost: %s\r\n\r\n", upstream.URL, upstreamAddr)
	_, err = io.WriteString(conn, reqLine)
	require.NoError(t, err)

	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "first-chunk-second-chunk", string(body))
	require.True(t, resp.ContentLength >= 0 || len(resp.TransferEncoding) > 0,
		"response must declare either Content-Length or Transfer-Encoding to frame the body")

	// A second request on the same connection only parses correctly if the
	// first response's framing was honest about where its body ended.
	reqLine2 := fmt.Sprintf("GET %s/again HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", upstream.URL, upstreamAddr)
	_, err = io.WriteString(conn, reqLine2)
	require.NoError(t, err)

	resp2, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	body2, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	require.Equal(t, 200, resp2.StatusCode)
	require.Equal(t, "first-chunk-second-chunk", string(body2))
}

// TestWriteResponse_DefersToResponseEndHookBeforeWriting is a white-box
// regression test for the full-buffer-mode ordering bug: it installs a
// ResponseChunkFn that swallows every chunk (full-buffer mode, per spec
// §4.6) and a ResponseEndFn that writes its own complete response, then
// asserts the client sees only the hook's response — proving writeResponse
// deferred all forwarding until the hook returned instead of having already
// written/closed a chunked stream out from under it.
func TestWriteResponse_DefersToResponseEndHookBeforeWriting(t *testing.T) {
	l := &Listener{log: zap.NewNop()}

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	tr := txn.New(req, false)
	w := newConnResponseWriter(serverSide, tr)

	tr.ResponseChunkFns = []func([]byte) ([]byte, error){
		func([]byte) ([]byte, error) { return nil, nil },
	}
	const hookBody = "brewed by the hook"
	tr.ResponseEndFn = func() error {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(hookBody)))
		w.WriteHeader(http.StatusTeapot)
		_, werr := io.WriteString(w, hookBody)
		return werr
	}

	resp := &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader("original upstream body")),
		ContentLength: -1,
	}

	done := make(chan struct{})
	go func() {
		l.writeResponse(tr, w, resp)
		w.Flush()
		close(done)
	}()

	clientResp, err := http.ReadResponse(bufio.NewReader(clientSide), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(clientResp.Body)
	require.NoError(t, err)
	<-done

	require.Equal(t, http.StatusTeapot, clientResp.StatusCode)
	require.Equal(t, hookBody, string(body))
}
