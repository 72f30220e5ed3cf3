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

// Package listener implements C6: the single accept loop that dispatches
// plain-HTTP proxy requests and CONNECT-tunneled HTTPS requests onto the
// rule pipeline, grounded on modules/caddyhttp/app.go's Provision/Start/Stop
// lifecycle and caddyhttp/proxy/proxy.go's forwarding path. The CONNECT
// hijack-and-relabel-as-TLS-server shape is cross-checked against
// other_examples' bidirectional proxyLoop and GetCertificate-driven
// tls.Config patterns.
package listener

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/tapwire/tapwire/internal/bodyrewrite"
	"github.com/tapwire/tapwire/internal/ca"
	"github.com/tapwire/tapwire/internal/errpage"
	"github.com/tapwire/tapwire/internal/errs"
	"github.com/tapwire/tapwire/internal/pipeline"
	"github.com/tapwire/tapwire/internal/rule"
	"github.com/tapwire/tapwire/internal/stats"
	"github.com/tapwire/tapwire/internal/supervisor"
	"github.com/tapwire/tapwire/internal/txn"
	"go.uber.org/zap"
)

// Config bundles the collaborators a Listener dispatches transactions to.
type Config struct {
	Addr        string
	CA          *ca.Store
	Pipeline    *pipeline.Pipeline
	Sink        *stats.Sink
	Supervisor  *supervisor.Supervisor
	Log         *zap.Logger
	DialTimeout time.Duration
}

// Listener is the HTTP/HTTPS Listener and Transaction Lifecycle (C6). One
// accept loop serves both plain-HTTP proxy requests and CONNECT-tunneled
// HTTPS, per spec §4.5: requests within a single client connection are
// processed sequentially (matching real browser/client pipelining
// behavior); distinct connections run fully in parallel, one goroutine each.
type Listener struct {
	cfg  Config
	log  *zap.Logger
	pool *pool
	ln   net.Listener
}

// New builds a Listener. Call Serve to run the accept loop.
func New(cfg Config) *Listener {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{
		cfg:  cfg,
		log:  log.Named("listener"),
		pool: newPool(cfg.DialTimeout),
	}
}

// Listen binds the configured address. Serve calls it automatically if the
// caller hasn't already; tests call it directly to learn the bound address
// before Serve's accept loop blocks.
func (l *Listener) Listen() error {
	if l.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.cfg.Addr, err)
	}
	l.ln = ln
	l.log.Info("listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Serve runs the accept loop until ctx is cancelled or Accept fails.
// Connections already in flight are not waited on, here or in Close;
// cancelling ctx also cancels the upstream requests they have in progress.
func (l *Listener) Serve(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	ln := l.ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		go func() {
			defer l.cfg.Supervisor.RecoverWorker()
			l.handleConn(ctx, conn)
		}()
	}
}

// Addr returns the bound address, or nil until Listen (which Serve calls)
// has bound the socket; used by tests.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Close stops accepting new connections and releases pooled upstream
// connections, per spec §4.9's drain sequence.
func (l *Listener) Close() error {
	l.pool.CloseIdleConnections()
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			l.log.Debug("failed to read initial request", zap.Error(err))
		}
		return
	}

	if req.Method == http.MethodConnect {
		l.handleConnect(ctx, conn, req)
		return
	}

	l.serveLoop(ctx, conn, br, req, false)
}

// handleConnect implements spec §4.5's HTTPS path: reply 200, mint a leaf
// certificate for the tunnel's target host from C1, TLS-handshake as the
// server on the hijacked socket, then read the real (now decrypted) request
// off the TLS connection and fall into the same serveLoop as plain HTTP.
func (l *Listener) handleConnect(ctx context.Context, conn net.Conn, req *http.Request) {
	hostname, _, err := net.SplitHostPort(req.Host)
	if err != nil {
		hostname = req.Host
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		return
	}

	leaf, err := l.cfg.CA.GetLeaf(hostname)
	if err != nil {
		l.log.Warn("failed to mint leaf certificate", zap.String("host", hostname), zap.Error(err))
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: leaf.Chain,
			PrivateKey:  leaf.Signer,
		}},
	})
	defer tlsConn.Close()

	handshakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		l.log.Debug("TLS handshake with client failed", zap.String("host", hostname), zap.Error(err))
		return
	}

	br := bufio.NewReader(tlsConn)
	innerReq, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			l.log.Debug("failed to read tunneled request", zap.String("host", hostname), zap.Error(err))
		}
		return
	}

	l.serveLoop(ctx, tlsConn, br, innerReq, true)
}

// serveLoop processes one request per iteration off the same connection,
// sequentially, until the client signals it wants the connection closed or
// a read fails — spec §4.5's ordering guarantee.
func (l *Listener) serveLoop(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request, isSSL bool) {
	for {
		t := txn.New(req, isSSL)
		w := newConnResponseWriter(conn, t)
		t.Writer = w
		t.Conn = conn

		l.handleTransaction(ctx, t, w)
		w.Flush()

		if req.Close {
			return
		}

		next, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		req = next
	}
}

// handleTransaction runs t through the pipeline and dispatches on the
// resulting Outcome (spec §4.4's tagged variant).
func (l *Listener) handleTransaction(ctx context.Context, t *txn.Transaction, w *connResponseWriter) {
	res, err := l.cfg.Pipeline.Run(t)
	if err != nil {
		_ = errpage.Render(w, t, t.ParsedURL, err)
		return
	}

	switch res.Outcome {
	case pipeline.OutcomeNoRoute:
		if t.CanWriteResponse() {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, "400 Bad Request: could not determine proxy target")
		}
	case pipeline.OutcomeManual:
		// The matched rule owns t.Writer/t.Conn from here; the engine must
		// not write anything else (spec §4.4 "Manual(ctx)").
	case pipeline.OutcomeUpstream, pipeline.OutcomePassThrough:
		l.dialAndProxy(ctx, t, w)
	}
}

// dialAndProxy forwards t.Upstream to the real destination via a pooled
// http.Transport, applies C7's decompression/rewrite pipeline to the
// response body, and streams it back to the client, per spec §4.5/§4.6.
func (l *Listener) dialAndProxy(ctx context.Context, t *txn.Transaction, w *connResponseWriter) {
	up := t.Upstream
	scheme := up.Protocol
	if scheme == "" {
		scheme = "http"
	}

	outURL := &url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(up.Hostname, strconv.Itoa(up.Port)),
		Path:     up.Path,
		RawQuery: t.ClientRequest.URL.RawQuery,
	}

	header := cloneForward(t.ClientRequest.Header, up.Headers)
	hostHeader := header.Get("Host")
	header.Del("Host")

	body := t.ClientRequest.Body
	contentLength := t.ClientRequest.ContentLength
	if len(t.RequestChunkFns) > 0 {
		rewritten, err := bodyrewrite.NewReader(body, bodyrewrite.DecompressDecision{}, "", t.RequestChunkFns)
		if err != nil {
			_ = errpage.Render(w, t, t.ParsedURL, err)
			return
		}
		body = io.NopCloser(rewritten)
		contentLength = -1
	}

	outReq := (&http.Request{
		Method:        up.Method,
		URL:           outURL,
		Header:        header,
		Body:          body,
		ContentLength: contentLength,
		Host:          hostHeader,
	}).WithContext(ctx)

	transport := l.pool.transport(up.Hostname, up.Port, scheme, up.UseDirectTransport)

	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		_ = errpage.Render(w, t, t.ParsedURL, err)
		return
	}
	defer resp.Body.Close()

	if mr, ok := t.MatchedRule.(rule.Rule); ok {
		if err := safeOnResponse(mr, t.ParsedURL, t); err != nil {
			l.log.Warn("rule OnResponse failed; continuing with unmodified response",
				zap.String("rule", t.RuleName), zap.Error(err))
		}
	}

	l.writeResponse(t, w, resp)
}

// safeOnResponse runs mr.OnResponse behind a recover boundary, matching
// pipeline.safeOnRequest/safeMatch: a panicking OnResponse hook (CEL
// evaluation or a Go-plugin rule) degrades to an unmodified response
// instead of taking down the process (spec §7).
func safeOnResponse(mr rule.Rule, parsedURL string, t *txn.Transaction) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.Newf(errs.KindRuleConfig, "rule %q panicked in OnResponse: %v", t.RuleName, rec)
		}
	}()
	return mr.OnResponse(parsedURL, t)
}

func (l *Listener) writeResponse(t *txn.Transaction, w *connResponseWriter, resp *http.Response) {
	decision := bodyrewrite.DecideDecompression(t.UseDecompression, resp.Header.Get("Content-Encoding"))
	if decision.Unsupported {
		l.log.Warn("response uses an unsupported content-encoding; passing through unmodified",
			zap.String("encoding", resp.Header.Get("Content-Encoding")))
	}

	bodyReader, err := bodyrewrite.NewReader(resp.Body, decision, resp.Header.Get("Content-Encoding"), t.ResponseChunkFns)
	if err != nil {
		_ = errpage.Render(w, t, t.ParsedURL, err)
		return
	}

	stripHopByHop(resp.Header)
	for k, vv := range resp.Header {
		w.Header()[k] = append([]string(nil), vv...)
	}

	// needsChunking covers two distinct reasons the client needs a real
	// framing header: a rewrite/decompression changed the byte length the
	// upstream declared, or the upstream response itself had no declared
	// length (resp.ContentLength == -1 — http.Transport already stripped
	// Content-Length/Transfer-Encoding and de-chunked resp.Body for us when
	// the upstream used "Transfer-Encoding: chunked"). Forwarding such a
	// response with neither header leaves the client with no way to find
	// the end of the body, corrupting framing for any request pipelined
	// after it on the same kept-alive connection (spec.md:267).
	rewriting := decision.Apply || len(t.ResponseChunkFns) > 0
	needsChunking := rewriting || resp.ContentLength < 0

	if t.ResponseEndFn != nil {
		// Full-buffer mode (spec §4.6): every registered chunk fn swallows
		// its input, and the rule's end hook assembles and writes the
		// response itself via t.Writer/t.Conn. The engine must defer all
		// forwarding — including headers — until the hook returns, so its
		// writes are never interleaved with or overwritten by ours.
		buffered, readErr := io.ReadAll(bodyReader)
		if readErr != nil {
			l.log.Debug("error buffering response body for end hook", zap.Error(readErr))
		}

		if err := t.ResponseEndFn(); err != nil {
			l.log.Warn("response end hook failed", zap.Error(err))
		}

		if t.ClientResponse().HeadersSent() || t.ClientResponse().Finished() {
			// The hook already wrote the response itself; the engine must
			// not write anything further (spec §4.7's pre-write guard).
			return
		}

		l.writeBuffered(w, resp.StatusCode, needsChunking, buffered)
		return
	}

	if needsChunking {
		if rewriting {
			w.Header().Del("Content-Encoding")
		}
		w.Header().Del("Content-Length")
		w.Header().Set("Transfer-Encoding", "chunked")
		w.WriteHeader(resp.StatusCode)

		cw := httputil.NewChunkedWriter(w)
		if _, err := io.Copy(cw, bodyReader); err != nil {
			l.log.Debug("error streaming rewritten response body", zap.Error(err))
		}
		cw.Close()
		io.WriteString(w, "\r\n")
	} else {
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, bodyReader); err != nil {
			l.log.Debug("error streaming response body", zap.Error(err))
		}
	}
}

// writeBuffered writes a fully in-memory body, used only by the full-buffer
// path above once the end hook has had its chance to write the response
// itself and declined to.
func (l *Listener) writeBuffered(w *connResponseWriter, statusCode int, chunked bool, body []byte) {
	if chunked {
		w.Header().Del("Content-Encoding")
		w.Header().Del("Content-Length")
		w.Header().Set("Transfer-Encoding", "chunked")
		w.WriteHeader(statusCode)

		cw := httputil.NewChunkedWriter(w)
		if _, err := cw.Write(body); err != nil {
			l.log.Debug("error writing buffered response body", zap.Error(err))
		}
		cw.Close()
		io.WriteString(w, "\r\n")
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		l.log.Debug("error writing buffered response body", zap.Error(err))
	}
}
