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
	"fmt"
	"net"
	"net/http"

	"github.com/tapwire/tapwire/internal/txn"
)

// connResponseWriter is an http.ResponseWriter backed directly by a raw
// (possibly TLS-wrapped) client connection, used for both the plain-HTTP
// and CONNECT-tunnel code paths so C8's errpage.Render and any manual-mode
// rule can write a response without the listener needing net/http.Server's
// own request multiplexing.
type connResponseWriter struct {
	bw     *bufio.Writer
	header http.Header
	tr     *txn.Transaction

	status      int
	wroteHeader bool
}

func newConnResponseWriter(conn net.Conn, t *txn.Transaction) *connResponseWriter {
	return &connResponseWriter{
		bw:     bufio.NewWriter(conn),
		header: make(http.Header),
		tr:     t,
	}
}

func (w *connResponseWriter) Header() http.Header { return w.header }

func (w *connResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status

	fmt.Fprintf(w.bw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	w.header.Write(w.bw)
	w.bw.WriteString("\r\n")
	w.tr.ClientResponse().MarkHeadersSent()
}

func (w *connResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.bw.Write(p)
}

// Flush pushes buffered bytes to the socket and marks the response
// finished, per spec §3's write-once clientResponse lifecycle.
func (w *connResponseWriter) Flush() error {
	err := w.bw.Flush()
	w.tr.ClientResponse().MarkFinished()
	return err
}
