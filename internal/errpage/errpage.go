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

// Package errpage implements C8: mapping transport errors to a user-visible
// HTTP status and HTML/plain response, per spec §4.7. Classification uses
// the closed errs.Kind enum (Design Note 9's "typed error classification"),
// replacing string-matched "known benign exception" detection.
package errpage

import (
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/tapwire/tapwire/internal/errs"
	"github.com/tapwire/tapwire/internal/txn"
	"github.com/tapwire/tapwire/internal/urlutil"
)

// Classify maps an errs.Kind to the HTTP status and title from spec §4.7's
// classification table.
func Classify(kind errs.Kind) (status int, title string) {
	switch kind {
	case errs.KindDNS:
		return http.StatusBadGateway, "Site Not Found"
	case errs.KindConnRefused:
		return http.StatusBadGateway, "Connection Refused"
	case errs.KindTimeout:
		return http.StatusGatewayTimeout, "Request Timeout"
	case errs.KindCert:
		return http.StatusBadGateway, "Certificate Error"
	default:
		return http.StatusInternalServerError, "Proxy Error"
	}
}

// IsCommonTransportError implements spec §4.7's isCommonTransportError:
// EPIPE/ECONNRESET, or a "socket hang up"-shaped message, logged at debug
// only and never rendered — the client is already gone.
func IsCommonTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && strings.Contains(netErr.Error(), "use of closed network connection") {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "socket hang up") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// ClassifyFromError returns the errs.Kind attached to err via errs.New/Newf
// when there is one, and otherwise infers a kind from the error itself
// (e.g. raw net.Dial failures).
func ClassifyFromError(err error) errs.Kind {
	if kind := errs.ClassifyOf(err); kind != errs.KindUnknown {
		return kind
	}
	if err == nil {
		return errs.KindUnknown
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return errs.KindDNS
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return errs.KindConnRefused
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.KindTimeout
	}
	if IsCommonTransportError(err) {
		return errs.KindClientGone
	}
	return errs.KindOther
}

var pageTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Status}} {{.Title}}</title></head>
<body>
  <h1>{{.Status}} {{.Title}}</h1>
  <p>{{.Message}}</p>
  <pre>{{.Details}}</pre>
  <p>URL: {{.URL}}</p>
  <p>Time: {{.Timestamp}}</p>
</body>
</html>
`))

type pageData struct {
	Status    int
	Title     string
	Message   string
	Details   string
	URL       string
	Timestamp string
}

// Render writes the error response for t, per spec §4.7. It is a no-op
// (returning nil) when the pre-write guard fires: headers already sent,
// the response already finished, or the transaction is manual-response —
// and when err is common transport noise, since the client is already
// gone.
func Render(w http.ResponseWriter, t *txn.Transaction, originalURL string, err error) error {
	if !t.CanWriteResponse() {
		return nil
	}
	if IsCommonTransportError(err) {
		return nil
	}

	kind := ClassifyFromError(err)
	status, title := Classify(kind)
	message := "no further details available"
	if err != nil {
		message = err.Error()
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if urlutil.RequestExpectsHTML(t.ClientRequest) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		t.ClientResponse().MarkHeadersSent()
		data := pageData{
			Status:    status,
			Title:     title,
			Message:   message,
			Details:   fmt.Sprintf("%v", err),
			URL:       originalURL,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		_ = pageTemplate.Execute(w, data)
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		t.ClientResponse().MarkHeadersSent()
		fmt.Fprintf(w, "%d %s: %s", status, title, message)
	}

	t.ClientResponse().MarkFinished()
	return nil
}
