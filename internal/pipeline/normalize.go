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

package pipeline

import (
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tapwire/tapwire/internal/txn"
	"go.uber.org/zap"
)

// fillFromURL populates an empty upstream draft from the reconstructed URL,
// used for pass-through transactions where no rule touched t.Upstream.
func fillFromURL(u *txn.Transaction, parsed string) {
	pu, err := url.Parse(parsed)
	if err != nil {
		return
	}
	host := pu.Hostname()
	port := 0
	if p := pu.Port(); p != "" {
		port, _ = strconv.Atoi(p)
	} else if pu.Scheme == "https" {
		port = 443
	} else {
		port = 80
	}

	if u.Upstream.Hostname == "" {
		u.Upstream.Hostname = host
	}
	if u.Upstream.Port == 0 {
		u.Upstream.Port = port
	}
	if u.Upstream.Path == "" {
		u.Upstream.Path = pu.Path
	}
	if u.Upstream.Protocol == "" {
		u.Upstream.Protocol = pu.Scheme
	}
}

// normalize enforces spec §4.4's "Upstream normalizer" table. preSSL is the
// transaction's isSSL value before the rule ran (or the transaction's
// current isSSL for pass-through, in which case no protocol-change counting
// applies since preSSL==postSSL by construction).
//
// It returns whether a cross-protocol counter should be incremented and
// which one, implementing Open Question 1's resolution (DESIGN.md): the
// counter fires when isSSL actually changed relative to its pre-rule value
// AND the client's original Host differs from the new upstream hostname.
func normalize(t *txn.Transaction, parsedURL string, preSSL bool, log *zap.Logger) (crossedToHTTP, crossedToHTTPS bool) {
	if t.Upstream.Hostname == "" && t.Upstream.Port == 0 {
		fillFromURL(t, parsedURL)
	}

	switch t.Upstream.Port {
	case 80:
		t.IsSSL = false
		t.Upstream.Protocol = "http"
		t.Upstream.UseDirectTransport = true
	case 443:
		t.IsSSL = true
		t.Upstream.Protocol = "https"
	default:
		if t.Upstream.Port != 0 && log != nil {
			log.Warn("upstream port is neither 80 nor 443; leaving isSSL unchanged",
				zap.Int("port", t.Upstream.Port), zap.String("hostname", t.Upstream.Hostname))
		}
	}

	if t.Upstream.Headers == nil {
		t.Upstream.Headers = make(http.Header)
	}
	if t.Upstream.Path == "" || t.Upstream.Path == "undefined" {
		t.Upstream.Path = "/"
	}
	if t.Upstream.Method == "" {
		if t.ClientRequest != nil && t.ClientRequest.Method != "" {
			t.Upstream.Method = t.ClientRequest.Method
		} else {
			t.Upstream.Method = http.MethodGet
		}
	}

	if t.Upstream.Port == 80 || t.Upstream.Port == 443 {
		t.Upstream.Headers.Set("Host", t.Upstream.Hostname)
	} else if t.Upstream.Hostname != "" {
		t.Upstream.Headers.Set("Host", net.JoinHostPort(t.Upstream.Hostname, strconv.Itoa(t.Upstream.Port)))
	}

	clientHost := ""
	if t.ClientRequest != nil {
		clientHost = t.ClientRequest.Host
	}
	if t.IsSSL != preSSL && clientHost != "" && clientHost != t.Upstream.Hostname {
		if preSSL && !t.IsSSL {
			crossedToHTTP = true
		} else if !preSSL && t.IsSSL {
			crossedToHTTPS = true
		}
	}

	return crossedToHTTP, crossedToHTTPS
}

// validateUpstream implements spec §4.4's "Post-rule validation": invalid
// hostname/port is recorded but does not abort the pipeline; the resulting
// dial error is surfaced later by C8.
func validateUpstream(t *txn.Transaction) error {
	if t.Upstream.Hostname == "" || t.Upstream.Hostname == "undefined" {
		return errInvalidUpstream("hostname", t.Upstream.Hostname)
	}
	if t.Upstream.Port < 1 || t.Upstream.Port > 65535 {
		return errInvalidUpstream("port", strconv.Itoa(t.Upstream.Port))
	}
	return nil
}

type invalidUpstreamError struct {
	field, value string
}

func (e *invalidUpstreamError) Error() string {
	return "invalid upstream " + e.field + ": " + e.value
}

func errInvalidUpstream(field, value string) error {
	return &invalidUpstreamError{field: field, value: value}
}
