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
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// hopByHop is the RFC 7230 §6.1 list stripped before forwarding either
// direction, grounded on caddyhttp/proxy/proxy.go's own hop-by-hop table.
var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Keep-Alive",
}

// stripHopByHop removes hop-by-hop headers in place, including any headers
// named by a Connection header's value, matching the teacher's proxy
// forwarding path.
func stripHopByHop(h http.Header) {
	if conn := h.Get("Connection"); conn != "" {
		for _, name := range strings.Split(conn, ",") {
			h.Del(strings.TrimSpace(name))
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
}

// cloneForward builds the outbound header set for a proxied request: the
// client's headers with hop-by-hop stripped and any malformed field names
// dropped (golang.org/x/net/http/httpguts, the same validity check
// net/http/httputil's reverse proxy runs), then overlaid with anything a
// rule staged onto t.Upstream.Headers.
func cloneForward(client http.Header, overlay http.Header) http.Header {
	out := client.Clone()
	stripHopByHop(out)
	for k := range out {
		if !httpguts.ValidHeaderFieldName(k) {
			out.Del(k)
		}
	}
	for k, vv := range overlay {
		out[k] = append([]string(nil), vv...)
	}
	return out
}
