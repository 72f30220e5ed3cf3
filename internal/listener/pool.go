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
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// pool hands out an *http.Transport per (hostname, port, scheme) key,
// leaning on http.Transport's own idle-connection pool rather than
// hand-rolling one, matching how the teacher's reverseproxy dials upstream.
// UseDirectTransport (spec §3's upstream field) gets its own
// keep-alive-disabled Transport so it never shares sockets with pooled
// traffic.
type pool struct {
	dialTimeout time.Duration

	mu    sync.Mutex
	byKey map[string]*http.Transport
	direct *http.Transport
}

func newPool(dialTimeout time.Duration) *pool {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &pool{
		dialTimeout: dialTimeout,
		byKey:       make(map[string]*http.Transport),
		direct: &http.Transport{
			DisableKeepAlives:   true,
			TLSClientConfig:     &tls.Config{},
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

func (p *pool) key(hostname string, port int, scheme string) string {
	return fmt.Sprintf("%s:%d:%s", hostname, port, scheme)
}

// transport returns the Transport to use for an upstream dial, creating and
// caching one on first use per key.
func (p *pool) transport(hostname string, port int, scheme string, direct bool) *http.Transport {
	if direct {
		return p.direct
	}

	key := p.key(hostname, port, scheme)

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.byKey[key]; ok {
		return t
	}

	t := &http.Transport{
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		TLSClientConfig:       &tls.Config{},
	}
	p.byKey[key] = t
	return t
}

// CloseIdleConnections is called from the supervisor's drain sequence
// (spec §4.9 "close the upstream pool").
func (p *pool) CloseIdleConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.byKey {
		t.CloseIdleConnections()
	}
	p.direct.CloseIdleConnections()
}
