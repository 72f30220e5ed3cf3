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

// Package txn implements C3: the per-transaction context. Upstream below is
// the mutable draft that rule hooks write into; the pipeline normalizer then
// fixes it up in place and the listener dials from it. No separate immutable
// descriptor is produced: SnapshotUpstream/RestoreUpstream only take and
// restore a copy for the OnRequest rollback.
package txn

import (
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// Upstream is the draft descriptor a rule's OnRequest hook may mutate,
// matching spec §3's "upstream" field set.
type Upstream struct {
	Hostname           string
	Port               int
	Path               string
	Method             string
	Headers            http.Header
	Protocol           string // "http" or "https"
	UseDirectTransport bool
}

// Clone returns a deep-enough copy of u suitable for the snapshot-and-restore
// rollback around OnRequest (Open Question 2, see DESIGN.md).
func (u Upstream) Clone() Upstream {
	c := u
	if u.Headers != nil {
		c.Headers = u.Headers.Clone()
	}
	return c
}

// Transaction is one client request/response exchange, created when request
// headers are parsed and discarded when the exchange completes (spec §3
// "Lifecycle"). It is owned by a single goroutine (the connection's worker)
// for its entire life and is not safe for concurrent mutation — only the
// read-mostly fields (ID, ClientRequest, IsSSL) are safe to read from other
// goroutines such as the admin API's event stream.
type Transaction struct {
	ID string

	ClientRequest *http.Request
	IsSSL         bool
	ParsedURL     string // reconstructed absolute URL, empty if NoRoute

	Upstream Upstream

	// MatchedRule holds the rule.Rule that claimed this transaction, typed
	// as any to avoid an import cycle between txn and rule (rule.Rule
	// methods take *Transaction).
	MatchedRule any
	RuleName    string

	Processed      bool
	ManualResponse bool

	// Writer and Conn give an OnRequest hook that sets ManualResponse direct
	// access to the client connection, set by internal/listener before the
	// pipeline runs. Neither is populated outside a live connection worker.
	Writer http.ResponseWriter `json:"-"`
	Conn   net.Conn            `json:"-"`

	// UseDecompression opts into transparent gzip/deflate handling in C7,
	// per spec §4.6.
	UseDecompression bool

	clientResp *ResponseState

	mu sync.Mutex
	// RequestChunkFns, ResponseChunkFns and ResponseEndFn hold the streaming
	// transducers a matched rule installs (RequestChunkFns from OnRequest,
	// the response ones from OnResponse); internal/listener applies them
	// through internal/bodyrewrite.
	RequestChunkFns  []func([]byte) ([]byte, error)
	ResponseChunkFns []func([]byte) ([]byte, error)
	ResponseEndFn    func() error
}

// ResponseState tracks the write-once flags spec §4.7's "pre-write guard"
// depends on: never write if headersSent || finished || manualResponse.
type ResponseState struct {
	mu          sync.Mutex
	headersSent bool
	finished    bool
}

func (r *ResponseState) MarkHeadersSent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headersSent = true
}

func (r *ResponseState) MarkFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = true
}

func (r *ResponseState) HeadersSent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headersSent
}

func (r *ResponseState) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// New creates a Transaction for an incoming client request.
func New(req *http.Request, isSSL bool) *Transaction {
	return &Transaction{
		ID:            uuid.NewString(),
		ClientRequest: req,
		IsSSL:         isSSL,
		clientResp:    &ResponseState{},
	}
}

// ClientResponse exposes the write-once response state (spec §3's
// "clientResponse" handle).
func (t *Transaction) ClientResponse() *ResponseState { return t.clientResp }

// CanWriteResponse reports whether the engine (specifically C8) is still
// permitted to write to the client, per spec §4.7's pre-write guard.
func (t *Transaction) CanWriteResponse() bool {
	return !t.ManualResponse && !t.clientResp.HeadersSent() && !t.clientResp.Finished()
}

// SnapshotUpstream returns a deep copy of the current upstream draft, used
// to implement the OnRequest rollback-on-failure policy (Open Question 2).
func (t *Transaction) SnapshotUpstream() Upstream {
	return t.Upstream.Clone()
}

// RestoreUpstream resets the upstream draft to a previously captured
// snapshot.
func (t *Transaction) RestoreUpstream(snap Upstream) {
	t.Upstream = snap
}
