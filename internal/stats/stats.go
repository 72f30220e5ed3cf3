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

// Package stats implements C9: monotonic counters, a periodic snapshot
// report, and a structured event stream. Design Note 9 calls out the
// source's single shared Set+Map as "a pathology in any systems language"
// and prescribes sharding by hash of host name, collapsed on read; Sink
// uses cespare/xxhash/v2 to pick a shard the way a striped cache would.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// counters holds the monotonic 64-bit fields from spec §3's "Stats
// Snapshot". Increments and reads both go through sync/atomic, so the
// periodic reporter, the admin API and /metrics can read them at any time.
type counters struct {
	totalRequests int64
	rulesMatched  int64
	passThrough   int64
	httpsToHTTP   int64
	httpToHTTPS   int64
}

// shardedSet is a sharded, mutex-guarded string set keyed by xxhash of the
// member, collapsing to a plain map only when Len/Items is called.
type shardedSet struct {
	shards [shardCount]struct {
		mu sync.Mutex
		m  map[string]struct{}
	}
}

func newShardedSet() *shardedSet {
	s := &shardedSet{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]struct{})
	}
	return s
}

func (s *shardedSet) shardFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(shardCount))
}

func (s *shardedSet) Add(key string) {
	idx := s.shardFor(key)
	sh := &s.shards[idx]
	sh.mu.Lock()
	sh.m[key] = struct{}{}
	sh.mu.Unlock()
}

func (s *shardedSet) Len() int {
	n := 0
	for i := range s.shards {
		s.shards[i].mu.Lock()
		n += len(s.shards[i].m)
		s.shards[i].mu.Unlock()
	}
	return n
}

func (s *shardedSet) Items() []string {
	out := make([]string, 0, s.Len())
	for i := range s.shards {
		s.shards[i].mu.Lock()
		for k := range s.shards[i].m {
			out = append(out, k)
		}
		s.shards[i].mu.Unlock()
	}
	return out
}

// Sink is the Stats & Log Sink (C9). Create one with New and keep it for
// the process lifetime.
type Sink struct {
	startTime time.Time

	c counters

	uniqueHosts *shardedSet
	rulesUsed   *shardedSet

	events *eventBus
	level  Level
}

// Level is the verbosity a Sink is created with (0=errors only, 1=basic,
// 2=debug). The Sink stores it but never reads it: the Sink prints nothing
// itself, with or without subscribers, and events reach only subscribers
// of the event bus.
type Level int

const (
	LevelErrors Level = 0
	LevelBasic  Level = 1
	LevelDebug  Level = 2
)

// New creates a Sink. bufferedEvents bounds the in-memory event ring the
// admin API's SSE endpoint replays to late subscribers.
func New(level Level, bufferedEvents int) *Sink {
	return &Sink{
		startTime:   time.Now(),
		uniqueHosts: newShardedSet(),
		rulesUsed:   newShardedSet(),
		events:      newEventBus(bufferedEvents),
		level:       level,
	}
}

// IncTotalRequests increments the total-requests counter.
func (s *Sink) IncTotalRequests() { atomic.AddInt64(&s.c.totalRequests, 1) }

// IncRulesMatched increments the rules-matched counter.
func (s *Sink) IncRulesMatched() { atomic.AddInt64(&s.c.rulesMatched, 1) }

// IncPassThrough increments the pass-through counter.
func (s *Sink) IncPassThrough() { atomic.AddInt64(&s.c.passThrough, 1) }

// IncHTTPSToHTTP increments the HTTPS→HTTP downgrade counter.
func (s *Sink) IncHTTPSToHTTP() { atomic.AddInt64(&s.c.httpsToHTTP, 1) }

// IncHTTPToHTTPS increments the HTTP→HTTPS upgrade counter.
func (s *Sink) IncHTTPToHTTPS() { atomic.AddInt64(&s.c.httpToHTTPS, 1) }

// AddUniqueHost records host in the unique-hosts set.
func (s *Sink) AddUniqueHost(host string) {
	if host != "" {
		s.uniqueHosts.Add(host)
	}
}

// AddRuleUsed records ruleName in the rules-used set.
func (s *Sink) AddRuleUsed(ruleName string) {
	if ruleName != "" {
		s.rulesUsed.Add(ruleName)
	}
}

// Snapshot is an immutable read of all counters/sets, for the periodic
// report, the admin API, and /metrics.
type Snapshot struct {
	Uptime        time.Duration
	TotalRequests int64
	RulesMatched  int64
	PassThrough   int64
	HTTPSToHTTP   int64
	HTTPToHTTPS   int64
	UniqueHosts   []string
	RulesUsed     []string
}

// Snapshot collapses the sharded sets and atomic counters into a single
// read (spec's "collapse on read").
func (s *Sink) Snapshot() Snapshot {
	return Snapshot{
		Uptime:        time.Since(s.startTime),
		TotalRequests: atomic.LoadInt64(&s.c.totalRequests),
		RulesMatched:  atomic.LoadInt64(&s.c.rulesMatched),
		PassThrough:   atomic.LoadInt64(&s.c.passThrough),
		HTTPSToHTTP:   atomic.LoadInt64(&s.c.httpsToHTTP),
		HTTPToHTTPS:   atomic.LoadInt64(&s.c.httpToHTTPS),
		UniqueHosts:   s.uniqueHosts.Items(),
		RulesUsed:     s.rulesUsed.Items(),
	}
}

// MatchRate returns rulesMatched/totalRequests as a percentage, per spec
// §4.8's periodic snapshot report.
func (snap Snapshot) MatchRate() float64 {
	if snap.TotalRequests == 0 {
		return 0
	}
	return float64(snap.RulesMatched) / float64(snap.TotalRequests) * 100
}
