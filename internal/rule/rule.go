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

// Package rule defines the Rule contract (spec §3 "Rule") as a Go interface
// with a default no-op embeddable implementation, per Design Note 9:
// "Prototype dispatch → interface + ordered list ... model them as an
// interface with default no-op methods".
package rule

import (
	"github.com/tapwire/tapwire/internal/txn"
)

// HookOutcome is returned by OnRequest to tell the pipeline whether the
// rule wants the engine to continue dialing upstream or take over the
// response itself (spec §3's "{continue | manual}").
type HookOutcome int

const (
	HookContinue HookOutcome = iota
	HookManual
)

// Rule is the full contract a rule module may implement. Name is the only
// method every rule must provide meaningfully; Match must be side-effect
// free (spec §4.2 invariant). The remaining hooks default to no-ops via
// BaseRule so a rule author only overrides what it needs.
type Rule interface {
	// Name is the descriptive label used in logs and stats.rulesUsed
	// (spec §3's "name" field). rules-state.json is keyed by filename, not
	// by Name.
	Name() string

	// Match is a pure predicate: parsedURL is the absolute URL
	// reconstructed by urlutil, t is the in-progress transaction.
	Match(parsedURL string, t *txn.Transaction) bool

	// OnRequest may mutate t.Upstream and/or claim manual response.
	OnRequest(parsedURL string, t *txn.Transaction) (HookOutcome, error)

	// OnResponse may install streaming response rewriters via
	// t.ResponseChunkFns / t.ResponseEndFn. It runs after the upstream
	// request has been sent, so request-body rewriters (t.RequestChunkFns)
	// take effect only when installed from OnRequest.
	OnResponse(parsedURL string, t *txn.Transaction) error
}

// BaseRule provides no-op implementations of every hook except Match, so
// a rule type only needs to embed BaseRule and override what it uses —
// exactly Design Note 9's "interface with default no-op methods".
type BaseRule struct {
	RuleName string
}

func (b BaseRule) Name() string { return b.RuleName }

func (b BaseRule) OnRequest(string, *txn.Transaction) (HookOutcome, error) {
	return HookContinue, nil
}

func (b BaseRule) OnResponse(string, *txn.Transaction) error { return nil }
