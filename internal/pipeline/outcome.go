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

// Package pipeline implements C5: the match loop, the upstream normalizer,
// and the tagged-variant post-condition, per Design Note 9 ("a tagged-variant
// post-condition encodes the pipeline outcome").
package pipeline

import "github.com/tapwire/tapwire/internal/txn"

// Outcome is the tagged variant spec §4.4 describes:
// Upstream(ctx) | Manual(ctx) | PassThrough(ctx) | NoRoute(ctx).
type Outcome int

const (
	// OutcomeUpstream: the engine should dial and proxy.
	OutcomeUpstream Outcome = iota
	// OutcomeManual: the rule is writing the response itself.
	OutcomeManual
	// OutcomePassThrough: no rule matched; dial using the reconstructed URL.
	OutcomePassThrough
	// OutcomeNoRoute: URL could not be reconstructed.
	OutcomeNoRoute
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpstream:
		return "upstream"
	case OutcomeManual:
		return "manual"
	case OutcomePassThrough:
		return "pass_through"
	case OutcomeNoRoute:
		return "no_route"
	default:
		return "unknown"
	}
}

// Result is what Run returns: an outcome plus the transaction it describes.
type Result struct {
	Outcome Outcome
	Txn     *txn.Transaction
}
