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
	"github.com/tapwire/tapwire/internal/errs"
	"github.com/tapwire/tapwire/internal/rule"
	"github.com/tapwire/tapwire/internal/rulestore"
	"github.com/tapwire/tapwire/internal/stats"
	"github.com/tapwire/tapwire/internal/txn"
	"github.com/tapwire/tapwire/internal/urlutil"
	"go.uber.org/zap"
)

// Pipeline is the Rule Pipeline (C5): it owns no per-transaction state,
// only references to its collaborators, so Run is safe to call
// concurrently from every connection worker.
type Pipeline struct {
	store         *rulestore.Store
	sink          *stats.Sink
	log           *zap.Logger
	internalHosts []string
}

// New builds a Pipeline over store and sink. internalHosts overrides
// urlutil.DefaultInternalHostSubstrings when non-empty (spec §4.3).
func New(store *rulestore.Store, sink *stats.Sink, log *zap.Logger, internalHosts []string) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{store: store, sink: sink, log: log.Named("pipeline"), internalHosts: internalHosts}
}

// Run executes the match loop against t, per spec §4.4.
func (p *Pipeline) Run(t *txn.Transaction) (Result, error) {
	parsedURL, ok := urlutil.ReconstructFullURL(t.ClientRequest, t.IsSSL)
	if !ok {
		p.log.Debug("could not reconstruct URL; returning NoRoute")
		return Result{Outcome: OutcomeNoRoute, Txn: t}, nil
	}
	t.ParsedURL = parsedURL

	hostname := ""
	if t.ClientRequest != nil {
		hostname = t.ClientRequest.Host
	}
	internal := urlutil.IsInternalHost(hostname, p.internalHosts)

	if !internal {
		p.sink.IncTotalRequests()
		p.sink.AddUniqueHost(hostname)
	}

	snap := p.store.Snapshot()
	rules := snap.Rules()
	filenames := snap.Filenames()

	preSSL := t.IsSSL

	for i, r := range rules {
		matched, matchErr := safeMatch(r, parsedURL, t)
		if matchErr != nil {
			p.log.Warn("rule Match panicked; skipping rule",
				zap.String("rule", r.Name()), zap.Error(matchErr))
			continue
		}
		if !matched {
			continue
		}

		filename := filenames[i]
		if !internal {
			p.sink.IncRulesMatched()
			p.sink.AddRuleUsed(r.Name())
			p.store.RecordUsage(filename)
			p.sink.Emit(stats.EventRule, "rule matched", stats.Metadata{URL: parsedURL, Rule: r.Name()})
		}
		t.RuleName = r.Name()
		t.MatchedRule = r

		upstreamBefore := t.SnapshotUpstream()
		outcome, err := safeOnRequest(r, parsedURL, t)
		if err != nil {
			// Open Question 2 (DESIGN.md): roll back on failure. A panicking
			// hook is classified and handled identically to one that
			// returned an error — spec §7's "throwing hook never takes down
			// the process".
			t.RestoreUpstream(upstreamBefore)
			return Result{}, errs.New(errs.KindRuleConfig, err)
		}

		if outcome == rule.HookManual || t.ManualResponse {
			t.ManualResponse = true
			return Result{Outcome: OutcomeManual, Txn: t}, nil
		}

		crossedToHTTP, crossedToHTTPS := normalize(t, parsedURL, preSSL, p.log)
		if crossedToHTTP {
			p.sink.IncHTTPSToHTTP()
		}
		if crossedToHTTPS {
			p.sink.IncHTTPToHTTPS()
		}
		if err := validateUpstream(t); err != nil {
			p.log.Warn("rule produced invalid upstream; dial will surface the error",
				zap.String("rule", r.Name()), zap.Error(err))
		}

		t.Processed = true
		return Result{Outcome: OutcomeUpstream, Txn: t}, nil
	}

	if !internal {
		p.sink.IncPassThrough()
	}
	normalize(t, parsedURL, preSSL, p.log)
	return Result{Outcome: OutcomePassThrough, Txn: t}, nil
}

// safeMatch runs r.Match behind a recover boundary: spec §7 requires that a
// throwing hook never takes down the process, and Match is the one hook
// invoked for every rule on every request regardless of whether it matches,
// so a panicking CEL evaluation or Go-plugin rule must not escape here.
func safeMatch(r rule.Rule, parsedURL string, t *txn.Transaction) (matched bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.Newf(errs.KindRuleConfig, "rule %q panicked in Match: %v", r.Name(), rec)
		}
	}()
	return r.Match(parsedURL, t), nil
}

// safeOnRequest runs r.OnRequest behind the same recover boundary as
// safeMatch, converting a panic into a KindRuleConfig error the caller
// handles identically to a hook that returned an error.
func safeOnRequest(r rule.Rule, parsedURL string, t *txn.Transaction) (outcome rule.HookOutcome, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errs.Newf(errs.KindRuleConfig, "rule %q panicked in OnRequest: %v", r.Name(), rec)
		}
	}()
	return r.OnRequest(parsedURL, t)
}
