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

package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Report renders the multi-line periodic snapshot described in spec §4.8:
// uptime, totalRequests, uniqueHosts count, rulesMatched, passThrough,
// httpsToHttp, httpToHttps, active-rules set, and rule-match rate.
func (snap Snapshot) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "uptime=%s\n", humanize.RelTime(time.Now().Add(-snap.Uptime), time.Now(), "", ""))
	fmt.Fprintf(&b, "totalRequests=%d\n", snap.TotalRequests)
	fmt.Fprintf(&b, "uniqueHosts=%d\n", len(snap.UniqueHosts))
	fmt.Fprintf(&b, "rulesMatched=%d\n", snap.RulesMatched)
	fmt.Fprintf(&b, "passThrough=%d\n", snap.PassThrough)
	fmt.Fprintf(&b, "httpsToHttp=%d\n", snap.HTTPSToHTTP)
	fmt.Fprintf(&b, "httpToHttps=%d\n", snap.HTTPToHTTPS)
	fmt.Fprintf(&b, "activeRules=%s\n", strings.Join(snap.RulesUsed, ","))
	fmt.Fprintf(&b, "ruleMatchRate=%.1f%%\n", snap.MatchRate())
	return b.String()
}

// RunPeriodicReporter blocks, emitting a STATS event and logging the report
// every interval, until ctx is cancelled. The final snapshot is always
// logged once more right before returning (spec §4.8: "Final snapshot
// emitted on shutdown").
func (s *Sink) RunPeriodicReporter(ctx context.Context, interval time.Duration, log *zap.Logger) {
	if log == nil {
		log = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.emitSnapshot(log)
		case <-ctx.Done():
			s.emitSnapshot(log)
			return
		}
	}
}

func (s *Sink) emitSnapshot(log *zap.Logger) {
	snap := s.Snapshot()
	report := snap.Report()
	log.Info("stats snapshot", zap.String("report", report))
	s.Emit(EventStats, report, Metadata{})
}
