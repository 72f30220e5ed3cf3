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

// Prometheus exposition for the C9 counters (SPEC_FULL §4): the sink
// already tracks exactly the values client_golang exists to expose, so a
// Collector is a thin adapter rather than a second bookkeeping path.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Collector adapts a Sink to prometheus.Collector, suitable for
// registration with a prometheus.Registry and exposition on the admin
// API's /metrics route.
type Collector struct {
	sink *Sink

	totalRequests *prometheus.Desc
	rulesMatched  *prometheus.Desc
	passThrough   *prometheus.Desc
	httpsToHTTP   *prometheus.Desc
	httpToHTTPS   *prometheus.Desc
	uniqueHosts   *prometheus.Desc
}

// NewCollector builds a Collector over sink.
func NewCollector(sink *Sink) *Collector {
	return &Collector{
		sink:          sink,
		totalRequests: prometheus.NewDesc("tapwire_requests_total", "Total proxied transactions.", nil, nil),
		rulesMatched:  prometheus.NewDesc("tapwire_rules_matched_total", "Transactions claimed by a rule.", nil, nil),
		passThrough:   prometheus.NewDesc("tapwire_pass_through_total", "Transactions with no matching rule.", nil, nil),
		httpsToHTTP:   prometheus.NewDesc("tapwire_https_to_http_total", "Rule-triggered HTTPS to HTTP downgrades.", nil, nil),
		httpToHTTPS:   prometheus.NewDesc("tapwire_http_to_https_total", "Rule-triggered HTTP to HTTPS upgrades.", nil, nil),
		uniqueHosts:   prometheus.NewDesc("tapwire_unique_hosts", "Distinct hostnames seen.", nil, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.totalRequests
	ch <- c.rulesMatched
	ch <- c.passThrough
	ch <- c.httpsToHTTP
	ch <- c.httpToHTTPS
	ch <- c.uniqueHosts
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.sink.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.totalRequests, prometheus.CounterValue, float64(snap.TotalRequests))
	ch <- prometheus.MustNewConstMetric(c.rulesMatched, prometheus.CounterValue, float64(snap.RulesMatched))
	ch <- prometheus.MustNewConstMetric(c.passThrough, prometheus.CounterValue, float64(snap.PassThrough))
	ch <- prometheus.MustNewConstMetric(c.httpsToHTTP, prometheus.CounterValue, float64(snap.HTTPSToHTTP))
	ch <- prometheus.MustNewConstMetric(c.httpToHTTPS, prometheus.CounterValue, float64(snap.HTTPToHTTPS))
	ch <- prometheus.MustNewConstMetric(c.uniqueHosts, prometheus.GaugeValue, float64(len(snap.UniqueHosts)))
}
