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

// Package adminapi exposes the loopback-only control surface named in
// SPEC_FULL.md §4 ("Supplemented features"): rule listing/toggling, a live
// event stream, and Prometheus exposition. It is grounded on caddy's own
// admin API concept (a small, separately-bound control plane alongside the
// proxy listener) but routed with go-chi/chi/v5, already present in the
// teacher's module graph, rather than caddy's own hand-rolled mux.
package adminapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tapwire/tapwire/internal/rulestore"
	"github.com/tapwire/tapwire/internal/stats"
	"go.uber.org/zap"
)

// Server is the loopback admin API (spec §6's "Admin/inspection surface").
type Server struct {
	router *chi.Mux
	store  *rulestore.Store
	sink   *stats.Sink
	log    *zap.Logger
}

// New builds the admin router. It must only ever be bound to a loopback
// address by the caller — adminapi itself performs no authentication.
func New(store *rulestore.Store, sink *stats.Sink, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{store: store, sink: sink, log: log.Named("adminapi")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/rules", s.listRules)
	r.Post("/rules/{file}/toggle", s.toggleRule)
	r.Get("/stats", s.getStats)
	r.Get("/events", s.streamEvents)

	reg := prometheus.NewRegistry()
	reg.MustRegister(stats.NewCollector(sink))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// ruleView is one entry in GET /rules: the rule's declared name alongside
// its persisted RuleState, keyed by filename (spec §3's "Rule State").
type ruleView struct {
	Filename string              `json:"filename"`
	Name     string              `json:"name"`
	State    rulestore.RuleState `json:"state"`
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	rules := snap.Rules()
	filenames := snap.Filenames()
	states := s.store.States()

	out := make([]ruleView, 0, len(rules))
	for i, rl := range rules {
		fn := filenames[i]
		st, ok := states[fn]
		if !ok {
			// A rule with no persisted record yet defaults to enabled.
			st = rulestore.RuleState{Enabled: true}
		}
		out = append(out, ruleView{Filename: fn, Name: rl.Name(), State: st})
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) toggleRule(w http.ResponseWriter, r *http.Request) {
	file := chi.URLParam(r, "file")
	enabled, err := s.store.Toggle(file)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filename": file, "enabled": enabled})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	snap := s.sink.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptimeSeconds": snap.Uptime.Seconds(),
		"totalRequests": snap.TotalRequests,
		"rulesMatched":  snap.RulesMatched,
		"passThrough":   snap.PassThrough,
		"httpsToHTTP":   snap.HTTPSToHTTP,
		"httpToHTTPS":   snap.HTTPToHTTPS,
		"matchRate":     snap.MatchRate(),
		"uniqueHosts":   len(snap.UniqueHosts),
		"rulesUsed":     snap.RulesUsed,
	})
}

// streamEvents implements spec §4.8's "external UI ... subscribes to a
// structured event stream" as a Server-Sent Events endpoint: the backlog
// replays first, then live events follow until the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, backlog, unsubscribe := s.sink.Subscribe(32)
	defer unsubscribe()

	for _, ev := range backlog {
		writeSSE(w, ev)
	}
	flusher.Flush()

	ctx := r.Context()
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev stats.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
