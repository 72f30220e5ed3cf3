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

// Package rulestore implements C2: loading rule definitions from a
// directory, owning their enable/disable/usage state, and supporting hot
// reload. Declarative rules are YAML files compiled to rule.CELRule;
// advanced rules are Go plugins (*.so) loaded via rule.LoadPlugin. Hot
// reload is driven by SIGHUP, the way
// caddyhttp/digestauth/htdigest-user-store.go's ReloadOn loops on
// signal.Notify.
package rulestore

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/tapwire/tapwire/internal/rule"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// declFile is the on-disk shape of a declarative rule file, e.g.
// rules/010-example.yaml.
type declFile struct {
	Name        string            `yaml:"name"`
	Match       string            `yaml:"match"`
	SetHostname string            `yaml:"setHostname"`
	SetPort     int               `yaml:"setPort"`
	SetPath     string            `yaml:"setPath"`
	AddHeaders  map[string]string `yaml:"addHeaders"`
	Manual      bool              `yaml:"manual"`
}

// entry pairs a loaded rule with the filename it came from, which is the
// unit of identity for enable/disable state and ordering (spec §4.2
// "Ordering": lexicographic by filename).
type entry struct {
	filename string
	r        rule.Rule
}

// Store is the Rule Store (C2). Reload is safe to call while transactions
// are in flight: Snapshot returns an immutable ordered slice that in-flight
// transactions keep using to completion (spec §4.2 "Hot reload").
type Store struct {
	dir   string
	log   *zap.Logger
	state *stateFile

	mu      sync.RWMutex
	entries []entry

	subMu sync.Mutex
	subs  []func()

	stopSignals chan struct{}
}

// Open loads rulesDir's rule files and the sibling rules-state.json
// document (conventionally at config/rules-state.json per spec §6).
func Open(rulesDir, stateFilePath string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sf, err := openStateFile(stateFilePath)
	if err != nil {
		return nil, fmt.Errorf("open rule state: %w", err)
	}

	s := &Store{dir: rulesDir, log: log.Named("rulestore"), state: sf}
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// isSidecar excludes conventional index/types sidecar files from loading,
// per spec §4.2's "excluding conventional index/types sidecars".
func isSidecar(name string) bool {
	base := strings.ToLower(name)
	return base == "index.yaml" || base == "index.yml" || base == "types.yaml" || strings.HasSuffix(base, ".d.yaml")
}

func (s *Store) load() ([]entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules dir %s: %w", s.dir, err)
	}

	var names []string
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		names = append(names, de.Name())
	}
	// spec §4.2 "Ordering": lexicographic by filename, case-insensitive.
	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})

	var out []entry
	for _, name := range names {
		if isSidecar(name) {
			continue
		}
		full := filepath.Join(s.dir, name)
		r, err := s.loadOne(name, full)
		if err != nil {
			// Files that fail validation are logged and skipped, never
			// fatal (spec §4.2 "Load").
			s.log.Warn("skipping invalid rule file", zap.String("file", name), zap.Error(err))
			continue
		}
		if r == nil {
			continue
		}
		out = append(out, entry{filename: name, r: r})
	}
	return out, nil
}

func (s *Store) loadOne(name, full string) (rule.Rule, error) {
	switch {
	case strings.HasSuffix(name, ".yaml"), strings.HasSuffix(name, ".yml"):
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, err
		}
		var df declFile
		if err := yaml.Unmarshal(data, &df); err != nil {
			return nil, err
		}
		if df.Match == "" {
			return nil, fmt.Errorf("rule %s missing required 'match' expression", name)
		}
		ruleName := df.Name
		if ruleName == "" {
			ruleName = name
		}
		cr, err := rule.NewCELRule(ruleName, df.Match)
		if err != nil {
			return nil, err
		}
		cr.SetHostname = df.SetHostname
		cr.SetPort = df.SetPort
		cr.SetPath = df.SetPath
		cr.AddHeaders = df.AddHeaders
		cr.Manual = df.Manual
		return cr, nil

	case strings.HasSuffix(name, ".so"):
		return rule.LoadPlugin(full)

	default:
		return nil, nil
	}
}

// Reload re-reads the directory, rebuilds the ordered list, and preserves
// enable/disable state by filename (spec §4.2). It notifies subscribers
// after the swap completes.
func (s *Store) Reload() error {
	s.mu.Lock()
	err := s.reloadLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Store) reloadLocked() error {
	entries, err := s.load()
	if err != nil {
		return err
	}
	s.entries = entries
	return nil
}

// Snapshot is an immutable ordered view of enabled rules, captured once at
// pipeline entry (spec §4.2, §5's "Rule list snapshot: Copy-on-reload").
type Snapshot struct {
	rules []entry
}

// Rules returns the enabled rules in priority order.
func (snap Snapshot) Rules() []rule.Rule {
	out := make([]rule.Rule, len(snap.rules))
	for i, e := range snap.rules {
		out[i] = e.r
	}
	return out
}

// Filenames returns the backing filename for each rule in the same order
// as Rules, so the pipeline can report usage by filename.
func (snap Snapshot) Filenames() []string {
	out := make([]string, len(snap.rules))
	for i, e := range snap.rules {
		out[i] = e.filename
	}
	return out
}

// Snapshot captures the current enabled-rule list. Safe to call
// concurrently with Reload; in-flight transactions keep whatever Snapshot
// they captured.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]entry, 0, len(s.entries))
	for _, e := range s.entries {
		if s.state.get(e.filename).Enabled {
			out = append(out, e)
		}
	}
	return Snapshot{rules: out}
}

// Toggle flips the enabled flag for filename, persists it, and notifies
// subscribers. Unknown filenames default to enabled=true before the flip,
// per spec §3's "Rule State" invariant.
func (s *Store) Toggle(filename string) (bool, error) {
	enabled, err := s.state.toggle(filename)
	if err != nil {
		return enabled, err
	}
	s.notify()
	return enabled, nil
}

// RecordUsage increments filename's usage counter (called by the pipeline
// on every match).
func (s *Store) RecordUsage(filename string) {
	if err := s.state.recordUsage(filename); err != nil {
		s.log.Warn("failed to persist rule usage count", zap.String("file", filename), zap.Error(err))
	}
}

// States returns the full persisted state map, for the admin API.
func (s *Store) States() map[string]RuleState { return s.state.snapshot() }

// Subscribe registers cb to be called after every successful Reload/Toggle
// (spec §4.2's "subscribe(callback) for change notifications").
func (s *Store) Subscribe(cb func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, cb)
}

func (s *Store) notify() {
	s.subMu.Lock()
	subs := append([]func(){}, s.subs...)
	s.subMu.Unlock()
	for _, cb := range subs {
		cb()
	}
}

// WatchSignals spawns a goroutine that calls Reload on every SIGHUP,
// directly mirroring htdigest-user-store.go's ReloadOn(signal, onbad). The
// returned stop function cancels the watch.
func (s *Store) WatchSignals() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ch:
				if err := s.Reload(); err != nil {
					s.log.Error("rule reload failed, retaining previous snapshot", zap.Error(err))
				} else {
					s.log.Info("rules reloaded via SIGHUP")
				}
			case <-done:
				signal.Stop(ch)
				return
			}
		}
	}()

	return func() { close(done) }
}
