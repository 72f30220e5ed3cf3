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

// Plugin-loaded "advanced" rules. CELRule covers the common declarative
// case; some rules genuinely need arbitrary code execution power (spec
// scenario 4: a custom async upstream client). The only real Go mechanism
// offering that is the stdlib plugin package — there is no pack library
// substitute, so this file is deliberately stdlib-only (see DESIGN.md's
// C2 entry).
package rule

import (
	"fmt"
	"plugin"
)

// PluginSymbol is the exported symbol every advanced-rule .so must provide:
// a zero-argument constructor returning a Rule.
const PluginSymbol = "NewRule"

// LoadPlugin opens the compiled rule plugin at path and invokes its
// NewRule constructor. Callers must ensure the plugin was built with a
// matching Go toolchain version; plugin.Open fails loudly otherwise rather
// than silently misbehaving.
func LoadPlugin(path string) (Rule, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rule plugin %s: %w", path, err)
	}

	sym, err := p.Lookup(PluginSymbol)
	if err != nil {
		return nil, fmt.Errorf("rule plugin %s missing %s symbol: %w", path, PluginSymbol, err)
	}

	ctor, ok := sym.(func() Rule)
	if !ok {
		return nil, fmt.Errorf("rule plugin %s: %s has wrong signature, want func() rule.Rule", path, PluginSymbol)
	}

	r := ctor()
	if r == nil {
		return nil, fmt.Errorf("rule plugin %s: %s returned nil", path, PluginSymbol)
	}
	return r, nil
}
