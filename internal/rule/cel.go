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

// CEL-based declarative rules. The compile-then-evaluate flow here mirrors
// modules/caddyhttp/celmatcher.go's MatchExpression: build a cel.Env with
// request-shaped variables, Compile once at load time, Program once, and
// Eval per-transaction — simplified to this proxy's variable surface
// (host/path/method/scheme/header/query) instead of celmatcher.go's
// full custom celHTTPRequest activation type.
package rule

import (
	"fmt"
	"net/url"

	"github.com/google/cel-go/cel"
	"github.com/tapwire/tapwire/internal/txn"
)

var celEnv *cel.Env

func init() {
	env, err := cel.NewEnv(
		cel.Variable("host", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("method", cel.StringType),
		cel.Variable("scheme", cel.StringType),
		cel.Variable("url", cel.StringType),
		cel.Variable("header", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("query", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		panic(fmt.Sprintf("rule: building CEL environment: %v", err))
	}
	celEnv = env
}

// CELRule is a declarative rule whose Match predicate is a CEL boolean
// expression over the request, and whose request-side mutation is a fixed
// set of upstream overrides and header additions — the common case spec §3
// describes, without requiring a full scripting hook.
type CELRule struct {
	BaseRule

	program cel.Program

	SetHostname string
	SetPort     int
	SetPath     string
	AddHeaders  map[string]string
	Manual      bool
}

// NewCELRule compiles expr once at load time, matching celmatcher.go's
// Provision-time compile step.
func NewCELRule(name, expr string) (*CELRule, error) {
	ast, issues := celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile rule %q expression: %w", name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %q expression must evaluate to bool, got %s", name, ast.OutputType())
	}
	prg, err := celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building program for rule %q: %w", name, err)
	}
	return &CELRule{BaseRule: BaseRule{RuleName: name}, program: prg}, nil
}

// Match evaluates the compiled CEL program against the request, matching
// celmatcher.go's MatchWithError flow but against a flat variable map
// instead of a custom activation type.
func (r *CELRule) Match(parsedURL string, t *txn.Transaction) bool {
	vars := variablesFor(parsedURL, t)
	out, _, err := r.program.Eval(vars)
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (r *CELRule) OnRequest(parsedURL string, t *txn.Transaction) (HookOutcome, error) {
	if r.SetHostname != "" {
		t.Upstream.Hostname = r.SetHostname
	}
	if r.SetPort != 0 {
		t.Upstream.Port = r.SetPort
	}
	if r.SetPath != "" {
		t.Upstream.Path = r.SetPath
	}
	for k, v := range r.AddHeaders {
		if t.Upstream.Headers == nil {
			t.Upstream.Headers = make(map[string][]string)
		}
		t.Upstream.Headers.Set(k, v)
	}
	if r.Manual {
		return HookManual, nil
	}
	return HookContinue, nil
}

func variablesFor(parsedURL string, t *txn.Transaction) map[string]any {
	headers := map[string]string{}
	query := map[string]string{}
	var path, method, scheme string

	if t.ClientRequest != nil {
		method = t.ClientRequest.Method
		for k := range t.ClientRequest.Header {
			headers[k] = t.ClientRequest.Header.Get(k)
		}
	}

	host := ""
	if u, err := url.Parse(parsedURL); err == nil && u != nil {
		host = u.Hostname()
		path = u.Path
		scheme = u.Scheme
		for k, vals := range u.Query() {
			if len(vals) > 0 {
				query[k] = vals[0]
			}
		}
	}

	return map[string]any{
		"host":   host,
		"path":   path,
		"method": method,
		"scheme": scheme,
		"url":    parsedURL,
		"header": headers,
		"query":  query,
	}
}
