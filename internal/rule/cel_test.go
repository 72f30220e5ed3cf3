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

package rule

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tapwire/tapwire/internal/txn"
)

func TestCELRule_MatchByHostSuffix(t *testing.T) {
	r, err := NewCELRule("010-example", `host.endsWith("example.org")`)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	tr := txn.New(req, true)

	require.True(t, r.Match("https://api.example.org/v1", tr))
	require.False(t, r.Match("https://api.other.org/v1", tr))
}

func TestCELRule_InvalidExpressionFailsToCompile(t *testing.T) {
	_, err := NewCELRule("bad", `host +`)
	require.Error(t, err)
}

func TestCELRule_NonBoolExpressionRejected(t *testing.T) {
	_, err := NewCELRule("bad-type", `host`)
	require.Error(t, err)
}

func TestCELRule_OnRequestSetsUpstreamAndHeaders(t *testing.T) {
	r, err := NewCELRule("redirect", `host == "old.example.org"`)
	require.NoError(t, err)
	r.SetHostname = "new.example.org"
	r.SetPort = 9045
	r.AddHeaders = map[string]string{"X-Injected": "yes"}

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	tr := txn.New(req, true)

	outcome, err := r.OnRequest("https://old.example.org/", tr)
	require.NoError(t, err)
	require.Equal(t, HookContinue, outcome)
	require.Equal(t, "new.example.org", tr.Upstream.Hostname)
	require.Equal(t, 9045, tr.Upstream.Port)
	require.Equal(t, "yes", tr.Upstream.Headers.Get("X-Injected"))
}

func TestCELRule_ManualClaimsResponse(t *testing.T) {
	r, err := NewCELRule("manual", `true`)
	require.NoError(t, err)
	r.Manual = true

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	tr := txn.New(req, true)

	outcome, err := r.OnRequest("https://x/", tr)
	require.NoError(t, err)
	require.Equal(t, HookManual, outcome)
}
