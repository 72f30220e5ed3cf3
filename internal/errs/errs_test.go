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

package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_NilErrorReturnsNil(t *testing.T) {
	require.NoError(t, New(KindDNS, nil))
}

func TestNewAndClassifyOf_RoundTrip(t *testing.T) {
	base := errors.New("dial tcp: no such host")
	wrapped := New(KindDNS, base)

	require.Equal(t, KindDNS, ClassifyOf(wrapped))
	require.ErrorIs(t, wrapped, base)
	require.Contains(t, wrapped.Error(), "dns")
}

func TestClassifyOf_UnclassifiedReturnsUnknown(t *testing.T) {
	require.Equal(t, KindUnknown, ClassifyOf(errors.New("plain error")))
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := Newf(KindCert, "mint failed for %s", "example.com")
	require.Equal(t, KindCert, ClassifyOf(err))
	require.Contains(t, err.Error(), "example.com")
}

func TestIsFatal(t *testing.T) {
	require.True(t, IsFatal(KindConfig))
	require.True(t, IsFatal(KindOther))
	require.True(t, IsFatal(KindUnknown))
	require.False(t, IsFatal(KindClientGone))
	require.False(t, IsFatal(KindDNS))
	require.False(t, IsFatal(KindBenign))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "dns", KindDNS.String())
	require.Equal(t, "rule_config", KindRuleConfig.String())
	require.Equal(t, "unknown", Kind(999).String())
}
