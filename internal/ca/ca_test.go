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

package ca

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_GeneratesRootOnFirstRun(t *testing.T) {
	dirs := Dirs{Root: t.TempDir()}

	s, err := Open(dirs, nil)
	require.NoError(t, err)
	require.NotNil(t, s.RootCert())
	require.Equal(t, CommonName, s.RootCert().Subject.CommonName)

	// Reopening the same directory must load, not regenerate.
	s2, err := Open(dirs, nil)
	require.NoError(t, err)
	require.Equal(t, s.RootCert().SerialNumber, s2.RootCert().SerialNumber)
}

func TestGetLeaf_SameHostnameReturnsIdenticalLeaf(t *testing.T) {
	s, err := Open(Dirs{Root: t.TempDir()}, nil)
	require.NoError(t, err)

	l1, err := s.GetLeaf("example.org")
	require.NoError(t, err)
	l2, err := s.GetLeaf("example.org")
	require.NoError(t, err)

	// Spec §8 property 4: identity-equal within one process lifetime.
	require.Same(t, l1, l2)
	require.Equal(t, []string{"example.org"}, l1.Cert.DNSNames)
}

func TestGetLeaf_SignedByRoot(t *testing.T) {
	s, err := Open(Dirs{Root: t.TempDir()}, nil)
	require.NoError(t, err)

	leaf, err := s.GetLeaf("example.org")
	require.NoError(t, err)

	require.NoError(t, leaf.Cert.CheckSignatureFrom(s.RootCert()))
}

func TestGetLeaf_ConcurrentRequestsDedup(t *testing.T) {
	s, err := Open(Dirs{Root: t.TempDir()}, nil)
	require.NoError(t, err)

	const n = 16
	leaves := make([]*Leaf, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			l, err := s.GetLeaf("concurrent.example.org")
			require.NoError(t, err)
			leaves[i] = l
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Same(t, leaves[0], leaves[i])
	}
}
