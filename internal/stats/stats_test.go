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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSink_CountersAndSets(t *testing.T) {
	s := New(LevelBasic, 16)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.IncTotalRequests()
			s.AddUniqueHost("host.example.org")
		}(i)
	}
	wg.Wait()

	snap := s.Snapshot()
	require.EqualValues(t, 100, snap.TotalRequests)
	require.Equal(t, []string{"host.example.org"}, snap.UniqueHosts)
}

func TestSink_MatchRate(t *testing.T) {
	s := New(LevelBasic, 16)
	s.IncTotalRequests()
	s.IncTotalRequests()
	s.IncRulesMatched()

	snap := s.Snapshot()
	require.InDelta(t, 50.0, snap.MatchRate(), 0.001)
}

func TestEventBus_SubscribeReceivesBacklogAndLive(t *testing.T) {
	s := New(LevelBasic, 16)
	s.Emit(EventRequest, "first", Metadata{URL: "http://example.org"})

	ch, backlog, unsub := s.Subscribe(4)
	defer unsub()
	require.Len(t, backlog, 1)

	s.Emit(EventResponse, "second", Metadata{Status: 200})
	ev := <-ch
	require.Equal(t, EventResponse, ev.Type)
}
