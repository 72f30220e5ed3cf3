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

package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRun_DrainsOnCancelledContext(t *testing.T) {
	s := New(nil, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // simulate an already-delivered shutdown signal

	called := false
	code := s.Run(ctx, func(context.Context) error {
		called = true
		return nil
	})

	require.True(t, called)
	require.Equal(t, 0, code)
}

func TestRun_NonZeroExitOnDrainError(t *testing.T) {
	s := New(nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := s.Run(ctx, func(context.Context) error {
		return errors.New("pool close failed")
	})
	require.Equal(t, 1, code)
}

func TestRecoverWorker_SwallowsBenignPanic(t *testing.T) {
	s := New(nil, 0)

	func() {
		defer s.RecoverWorker()
		panic(errors.New("http: superfluous response.WriteHeader call"))
	}()
	// reaching here means the panic was swallowed, not re-raised.
}

func TestIsBenignPanic(t *testing.T) {
	require.True(t, isBenignPanic(errors.New("use of closed network connection")))
	require.False(t, isBenignPanic(errors.New("nil pointer dereference")))
}
