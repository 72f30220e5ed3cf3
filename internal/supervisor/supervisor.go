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

// Package supervisor implements C10: the process-wide recover/classify
// handler and the SIGINT/SIGTERM drain sequence, grounded on
// modules/caddyhttp/app.go's graceful-shutdown WaitGroup+grace-period
// idiom (startedShutdown/finishedShutdown), generalized here to this
// proxy's own drain steps.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tapwire/tapwire/internal/errs"
	"go.uber.org/zap"
)

// DrainFunc performs the orderly shutdown sequence once a signal arrives.
// ctx carries the grace deadline when GraceDeadline is non-zero. Run only
// invokes it and reports its error; Run itself does not track or wait for
// in-flight transactions.
type DrainFunc func(ctx context.Context) error

// Supervisor owns the process-wide panic recovery policy and the
// signal-triggered drain sequence.
type Supervisor struct {
	log           *zap.Logger
	GraceDeadline time.Duration
}

// New builds a Supervisor. A zero GraceDeadline disables the deadline
// (drain runs until DrainFunc returns).
func New(log *zap.Logger, graceDeadline time.Duration) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{log: log.Named("supervisor"), GraceDeadline: graceDeadline}
}

// Run blocks until SIGINT or SIGTERM, then executes onDrain and returns the
// process exit code (spec §4.9: "exit 0" on a clean drain, nonzero
// otherwise).
func (s *Supervisor) Run(parent context.Context, onDrain DrainFunc) int {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	s.log.Info("shutdown signal received; draining")

	drainCtx := context.Background()
	var cancel context.CancelFunc
	if s.GraceDeadline > 0 {
		drainCtx, cancel = context.WithTimeout(drainCtx, s.GraceDeadline)
		defer cancel()
	}

	if err := onDrain(drainCtx); err != nil {
		s.log.Error("drain completed with errors", zap.Error(err))
		return 1
	}
	s.log.Info("drain complete")
	return 0
}

// RecoverWorker must be deferred at the top of every per-connection worker
// goroutine. It classifies the recovered value: benign process-level
// exceptions (spec §4.9's "write-after-headers-sent, ERR_HTTP_HEADERS_SENT,
// socket hang up...") are logged and swallowed; everything else is logged
// and the process exits 1, per spec §7's "Everything else; fatal".
func (s *Supervisor) RecoverWorker() {
	r := recover()
	if r == nil {
		return
	}

	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("%v", r)
	}

	if isBenignPanic(err) {
		s.log.Warn("recovered benign panic in transaction worker", zap.Error(err))
		return
	}

	s.log.Error("fatal unrecovered panic; shutting down", zap.Error(err))
	os.Exit(1)
}

func isBenignPanic(err error) bool {
	if errs.ClassifyOf(err) == errs.KindBenign {
		return true
	}
	msg := err.Error()
	for _, benign := range []string{
		"http: superfluous response.WriteHeader",
		"http: multiple response.WriteHeader",
		"use of closed network connection",
	} {
		if strings.Contains(msg, benign) {
			return true
		}
	}
	return false
}
