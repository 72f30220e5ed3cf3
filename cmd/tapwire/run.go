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

package main

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/tapwire/tapwire/internal/adminapi"
	"github.com/tapwire/tapwire/internal/ca"
	"github.com/tapwire/tapwire/internal/config"
	"github.com/tapwire/tapwire/internal/listener"
	"github.com/tapwire/tapwire/internal/logging"
	"github.com/tapwire/tapwire/internal/pipeline"
	"github.com/tapwire/tapwire/internal/rulestore"
	"github.com/tapwire/tapwire/internal/stats"
	"github.com/tapwire/tapwire/internal/supervisor"
	"go.uber.org/zap"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			lastExitCode = runProxy(cmd)
			return nil
		},
	}
	registerCommonFlags(cmd)
	return cmd
}

func overridesFrom(cmd *cobra.Command) config.Overrides {
	var o config.Overrides
	f := cmd.Flags()
	if f.Changed("rules-dir") {
		o.RulesDir = &flags.rulesDir
	}
	if f.Changed("port") {
		o.Port = &flags.port
	}
	if f.Changed("host") {
		o.Host = &flags.host
	}
	if f.Changed("log-level") {
		o.LogLevel = &flags.logLevel
	}
	if f.Changed("stats-interval") {
		o.StatsInterval = &flags.statsSec
	}
	if f.Changed("ca-cert-dir") {
		o.CACertDir = &flags.caCertDir
	}
	if f.Changed("admin-addr") {
		o.AdminAddr = &flags.adminAddr
	}
	if f.Changed("debug") {
		o.Debug = &flags.debug
	}
	if f.Changed("ui") {
		o.UI = &flags.ui
	}
	return o
}

// runProxy wires every component built in internal/ into one running
// process and blocks until a shutdown signal drains it, per spec §4.9.
func runProxy(cmd *cobra.Command) int {
	path, _ := config.Discover(flags.configPath)
	cfg, err := config.Load(path, overridesFrom(cmd))
	if err != nil {
		fmt.Println("tapwire: configuration error:", err)
		return 1
	}

	logLevel := cfg.LogLevel()
	if cfg.Debug {
		logLevel = logging.LevelDebug
	}
	log, err := logging.Init(logging.Options{Level: logLevel, JSON: false})
	if err != nil {
		fmt.Println("tapwire: failed to initialize logging:", err)
		return 1
	}
	defer logging.Sync()

	caStore, err := ca.Open(ca.Dirs{Root: cfg.Proxy.CACertDir}, log)
	if err != nil {
		log.Error("failed to open CA store", zap.Error(err))
		return 1
	}
	log.Info("root CA ready", zap.String("installTo", ca.Dirs{Root: cfg.Proxy.CACertDir}.RootCertPEMPath()))

	store, err := rulestore.Open(cfg.RulesDir, filepath.Join("config", "rules-state.json"), log)
	if err != nil {
		log.Error("failed to open rule store", zap.Error(err))
		return 1
	}
	stopSignals := store.WatchSignals()
	defer stopSignals()

	sink := stats.New(stats.Level(cfg.Proxy.LogLevel), 256)
	pl := pipeline.New(store, sink, log, nil)
	sup := supervisor.New(log, 15*time.Second)

	lst := listener.New(listener.Config{
		Addr:        cfg.BindAddr(),
		CA:          caStore,
		Pipeline:    pl,
		Sink:        sink,
		Supervisor:  sup,
		Log:         log,
		DialTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reportCtx, stopReport := context.WithCancel(ctx)
	reportDone := make(chan struct{})
	go func() {
		sink.RunPeriodicReporter(reportCtx, time.Duration(cfg.Proxy.StatsInterval)*time.Second, log)
		close(reportDone)
	}()

	serveErrs := make(chan error, 1)
	go func() {
		if err := lst.Serve(ctx); err != nil {
			serveErrs <- err
		}
	}()

	var adminSrv *http.Server
	if cfg.AdminAddr != "" {
		admin := adminapi.New(store, sink, log)
		adminSrv = &http.Server{Addr: cfg.AdminAddr, Handler: admin}
		go func() {
			log.Info("admin API listening", zap.String("addr", cfg.AdminAddr))
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("admin API stopped", zap.Error(err))
			}
		}()
	}

	// The drain stops accepting, waits for the reporter's final stats
	// snapshot, shuts down the admin API and closes idle upstream
	// connections. Cancelling ctx also cancels the upstream requests of
	// transactions still in flight; they are not waited for.
	code := sup.Run(ctx, func(drainCtx context.Context) error {
		cancel()
		stopReport()
		<-reportDone
		if adminSrv != nil {
			_ = adminSrv.Shutdown(drainCtx)
		}
		return lst.Close()
	})

	select {
	case err := <-serveErrs:
		if err != nil {
			log.Error("listener stopped unexpectedly", zap.Error(err))
			return 1
		}
	default:
	}

	return code
}
