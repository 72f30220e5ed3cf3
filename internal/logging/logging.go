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

// Package logging builds the process-wide zap logger from the proxy.logLevel
// configuration key (spec §6), with a PROXY_LOG_LEVEL environment override.
// Named sub-loggers are handed out to each component the way
// modules/caddyhttp/app.go hands out app.logger.Named("log").
package logging

import (
	"os"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors spec §6's proxy.logLevel: 0 = errors only, 1 = basic,
// 2 = debug.
type Level int

const (
	LevelErrors Level = 0
	LevelBasic  Level = 1
	LevelDebug  Level = 2
)

// EnvOverride is the environment variable that overrides the configured
// level, per spec §6.
const EnvOverride = "PROXY_LOG_LEVEL"

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelErrors:
		return zapcore.ErrorLevel
	case LevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

var (
	mu      sync.RWMutex
	current *zap.Logger = zap.NewNop()
)

// Options configures the root logger.
type Options struct {
	Level Level
	// JSON selects a JSON encoder (suited to log aggregation) instead of
	// the default human-readable console encoder.
	JSON bool
}

// resolveLevel applies the PROXY_LOG_LEVEL environment override on top of
// the configured level, per spec §6.
func resolveLevel(configured Level) Level {
	v, ok := os.LookupEnv(EnvOverride)
	if !ok {
		return configured
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return configured
	}
	switch n {
	case 0:
		return LevelErrors
	case 1:
		return LevelBasic
	case 2:
		return LevelDebug
	default:
		return configured
	}
}

// Init builds and installs the process-wide logger. It must be called once
// at startup before any component calls Named or L.
func Init(opts Options) (*zap.Logger, error) {
	level := resolveLevel(opts.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if opts.JSON {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level.zapLevel())
	logger := zap.New(core)

	mu.Lock()
	current = logger
	mu.Unlock()

	return logger, nil
}

// L returns the process-wide logger installed by Init, or a no-op logger if
// Init was never called (useful in unit tests).
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Named is a convenience for L().Named(name), matching the teacher's
// app.logger.Named("log") idiom used across modules/caddyhttp.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Sync flushes the root logger's buffered writes. Wired into the
// supervisor's drain sequence; stdout sync errors on Linux ttys are
// expected and ignored.
func Sync() {
	_ = L().Sync()
}
