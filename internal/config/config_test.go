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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, "rules", cfg.RulesDir)
	require.Equal(t, 8080, cfg.Proxy.Port)
	require.Equal(t, "127.0.0.1", cfg.Proxy.Host)
	require.Equal(t, "127.0.0.1:8080", cfg.BindAddr())
}

func TestDiscover_ExplicitPath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "my-config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("rulesDir: rules\n"), 0o644))

	found, ok := Discover(p)
	require.True(t, ok)
	require.Equal(t, p, found)
}

func TestDiscover_ExplicitPathMissing(t *testing.T) {
	found, ok := Discover("/nonexistent/config.yaml")
	require.False(t, ok)
	require.Equal(t, "/nonexistent/config.yaml", found)
}

func TestDiscover_WorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	defer os.Chdir(cwd)

	require.NoError(t, os.Chdir(dir))
	require.NoError(t, os.WriteFile("config.yaml", []byte("rulesDir: rules\n"), 0o644))

	found, ok := Discover("")
	require.True(t, ok)
	require.Equal(t, "config.yaml", found)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("rulesDir: myrules\nproxy:\n  port: 9090\n  host: 0.0.0.0\n"), 0o644))

	cfg, err := Load(p, Overrides{})
	require.NoError(t, err)
	require.Equal(t, "myrules", cfg.RulesDir)
	require.Equal(t, 9090, cfg.Proxy.Port)
	require.Equal(t, "0.0.0.0", cfg.Proxy.Host)
}

func TestLoad_JSONFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"rulesDir":"jrules","proxy":{"port":9191}}`), 0o644))

	cfg, err := Load(p, Overrides{})
	require.NoError(t, err)
	require.Equal(t, "jrules", cfg.RulesDir)
	require.Equal(t, 9191, cfg.Proxy.Port)
}

func TestLoad_CLIOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte("proxy:\n  port: 9090\n"), 0o644))

	port := 7000
	cfg, err := Load(p, Overrides{Port: &port})
	require.NoError(t, err)
	require.Equal(t, 7000, cfg.Proxy.Port)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("", Overrides{})
	require.NoError(t, err)
	require.Equal(t, Default().Proxy.Port, cfg.Proxy.Port)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml", Overrides{})
	require.Error(t, err)
}

func TestLoad_InvalidPortFailsValidation(t *testing.T) {
	port := 99999
	_, err := Load("", Overrides{Port: &port})
	require.Error(t, err)
}

func TestLoad_EmptyHostFailsValidation(t *testing.T) {
	host := ""
	_, err := Load("", Overrides{Host: &host})
	require.Error(t, err)
}

func TestLoad_InvalidLogLevelFailsValidation(t *testing.T) {
	lvl := 5
	_, err := Load("", Overrides{LogLevel: &lvl})
	require.Error(t, err)
}

func TestConfig_LogLevel(t *testing.T) {
	cfg := Default()
	require.Equal(t, 1, int(cfg.LogLevel()))
}
