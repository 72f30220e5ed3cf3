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

// Package config discovers and parses the proxy's YAML/JSON configuration
// document per spec §6, and merges CLI overrides on top (CLI wins).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tapwire/tapwire/internal/logging"
	"gopkg.in/yaml.v3"
)

// Config is the typed form of spec §6's recognized options.
type Config struct {
	RulesDir string `yaml:"rulesDir" json:"rulesDir"`

	Proxy struct {
		Port          int    `yaml:"port" json:"port"`
		Host          string `yaml:"host" json:"host"`
		LogLevel      int    `yaml:"logLevel" json:"logLevel"`
		StatsInterval int    `yaml:"statsInterval" json:"statsInterval"`
		CACertDir     string `yaml:"caCertDir" json:"caCertDir"`
	} `yaml:"proxy" json:"proxy"`

	Debug bool `yaml:"debug" json:"debug"`
	UI    bool `yaml:"ui" json:"ui"`

	// AdminAddr, when non-empty, binds the loopback admin API (SPEC_FULL §4).
	AdminAddr string `yaml:"adminAddr" json:"adminAddr"`
}

// Default returns a Config populated with spec §6's documented defaults.
func Default() *Config {
	c := &Config{RulesDir: "rules"}
	c.Proxy.Port = 8080
	c.Proxy.Host = "127.0.0.1"
	c.Proxy.LogLevel = 1
	c.Proxy.StatsInterval = 5
	c.Proxy.CACertDir = defaultCACertDir()
	return c
}

func defaultCACertDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".proxy_certs"
	}
	return filepath.Join(home, ".proxy_certs")
}

// Overrides carries CLI-supplied values; a nil pointer field means "not set
// on the command line" and the file/default value is kept.
type Overrides struct {
	RulesDir      *string
	Port          *int
	Host          *string
	LogLevel      *int
	StatsInterval *int
	CACertDir     *string
	Debug         *bool
	UI            *bool
	AdminAddr     *string
}

// Discover locates the configuration document per spec §6: an explicit
// path, then config.yaml/.yml/.json in the working directory, then a
// per-user global fallback under os.UserConfigDir().
func Discover(explicit string) (string, bool) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit, true
		}
		return explicit, false
	}

	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		if _, err := os.Stat(name); err == nil {
			return name, true
		}
	}

	if dir, err := os.UserConfigDir(); err == nil {
		for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
			p := filepath.Join(dir, "tapwire", name)
			if _, err := os.Stat(p); err == nil {
				return p, true
			}
		}
	}

	return "", false
}

// Load reads and parses path (YAML or JSON, selected by extension) on top
// of Default(), then applies overrides. A missing file is not an error when
// path=="" (callers should check Discover's ok return first); any other
// parse failure is a fatal configuration error per spec §7.
func Load(path string, overrides Overrides) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if strings.HasSuffix(path, ".json") {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	apply(cfg, overrides)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func apply(cfg *Config, o Overrides) {
	if o.RulesDir != nil {
		cfg.RulesDir = *o.RulesDir
	}
	if o.Port != nil {
		cfg.Proxy.Port = *o.Port
	}
	if o.Host != nil {
		cfg.Proxy.Host = *o.Host
	}
	if o.LogLevel != nil {
		cfg.Proxy.LogLevel = *o.LogLevel
	}
	if o.StatsInterval != nil {
		cfg.Proxy.StatsInterval = *o.StatsInterval
	}
	if o.CACertDir != nil {
		cfg.Proxy.CACertDir = *o.CACertDir
	}
	if o.Debug != nil {
		cfg.Debug = *o.Debug
	}
	if o.UI != nil {
		cfg.UI = *o.UI
	}
	if o.AdminAddr != nil {
		cfg.AdminAddr = *o.AdminAddr
	}
}

func validate(cfg *Config) error {
	if cfg.Proxy.Port < 1 || cfg.Proxy.Port > 65535 {
		return fmt.Errorf("invalid proxy.port %d", cfg.Proxy.Port)
	}
	if cfg.Proxy.Host == "" {
		return fmt.Errorf("proxy.host must not be empty")
	}
	if cfg.RulesDir == "" {
		return fmt.Errorf("rulesDir must not be empty")
	}
	if cfg.Proxy.LogLevel < 0 || cfg.Proxy.LogLevel > 2 {
		return fmt.Errorf("invalid proxy.logLevel %d", cfg.Proxy.LogLevel)
	}
	return nil
}

// LogLevel converts the configured integer level to logging.Level.
func (c *Config) LogLevel() logging.Level {
	return logging.Level(c.Proxy.LogLevel)
}

// BindAddr is the host:port the listener should bind, per spec §6.
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.Proxy.Host, c.Proxy.Port)
}
