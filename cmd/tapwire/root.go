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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// cliFlags mirrors spec §6's CLI override surface; cobra stores its parsed
// values here and internal/config.Overrides picks up whichever ones were
// actually set on the command line (CLI wins over file over default).
type cliFlags struct {
	configPath string
	rulesDir   string
	port       int
	host       string
	logLevel   int
	statsSec   int
	caCertDir  string
	adminAddr  string
	debug      bool
	ui         bool
}

var flags cliFlags

// Execute builds and runs the root command, returning the process exit
// code (spec §4.9: 0 on a clean drain, nonzero otherwise).
func Execute() int {
	root := &cobra.Command{
		Use:   "tapwire",
		Short: "A hot-reloadable MITM HTTP/HTTPS proxy",
		Long: `tapwire intercepts HTTP and HTTPS traffic through an on-demand
certificate authority, matches each request against a directory of
hot-reloadable rules, and rewrites, redirects, or takes over the
response as each rule directs.

Run 'tapwire run' to start the proxy in the foreground, or
'tapwire create-cert' to just bootstrap the root CA and print the
path to install into a trust store.`,
		SilenceUsage: true,
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newCreateCertCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return lastExitCode
}

// lastExitCode lets a subcommand's RunE report a specific exit code (e.g.
// the supervisor's nonzero drain result) without cobra's own error path,
// which always maps to 1.
var lastExitCode int

func registerCommonFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "path to config.yaml/.json (default: discovered per spec)")
	f.StringVar(&flags.rulesDir, "rules-dir", "", "directory of rule files")
	f.IntVar(&flags.port, "port", 0, "proxy listen port")
	f.StringVar(&flags.host, "host", "", "proxy listen host")
	f.IntVar(&flags.logLevel, "log-level", -1, "0=errors, 1=basic, 2=debug")
	f.IntVar(&flags.statsSec, "stats-interval", 0, "seconds between periodic stats reports")
	f.StringVar(&flags.caCertDir, "ca-cert-dir", "", "directory holding the root CA cert/key")
	f.StringVar(&flags.adminAddr, "admin-addr", "", "loopback address for the admin API, e.g. 127.0.0.1:9090")
	f.BoolVar(&flags.debug, "debug", false, "enable debug logging regardless of log-level")
	f.BoolVar(&flags.ui, "ui", false, "reserved for an external UI integration")
}
