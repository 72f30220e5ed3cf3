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

	"github.com/spf13/cobra"
	"github.com/tapwire/tapwire/internal/ca"
	"github.com/tapwire/tapwire/internal/config"
)

// newCreateCertCommand implements spec §6's "--create-cert (bootstrap CA
// and exit)" as its own cobra subcommand.
func newCreateCertCommand() *cobra.Command {
	var caCertDir string

	cmd := &cobra.Command{
		Use:   "create-cert",
		Short: "Bootstrap the root CA and print the path to install into a trust store",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := caCertDir
			if dir == "" {
				dir = config.Default().Proxy.CACertDir
			}
			dirs := ca.Dirs{Root: dir}

			if _, err := ca.Open(dirs, nil); err != nil {
				lastExitCode = 1
				return fmt.Errorf("bootstrap CA: %w", err)
			}

			fmt.Printf("root CA ready at %s\n", dirs.RootCertPEMPath())
			fmt.Println("install this certificate into your system or browser trust store")
			lastExitCode = 0
			return nil
		},
	}

	cmd.Flags().StringVar(&caCertDir, "ca-cert-dir", "", "directory to hold the root CA cert/key (default: spec's documented default)")
	return cmd
}
