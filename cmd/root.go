// Copyright 2025 The metanfs Authors. All Rights Reserved.
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

package cmd

import (
	"fmt"
	"os"

	"github.com/metanfs/metanfs/cfg"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	bindErr error
)

var rootCmd = &cobra.Command{
	Use:   "metanfs",
	Short: "Run a user-space NFS metadata cache over an in-memory backend",
	Long: `metanfs stacks a metadata cache over a pluggable backend file
system: cached entries, a hashed dirent index per directory, a multi-lane
LRU with an opportunistic reaper, and upcall-driven invalidation.

This binary wires the cache over the in-memory reference backend, runs one
create/lookup/readdir/unlink cycle against it and then waits for a signal; a
real deployment embeds the cache between an NFS
protocol engine and a concrete backend.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}

		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("reading config file: %w", err)
			}
		}

		config, err := cfg.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		if err := cfg.Rationalize(&config); err != nil {
			return err
		}

		if err := cfg.ValidateConfig(&config); err != nil {
			return err
		}

		return serve(&config)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file.")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
