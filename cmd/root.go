// Copyright 2024 Google Inc. All Rights Reserved.
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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tml/pgfuse/cfg"
	"github.com/tml/pgfuse/internal/util"
)

const version = "0.6.0"

var (
	cfgFile       string
	showVersion   bool
	bindErr       error
	configFileErr error
	unmarshalErr  error
	mountConfig   cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "pgfuse [flags] <connection-string> <mount-point>",
	Short: "Mount a file system whose data lives in a PostgreSQL database",
	Long: `PgFuse exposes a POSIX file system stored entirely in PostgreSQL:
the directory tree, inode metadata and file contents are rows in an ordinary
database, so backup, replication and transactions apply to file data the
same way they apply to any other table.

The connection string is a libpq-style conninfo, for example
"host=localhost dbname=fs user=fs password=secret".`,
	Args:          cobra.RangeArgs(0, 2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Println(version)
			return nil
		}
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := cfg.Validate(&mountConfig); err != nil {
			return err
		}
		conninfo, mountPoint, err := populateArgs(args)
		if err != nil {
			return err
		}
		return runMount(conninfo, mountPoint, &mountConfig)
	},
}

func populateArgs(args []string) (conninfo string, mountPoint string, err error) {
	if len(args) != 2 {
		err = fmt.Errorf(
			"%s takes exactly two arguments: a PostgreSQL connection string and a mount point. Run `%s --help` for more info",
			os.Args[0], os.Args[0])
		return
	}
	conninfo = args[0]

	// Canonicalize the mount point, making it absolute, so that it stays
	// valid if the working directory changes before unmount.
	mountPoint, err = util.GetResolvedPath(args[1])
	if err != nil {
		err = fmt.Errorf("canonicalizing mount point: %w", err)
	}
	return
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "V", false, "Print the version and exit")
	bindErr = cfg.BindFlags(rootCmd.PersistentFlags())
}

func initConfig() {
	if cfgFile != "" {
		resolved, err := util.GetResolvedPath(cfgFile)
		if err != nil {
			configFileErr = fmt.Errorf("resolving config file path: %w", err)
			return
		}
		viper.SetConfigFile(resolved)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			configFileErr = fmt.Errorf("reading config file: %w", err)
			return
		}
	}
	unmarshalErr = viper.Unmarshal(&mountConfig, cfg.DecodeHook())
}
