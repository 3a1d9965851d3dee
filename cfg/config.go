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

// Package cfg holds the process-wide configuration, fixed at mount time and
// passed by reference into every component.
package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	ReadOnly bool `yaml:"read-only"`

	BlockSize int64 `yaml:"block-size"`

	SingleThreaded bool `yaml:"single-threaded"`

	PoolSize int `yaml:"pool-size"`

	Verbose bool `yaml:"verbose"`

	FuseOptions []string `yaml:"fuse-options"`

	Logging LoggingConfig `yaml:"logging"`

	Metrics MetricsConfig `yaml:"metrics"`
}

type LoggingConfig struct {
	FilePath string `yaml:"file-path"`

	Format string `yaml:"format"`

	Severity LogSeverity `yaml:"severity"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`
}

type LogRotateLoggingConfig struct {
	BackupFileCount int `yaml:"backup-file-count"`

	Compress bool `yaml:"compress"`

	MaxFileSizeMb int `yaml:"max-file-size-mb"`
}

type MetricsConfig struct {
	Port int `yaml:"port"`
}

func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.BoolP("ro", "", false, "Mount the file system read-only; nothing in the database changes.")

	err = viper.BindPFlag("read-only", flagSet.Lookup("ro"))
	if err != nil {
		return err
	}

	flagSet.Int64P("block-size", "", 0, "Block size in bytes for content storage. Must agree with the value the database was initialized with; 0 accepts whatever the database reports.")

	err = viper.BindPFlag("block-size", flagSet.Lookup("block-size"))
	if err != nil {
		return err
	}

	flagSet.BoolP("single-threaded", "s", false, "Serve all operations on one thread over one shared database connection.")

	err = viper.BindPFlag("single-threaded", flagSet.Lookup("single-threaded"))
	if err != nil {
		return err
	}

	flagSet.IntP("pool-size", "", 16, "Number of database connections held by the pool.")

	err = viper.BindPFlag("pool-size", flagSet.Lookup("pool-size"))
	if err != nil {
		return err
	}

	flagSet.BoolP("verbose", "v", false, "Log every file system operation.")

	err = viper.BindPFlag("verbose", flagSet.Lookup("verbose"))
	if err != nil {
		return err
	}

	flagSet.StringArrayP("o", "o", []string{}, "Additional mount options: ro, blocksize=<bytes>, or anything the FUSE layer accepts.")

	err = viper.BindPFlag("fuse-options", flagSet.Lookup("o"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "File to log to. Defaults to stderr.")

	err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "text", "Format of the logs: text or json.")

	err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "INFO", "Lowest severity that gets logged: TRACE, DEBUG, INFO, WARNING, ERROR or OFF.")

	err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity"))
	if err != nil {
		return err
	}

	flagSet.IntP("log-rotate-backup-file-count", "", 10, "Number of rotated log files to keep. 0 keeps all of them.")

	err = viper.BindPFlag("logging.log-rotate.backup-file-count", flagSet.Lookup("log-rotate-backup-file-count"))
	if err != nil {
		return err
	}

	flagSet.BoolP("log-rotate-compress", "", true, "Compress rotated log files with gzip.")

	err = viper.BindPFlag("logging.log-rotate.compress", flagSet.Lookup("log-rotate-compress"))
	if err != nil {
		return err
	}

	flagSet.IntP("log-rotate-max-log-file-size-mb", "", 512, "Log file size in MB at which it gets rotated.")

	err = viper.BindPFlag("logging.log-rotate.max-file-size-mb", flagSet.Lookup("log-rotate-max-log-file-size-mb"))
	if err != nil {
		return err
	}

	flagSet.IntP("metrics-port", "", 0, "Port for a localhost Prometheus metrics endpoint. 0 disables it.")

	err = viper.BindPFlag("metrics.port", flagSet.Lookup("metrics-port"))
	if err != nil {
		return err
	}

	return nil
}
