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

// Package logger provides the process-wide structured logger. Before Init
// runs, output goes to stderr at INFO severity.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LevelTrace sits below slog's built-in levels; it carries the per-operation
// logging that the verbose mount mode turns on.
const LevelTrace = slog.Level(-8)

// Config selects where and how the process logs.
type Config struct {
	// FilePath is the log file. Empty means stderr.
	FilePath string

	// Format is "text" or "json".
	Format string

	// Severity is one of TRACE, DEBUG, INFO, WARNING, ERROR, OFF.
	Severity string

	// Log rotation, only meaningful with a FilePath.
	RotateMaxSizeMB   int
	RotateBackupCount int
	RotateCompress    bool
}

var (
	mu            sync.Mutex
	defaultLogger = slog.New(newHandler(os.Stderr, "text", slog.LevelInfo))
)

func severityLevel(severity string) (slog.Level, error) {
	switch strings.ToUpper(severity) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	case "OFF":
		// Nothing logs at this level.
		return slog.Level(127), nil
	}
	return 0, fmt.Errorf("unknown log severity %q", severity)
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Name the trace level instead of printing "DEBUG-4".
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Init installs the default logger according to the supplied config.
func Init(c Config) error {
	level, err := severityLevel(c.Severity)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stderr
	if c.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   c.FilePath,
			MaxSize:    c.RotateMaxSizeMB,
			MaxBackups: c.RotateBackupCount,
			Compress:   c.RotateCompress,
		}
	}

	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(newHandler(w, c.Format, level))
	return nil
}

func log(level slog.Level, format string, v ...any) {
	mu.Lock()
	l := defaultLogger
	mu.Unlock()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...any) { log(LevelTrace, format, v...) }
func Debugf(format string, v ...any) { log(slog.LevelDebug, format, v...) }
func Infof(format string, v ...any)  { log(slog.LevelInfo, format, v...) }
func Warnf(format string, v ...any)  { log(slog.LevelWarn, format, v...) }
func Errorf(format string, v ...any) { log(slog.LevelError, format, v...) }
