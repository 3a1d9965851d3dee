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

package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityLevel(t *testing.T) {
	testCases := []struct {
		severity string
		want     slog.Level
	}{
		{"TRACE", LevelTrace},
		{"trace", LevelTrace},
		{"DEBUG", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
	}
	for _, tc := range testCases {
		got, err := severityLevel(tc.severity)
		require.NoError(t, err, tc.severity)
		assert.Equal(t, tc.want, got, tc.severity)
	}

	_, err := severityLevel("CHATTY")
	assert.Error(t, err)
}

func TestOffSilencesEverything(t *testing.T) {
	level, err := severityLevel("OFF")
	require.NoError(t, err)
	assert.Greater(t, level, slog.LevelError)
}

func TestInitRejectsUnknownSeverity(t *testing.T) {
	assert.Error(t, Init(Config{Severity: "LOUD"}))
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgfuse.log")
	require.NoError(t, Init(Config{FilePath: path, Format: "json", Severity: "INFO"}))
	defer func() {
		require.NoError(t, Init(Config{Severity: "INFO"}))
	}()

	Debugf("below the threshold")
	Infof("hello %s", "world")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello world")
	assert.NotContains(t, string(data), "below the threshold")
}
