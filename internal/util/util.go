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

package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GetResolvedPath canonicalizes a user-supplied path: "~" expands to the
// home directory and relative paths become absolute. Mount points must be
// absolute because the daemon may change its working directory before the
// path is used again.
func GetResolvedPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("finding home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}

	resolved, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("canonicalizing %q: %w", path, err)
	}
	return resolved, nil
}
