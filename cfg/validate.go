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

package cfg

import "fmt"

const (
	// maxBlockSize bounds a single content row. Larger blocks only make the
	// read-modify-write path slower.
	maxBlockSize = 1 << 20

	maxPoolSize = 128
)

// Validate rejects configurations no mount could serve.
func Validate(c *Config) error {
	if c.BlockSize < 0 || c.BlockSize > maxBlockSize {
		return fmt.Errorf("block-size must be between 0 and %d bytes, got %d", maxBlockSize, c.BlockSize)
	}
	if c.PoolSize < 1 || c.PoolSize > maxPoolSize {
		return fmt.Errorf("pool-size must be between 1 and %d, got %d", maxPoolSize, c.PoolSize)
	}
	if c.Logging.Severity != "" && c.Logging.Severity.Rank() < 0 {
		return fmt.Errorf("invalid log severity %q", c.Logging.Severity)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Logging.Format)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics port out of range: %d", c.Metrics.Port)
	}
	return nil
}
