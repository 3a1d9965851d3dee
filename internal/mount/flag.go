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

// Package mount handles the traditional "-o opt[,opt...]" mount option
// surface.
package mount

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseOptions parses a comma-separated mount option string into the
// supplied map. Bare options map to the empty string. Later occurrences of
// a key win.
func ParseOptions(m map[string]string, s string) {
	for _, opt := range strings.Split(s, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		name, value, _ := strings.Cut(opt, "=")
		m[name] = value
	}
}

// Options is the subset of "-o" options this file system consumes itself.
// Everything else passes through to FUSE untouched.
type Options struct {
	ReadOnly  bool
	BlockSize int64
}

// ExtractOptions interprets the options consumed here and returns the rest
// for the FUSE layer: "key=value" for options with a value, the bare key
// otherwise.
func ExtractOptions(m map[string]string) (Options, []string, error) {
	var o Options
	var passthrough []string
	for name, value := range m {
		switch name {
		case "ro":
			o.ReadOnly = true
		case "rw":
			// The default; accepted for fstab compatibility.
		case "blocksize":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n <= 0 {
				return Options{}, nil, fmt.Errorf("invalid blocksize option %q", value)
			}
			o.BlockSize = n
		default:
			if value == "" {
				passthrough = append(passthrough, name)
			} else {
				passthrough = append(passthrough, name+"="+value)
			}
		}
	}
	return o, passthrough, nil
}
