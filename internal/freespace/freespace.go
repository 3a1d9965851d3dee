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

// Package freespace estimates how much room the database has left on the
// host. Each tablespace directory is matched to the host mount point
// carrying it (longest prefix wins); the reported capacity is the minimum
// across tablespaces, since the first filesystem to fill up stops writes.
package freespace

import (
	"bufio"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tml/pgfuse/internal/logger"
)

const defaultMountsPath = "/proc/self/mounts"

// Usage holds free and available space in caller-chosen block units.
type Usage struct {
	FreeBlocks  uint64
	AvailBlocks uint64
}

// Estimator computes worst-case free space for a set of directories. The
// zero value reads the host mount table and calls statfs(2); both inputs can
// be replaced in tests.
type Estimator struct {
	// MountsPath is the mount table to parse; empty means /proc/self/mounts.
	MountsPath string

	// Statfs queries one mount point. Nil means unix.Statfs.
	Statfs func(path string, st *unix.Statfs_t) error
}

// MinAvailable reports the worst-case free and available block counts, in
// units of blockSize, across the filesystems holding dirs. Directories that
// match no mount point are skipped with a logged error, mirroring how
// unreadable tablespace paths (usually a permission problem) are tolerated.
func (e *Estimator) MinAvailable(blockSize int64, dirs []string) (Usage, error) {
	mountPoints, err := e.mountPoints()
	if err != nil {
		return Usage{}, err
	}

	statfs := e.Statfs
	if statfs == nil {
		statfs = unix.Statfs
	}

	usage := Usage{FreeBlocks: math.MaxUint64, AvailBlocks: math.MaxUint64}
	matched := false
	for _, dir := range dirs {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			dir = resolved
		} else {
			logger.Errorf("resolving tablespace path %q: %v", dir, err)
		}

		mp := longestPrefixMount(mountPoints, dir)
		if mp == "" {
			logger.Errorf("no mount point found for tablespace path %q", dir)
			continue
		}

		var st unix.Statfs_t
		if err := statfs(mp, &st); err != nil {
			logger.Errorf("statfs on %q: %v", mp, err)
			continue
		}
		matched = true

		free := st.Bfree * uint64(st.Frsize) / uint64(blockSize)
		avail := st.Bavail * uint64(st.Frsize) / uint64(blockSize)
		if free < usage.FreeBlocks {
			usage.FreeBlocks = free
		}
		if avail < usage.AvailBlocks {
			usage.AvailBlocks = avail
		}
	}

	if !matched {
		return Usage{}, nil
	}
	return usage, nil
}

func (e *Estimator) mountPoints() ([]string, error) {
	path := e.MountsPath
	if path == "" {
		path = defaultMountsPath
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseMountPoints(f)
}

// parseMountPoints extracts the mount point column of an fstab-format mount
// table, unescaping the octal sequences the kernel uses for whitespace.
func parseMountPoints(r io.Reader) ([]string, error) {
	var points []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		points = append(points, unescapeMountPath(fields[1]))
	}
	return points, scanner.Err()
}

// unescapeMountPath decodes \040-style escapes in mount table entries.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if c, ok := octalByte(s[i+1 : i+4]); ok {
				b.WriteByte(c)
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func octalByte(s string) (byte, bool) {
	var v int
	for i := 0; i < 3; i++ {
		if s[i] < '0' || s[i] > '7' {
			return 0, false
		}
		v = v*8 + int(s[i]-'0')
	}
	return byte(v), true
}

// longestPrefixMount picks the mount point whose path is the longest prefix
// of dir, component-wise.
func longestPrefixMount(mountPoints []string, dir string) string {
	best := ""
	for _, mp := range mountPoints {
		if !covers(mp, dir) {
			continue
		}
		if len(mp) > len(best) {
			best = mp
		}
	}
	return best
}

// covers reports whether path dir lives under mount point mp.
func covers(mp, dir string) bool {
	if mp == "/" {
		return true
	}
	return dir == mp || strings.HasPrefix(dir, mp+"/")
}
