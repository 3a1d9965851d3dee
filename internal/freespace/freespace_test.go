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

package freespace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseMountPoints(t *testing.T) {
	table := strings.Join([]string{
		"sysfs /sys sysfs rw,nosuid 0 0",
		"/dev/sda1 / ext4 rw,relatime 0 0",
		"/dev/sdb1 /mnt/with\\040space ext4 rw 0 0",
		"short",
		"",
	}, "\n")

	points, err := parseMountPoints(strings.NewReader(table))
	require.NoError(t, err)
	assert.Equal(t, []string{"/sys", "/", "/mnt/with space"}, points)
}

func TestLongestPrefixMount(t *testing.T) {
	points := []string{"/", "/var", "/var/lib", "/varia"}

	assert.Equal(t, "/var/lib", longestPrefixMount(points, "/var/lib/postgresql/16"))
	assert.Equal(t, "/var", longestPrefixMount(points, "/var/tmp"))
	assert.Equal(t, "/", longestPrefixMount(points, "/home/me"))
	// A mount point must match whole components, not string prefixes.
	assert.Equal(t, "/", longestPrefixMount(points, "/variant"))
}

func writeMountTable(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0644))
	return path
}

func TestMinAvailableTakesWorstCase(t *testing.T) {
	e := &Estimator{
		MountsPath: writeMountTable(t,
			"/dev/a / ext4 rw 0 0\n/dev/b /big ext4 rw 0 0\n/dev/c /small ext4 rw 0 0\n"),
		Statfs: func(path string, st *unix.Statfs_t) error {
			st.Frsize = 4096
			switch path {
			case "/big":
				st.Bfree = 5000
				st.Bavail = 4000
			case "/small":
				st.Bfree = 300
				st.Bavail = 200
			default:
				st.Bfree = 99999
				st.Bavail = 99999
			}
			return nil
		},
	}

	usage, err := e.MinAvailable(4096, []string{"/big/tablespace", "/small/tablespace"})
	require.NoError(t, err)
	assert.EqualValues(t, 300, usage.FreeBlocks)
	assert.EqualValues(t, 200, usage.AvailBlocks)
}

func TestMinAvailableConvertsUnits(t *testing.T) {
	e := &Estimator{
		MountsPath: writeMountTable(t, "/dev/a /data ext4 rw 0 0\n"),
		Statfs: func(path string, st *unix.Statfs_t) error {
			// 1000 fragments of 1 KiB on a 4 KiB file system.
			st.Frsize = 1024
			st.Bfree = 1000
			st.Bavail = 1000
			return nil
		},
	}

	usage, err := e.MinAvailable(4096, []string{"/data/pg"})
	require.NoError(t, err)
	assert.EqualValues(t, 250, usage.AvailBlocks)
}

func TestMinAvailableNoMatch(t *testing.T) {
	e := &Estimator{
		MountsPath: writeMountTable(t, "/dev/a /data ext4 rw 0 0\n"),
		Statfs: func(path string, st *unix.Statfs_t) error {
			t.Fatal("statfs should not run without a matching mount point")
			return nil
		},
	}

	// The only mount table entry is /data; with no covering entry (not even
	// a root mount) nothing can be estimated.
	usage, err := e.MinAvailable(4096, []string{"/elsewhere/pg"})
	require.NoError(t, err)
	assert.EqualValues(t, 0, usage.FreeBlocks)
	assert.EqualValues(t, 0, usage.AvailBlocks)
}
