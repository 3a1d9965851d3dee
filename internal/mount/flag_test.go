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

package mount

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	m := make(map[string]string)
	ParseOptions(m, "ro,blocksize=8192")
	ParseOptions(m, "allow_other")
	ParseOptions(m, " max_read=65536 , blocksize=4096 ")

	assert.Equal(t, map[string]string{
		"ro":          "",
		"blocksize":   "4096",
		"allow_other": "",
		"max_read":    "65536",
	}, m)
}

func TestExtractOptions(t *testing.T) {
	m := map[string]string{
		"ro":          "",
		"rw":          "",
		"blocksize":   "8192",
		"allow_other": "",
		"max_read":    "65536",
	}

	o, passthrough, err := ExtractOptions(m)
	require.NoError(t, err)
	assert.True(t, o.ReadOnly)
	assert.EqualValues(t, 8192, o.BlockSize)

	sort.Strings(passthrough)
	assert.Equal(t, []string{"allow_other", "max_read=65536"}, passthrough)
}

func TestExtractOptionsDefaults(t *testing.T) {
	o, passthrough, err := ExtractOptions(map[string]string{})
	require.NoError(t, err)
	assert.False(t, o.ReadOnly)
	assert.EqualValues(t, 0, o.BlockSize)
	assert.Empty(t, passthrough)
}

func TestExtractOptionsBadBlockSize(t *testing.T) {
	for _, v := range []string{"", "zero", "-1", "0"} {
		_, _, err := ExtractOptions(map[string]string{"blocksize": v})
		assert.Error(t, err, "blocksize=%q", v)
	}
}
