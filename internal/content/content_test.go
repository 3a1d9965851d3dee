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

package content_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/tml/pgfuse/internal/content"
	"github.com/tml/pgfuse/internal/store"
	"github.com/tml/pgfuse/internal/store/storefake"
)

const blockSize = 4096

const (
	modeDir  = 0040000 | 0755
	modeFile = 0100000 | 0644
)

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type ContentTest struct {
	suite.Suite

	ctx    context.Context
	fake   *storefake.FakeStore
	engine content.Engine

	tx store.Tx
	id int64

	// Size the metadata layer would have recorded; maintained by the write
	// helpers below.
	size int64
}

func TestContentSuite(t *testing.T) {
	suite.Run(t, new(ContentTest))
}

func (t *ContentTest) SetupTest() {
	t.ctx = context.Background()
	t.fake = storefake.New(store.Meta{Mode: modeDir})
	t.engine = content.Engine{BlockSize: blockSize}

	tx, err := t.fake.Begin(t.ctx)
	require.NoError(t.T(), err)
	t.tx = tx

	t.id, err = tx.CreateFile(t.ctx, store.RootID, "f", store.Meta{Mode: modeFile})
	require.NoError(t.T(), err)
	t.size = 0
}

func (t *ContentTest) TearDownTest() {
	require.NoError(t.T(), t.tx.Commit(t.ctx))
}

func (t *ContentTest) write(data []byte, off int64) {
	n, err := t.engine.WriteAt(t.ctx, t.tx, t.id, data, off)
	require.NoError(t.T(), err)
	require.Equal(t.T(), len(data), n)
	if end := off + int64(len(data)); end > t.size {
		t.size = end
	}
}

func (t *ContentTest) read(off int64, n int) []byte {
	buf := make([]byte, n)
	got, err := t.engine.ReadAt(t.ctx, t.tx, t.id, t.size, buf, off)
	require.NoError(t.T(), err)
	return buf[:got]
}

func repeat(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *ContentTest) TestEmptyFileReadsNothing() {
	assert.Empty(t.T(), t.read(0, 10))
}

func (t *ContentTest) TestZeroLengthRead() {
	t.write([]byte("data"), 0)
	assert.Empty(t.T(), t.read(0, 0))
}

func (t *ContentTest) TestReadAtAndPastSize() {
	t.write([]byte("data"), 0)
	assert.Empty(t.T(), t.read(4, 10))
	assert.Empty(t.T(), t.read(100, 10))
}

func (t *ContentTest) TestReadAfterWrite() {
	t.write([]byte("taste the rainbow"), 0)
	assert.Equal(t.T(), []byte("taste the rainbow"), t.read(0, 100))
	assert.Equal(t.T(), []byte("the"), t.read(6, 3))
}

func (t *ContentTest) TestSparseWrite() {
	// One byte a fair distance into the file: everything before it reads as
	// zeros, and only one block materializes.
	t.write([]byte("X"), 1000000)
	assert.Equal(t.T(), int64(1000001), t.size)

	assert.Equal(t.T(), repeat(0, 1000), t.read(0, 1000))
	assert.Equal(t.T(), []byte("X"), t.read(1000000, 1))

	t.tx.Commit(t.ctx)
	assert.Equal(t.T(), 1, t.fake.BlockCount(t.id))

	tx, err := t.fake.Begin(t.ctx)
	require.NoError(t.T(), err)
	t.tx = tx
}

func (t *ContentTest) TestPartialBlockOverwrite() {
	t.write(repeat('A', blockSize), 0)
	t.write(repeat('B', 4), blockSize-2)

	want := append(repeat('A', blockSize-2), repeat('B', 4)...)
	assert.Equal(t.T(), want, t.read(0, blockSize+4))

	t.tx.Commit(t.ctx)
	assert.Equal(t.T(), 2, t.fake.BlockCount(t.id))

	tx, err := t.fake.Begin(t.ctx)
	require.NoError(t.T(), err)
	t.tx = tx
}

func (t *ContentTest) TestWriteSpanningManyBlocks() {
	data := repeat('Q', 3*blockSize+17)
	t.write(data, 5)
	assert.Equal(t.T(), data, t.read(5, len(data)))
	assert.Equal(t.T(), repeat(0, 5), t.read(0, 5))
}

func (t *ContentTest) TestOverwriteMiddleOfBlock() {
	t.write(repeat('A', blockSize), 0)
	t.write([]byte("mid"), 100)

	got := t.read(0, blockSize)
	assert.Equal(t.T(), repeat('A', 100), got[:100])
	assert.Equal(t.T(), []byte("mid"), got[100:103])
	assert.Equal(t.T(), repeat('A', blockSize-103), got[103:])
}

func (t *ContentTest) TestTruncateShrinkThenGrow() {
	t.write([]byte("hello world"), 0)

	require.NoError(t.T(), t.engine.Truncate(t.ctx, t.tx, t.id, 5))
	t.size = 5
	assert.Equal(t.T(), []byte("hello"), t.read(0, 100))

	require.NoError(t.T(), t.engine.Truncate(t.ctx, t.tx, t.id, 8))
	t.size = 8
	assert.Equal(t.T(), []byte("hello\x00\x00\x00"), t.read(0, 8))
}

func (t *ContentTest) TestTruncateToZeroDropsAllBlocks() {
	t.write(repeat('Z', 3*blockSize), 0)
	require.NoError(t.T(), t.engine.Truncate(t.ctx, t.tx, t.id, 0))
	t.size = 0

	t.tx.Commit(t.ctx)
	assert.Equal(t.T(), 0, t.fake.BlockCount(t.id))

	tx, err := t.fake.Begin(t.ctx)
	require.NoError(t.T(), err)
	t.tx = tx
}

func (t *ContentTest) TestTruncateDropsWholeTrailingBlocks() {
	t.write(repeat('Z', 3*blockSize), 0)
	require.NoError(t.T(), t.engine.Truncate(t.ctx, t.tx, t.id, blockSize))
	t.size = blockSize

	t.tx.Commit(t.ctx)
	assert.Equal(t.T(), 1, t.fake.BlockCount(t.id))

	tx, err := t.fake.Begin(t.ctx)
	require.NoError(t.T(), err)
	t.tx = tx
}

func (t *ContentTest) TestTruncateZeroesRetainedTail() {
	// Shrinking into the middle of a block must zero its tail, otherwise
	// the old bytes would resurface when the file grows again.
	t.write(repeat('S', blockSize), 0)
	require.NoError(t.T(), t.engine.Truncate(t.ctx, t.tx, t.id, 10))
	t.size = 10

	require.NoError(t.T(), t.engine.Truncate(t.ctx, t.tx, t.id, 20))
	t.size = 20

	want := append(repeat('S', 10), repeat(0, 10)...)
	assert.Equal(t.T(), want, t.read(0, 20))
}

func (t *ContentTest) TestTruncatePastEndIsSparse() {
	t.write([]byte("data"), 0)
	require.NoError(t.T(), t.engine.Truncate(t.ctx, t.tx, t.id, 10*blockSize))
	t.size = 10 * blockSize

	assert.Equal(t.T(), repeat(0, 100), t.read(5*blockSize, 100))

	t.tx.Commit(t.ctx)
	assert.Equal(t.T(), 1, t.fake.BlockCount(t.id))

	tx, err := t.fake.Begin(t.ctx)
	require.NoError(t.T(), err)
	t.tx = tx
}

func (t *ContentTest) TestWriteThenTruncateThenReadPrefix() {
	// write(d, o); truncate(o + len(d)); read back the whole file:
	// zeros(o) ++ d.
	d := []byte("payload")
	o := int64(blockSize + 100)
	t.write(d, o)
	require.NoError(t.T(), t.engine.Truncate(t.ctx, t.tx, t.id, o+int64(len(d))))

	want := append(repeat(0, int(o)), d...)
	assert.Equal(t.T(), want, t.read(0, int(o)+len(d)))
}

func (t *ContentTest) TestOffsetOverflow() {
	_, err := t.engine.WriteAt(t.ctx, t.tx, t.id, []byte("x"), int64(^uint64(0)>>1))
	assert.ErrorIs(t.T(), err, content.ErrTooBig)
}
