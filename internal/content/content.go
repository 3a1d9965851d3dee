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

// Package content translates byte ranges of a file into operations on its
// fixed-size blocks: whole-block writes go straight through, partial blocks
// are read-modify-written, and blocks that were never materialized read back
// as zeros.
package content

import (
	"context"
	"errors"
	"math"

	"github.com/tml/pgfuse/internal/store"
)

// ErrTooBig reports a byte range whose end does not fit in an int64.
var ErrTooBig = errors.New("offset plus length overflows the file size limit")

// Engine performs block-mapped content I/O at a fixed block size. It never
// touches the inode's recorded size; callers persist size changes through
// the metadata layer.
type Engine struct {
	// BlockSize is the fixed, process-wide block length agreed with the
	// database at mount time.
	BlockSize int64
}

// ReadAt fills buf with file bytes starting at off, given the file's current
// size. It returns the number of bytes produced: min(len(buf), size-off),
// never exposing bytes at or past size. Sparse blocks and the sparse part of
// a short final block read as zeros.
func (e Engine) ReadAt(ctx context.Context, tx store.Tx, id int64, size int64, buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrTooBig
	}
	if off >= size || len(buf) == 0 {
		return 0, nil
	}
	if max := size - off; int64(len(buf)) > max {
		buf = buf[:max]
	}

	n := 0
	for n < len(buf) {
		pos := off + int64(n)
		blockNo := pos / e.BlockSize
		blockOff := pos % e.BlockSize

		want := int(e.BlockSize - blockOff)
		if rest := len(buf) - n; want > rest {
			want = rest
		}

		data, present, err := tx.ReadBlock(ctx, id, blockNo)
		if err != nil {
			return n, err
		}
		dst := buf[n : n+want]
		if !present {
			clear(dst)
		} else {
			// The stored payload is nominally BlockSize bytes, but a block
			// written before the file grew may be shorter; whatever is
			// missing reads as zeros.
			copied := 0
			if blockOff < int64(len(data)) {
				copied = copy(dst, data[blockOff:])
			}
			clear(dst[copied:])
		}
		n += want
	}
	return n, nil
}

// WriteAt stores buf at off. Whole-block spans are written directly; partial
// spans fetch the existing block (or synthesize a zero block) and overlay.
// Returns the number of bytes written, which on success equals len(buf).
func (e Engine) WriteAt(ctx context.Context, tx store.Tx, id int64, buf []byte, off int64) (int, error) {
	if off < 0 || off > math.MaxInt64-int64(len(buf)) {
		return 0, ErrTooBig
	}

	n := 0
	for n < len(buf) {
		pos := off + int64(n)
		blockNo := pos / e.BlockSize
		blockOff := pos % e.BlockSize

		want := int(e.BlockSize - blockOff)
		if rest := len(buf) - n; want > rest {
			want = rest
		}

		var block []byte
		if int64(want) == e.BlockSize {
			// The write covers the whole block.
			block = buf[n : n+want]
		} else {
			data, present, err := tx.ReadBlock(ctx, id, blockNo)
			if err != nil {
				return n, err
			}
			block = make([]byte, e.BlockSize)
			if present {
				copy(block, data)
			}
			copy(block[blockOff:], buf[n:n+want])
		}

		if err := tx.WriteBlock(ctx, id, blockNo, block); err != nil {
			return n, err
		}
		n += want
	}
	return n, nil
}

// Truncate adjusts the stored blocks for a change of the file size to
// newSize. Blocks past the new last block are deleted; a retained
// partial last block has its tail zeroed so stale bytes can never resurface
// when the file grows again. Growing is otherwise a pure metadata change.
func (e Engine) Truncate(ctx context.Context, tx store.Tx, id int64, newSize int64) error {
	if newSize < 0 {
		return ErrTooBig
	}

	// Index of the last block that survives; -1 when the file empties.
	last := int64(-1)
	if newSize > 0 {
		last = (newSize - 1) / e.BlockSize
	}

	if err := tx.DeleteBlocksFrom(ctx, id, last+1); err != nil {
		return err
	}

	tail := newSize % e.BlockSize
	if tail == 0 {
		return nil
	}
	data, present, err := tx.ReadBlock(ctx, id, last)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	block := make([]byte, e.BlockSize)
	copy(block, data)
	clear(block[tail:])
	return tx.WriteBlock(ctx, id, last, block)
}
