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

// Package storefake provides an in-memory store.Store for tests. It keeps
// the same transactional contract as the real thing: a transaction sees its
// own writes, Commit publishes them, Rollback discards them. Transactions
// are serialized, which is all the test suites need.
package storefake

import (
	"context"
	"sync"

	"github.com/tml/pgfuse/internal/store"
)

type blockKey struct {
	inodeID int64
	blockNo int64
}

// FakeStore implements store.Store in memory.
type FakeStore struct {
	mu sync.Mutex

	inodes map[int64]store.Meta
	blocks map[blockKey][]byte
	nextID int64

	// Locations reported by TablespaceLocations.
	Locations []string
}

// New creates a fake with just the root directory, mirroring what the schema
// installer leaves behind.
func New(rootMeta store.Meta) *FakeStore {
	rootMeta.ParentID = store.RootID
	s := &FakeStore{
		inodes: map[int64]store.Meta{store.RootID: rootMeta},
		blocks: make(map[blockKey][]byte),
		nextID: store.RootID + 1,
	}
	return s
}

// Begin locks the whole store until Commit or Rollback, mimicking the
// single-connection degenerate mode.
func (s *FakeStore) Begin(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	t := &fakeTx{
		s:         s,
		oldInodes: make(map[int64]store.Meta, len(s.inodes)),
		oldBlocks: make(map[blockKey][]byte, len(s.blocks)),
		oldNextID: s.nextID,
	}
	for id, m := range s.inodes {
		t.oldInodes[id] = m
	}
	for k, b := range s.blocks {
		t.oldBlocks[k] = b
	}
	return t, nil
}

// InodeCount reports the number of inodes outside any transaction, for test
// assertions.
func (s *FakeStore) InodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inodes)
}

// BlockCount reports the number of materialized blocks of one inode.
func (s *FakeStore) BlockCount(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.blocks {
		if k.inodeID == id {
			n++
		}
	}
	return n
}

type fakeTx struct {
	s *FakeStore

	oldInodes map[int64]store.Meta
	oldBlocks map[blockKey][]byte
	oldNextID int64

	done bool
}

func (t *fakeTx) finish(restore bool) {
	if t.done {
		panic("storefake: transaction finished twice")
	}
	t.done = true
	if restore {
		t.s.inodes = t.oldInodes
		t.s.blocks = t.oldBlocks
		t.s.nextID = t.oldNextID
	}
	t.s.mu.Unlock()
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.finish(false)
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) {
	t.finish(true)
}

func (t *fakeTx) LookupChild(ctx context.Context, parentID int64, name string) (int64, store.Meta, error) {
	for id, m := range t.s.inodes {
		if m.ParentID == parentID && m.Name == name && id != m.ParentID {
			return id, m, nil
		}
	}
	return 0, store.Meta{}, store.ErrNotExist
}

func (t *fakeTx) MetaByID(ctx context.Context, id int64) (store.Meta, error) {
	m, ok := t.s.inodes[id]
	if !ok {
		return store.Meta{}, store.ErrNotExist
	}
	return m, nil
}

func (t *fakeTx) WriteMeta(ctx context.Context, id int64, meta store.Meta) error {
	old, ok := t.s.inodes[id]
	if !ok {
		return store.ErrNotExist
	}
	old.Mode = meta.Mode
	old.UID = meta.UID
	old.GID = meta.GID
	old.Size = meta.Size
	old.Atime = meta.Atime
	old.Mtime = meta.Mtime
	old.Ctime = meta.Ctime
	t.s.inodes[id] = old
	return nil
}

func (t *fakeTx) createInode(parentID int64, name string, meta store.Meta) (int64, error) {
	if _, ok := t.s.inodes[parentID]; !ok {
		return 0, store.ErrNotExist
	}
	if _, _, err := t.LookupChild(context.Background(), parentID, name); err == nil {
		return 0, store.ErrExist
	}
	id := t.s.nextID
	t.s.nextID++
	meta.ParentID = parentID
	meta.Name = name
	t.s.inodes[id] = meta

	parent := t.s.inodes[parentID]
	parent.Size++
	t.s.inodes[parentID] = parent
	return id, nil
}

func (t *fakeTx) CreateFile(ctx context.Context, parentID int64, name string, meta store.Meta) (int64, error) {
	return t.createInode(parentID, name, meta)
}

func (t *fakeTx) CreateDir(ctx context.Context, parentID int64, name string, meta store.Meta) (int64, error) {
	return t.createInode(parentID, name, meta)
}

func (t *fakeTx) deleteInode(id int64) error {
	m, ok := t.s.inodes[id]
	if !ok {
		return store.ErrNotExist
	}
	for k := range t.s.blocks {
		if k.inodeID == id {
			delete(t.s.blocks, k)
		}
	}
	delete(t.s.inodes, id)

	parent := t.s.inodes[m.ParentID]
	parent.Size--
	t.s.inodes[m.ParentID] = parent
	return nil
}

func (t *fakeTx) DeleteFile(ctx context.Context, id int64) error {
	return t.deleteInode(id)
}

func (t *fakeTx) DeleteDir(ctx context.Context, id int64) error {
	for childID, m := range t.s.inodes {
		if m.ParentID == id && childID != id {
			return store.ErrNotEmpty
		}
	}
	return t.deleteInode(id)
}

func (t *fakeTx) ListDir(ctx context.Context, id int64, visit func(name string) error) error {
	for childID, m := range t.s.inodes {
		if m.ParentID == id && childID != id {
			if err := visit(m.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *fakeTx) Rename(ctx context.Context, id int64, newParentID int64, newName string) error {
	m, ok := t.s.inodes[id]
	if !ok {
		return store.ErrNotExist
	}
	if m.ParentID != newParentID {
		oldParent := t.s.inodes[m.ParentID]
		oldParent.Size--
		t.s.inodes[m.ParentID] = oldParent

		newParent := t.s.inodes[newParentID]
		newParent.Size++
		t.s.inodes[newParentID] = newParent
	}
	m.ParentID = newParentID
	m.Name = newName
	t.s.inodes[id] = m
	return nil
}

func (t *fakeTx) ReadBlock(ctx context.Context, id int64, blockNo int64) ([]byte, bool, error) {
	b, ok := t.s.blocks[blockKey{id, blockNo}]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, true, nil
}

func (t *fakeTx) WriteBlock(ctx context.Context, id int64, blockNo int64, data []byte) error {
	b := make([]byte, len(data))
	copy(b, data)
	t.s.blocks[blockKey{id, blockNo}] = b
	return nil
}

func (t *fakeTx) DeleteBlocksFrom(ctx context.Context, id int64, firstBlockNo int64) error {
	for k := range t.s.blocks {
		if k.inodeID == id && k.blockNo >= firstBlockNo {
			delete(t.s.blocks, k)
		}
	}
	return nil
}

func (t *fakeTx) BlocksUsed(ctx context.Context) (int64, error) {
	return int64(len(t.s.blocks)), nil
}

func (t *fakeTx) InodesUsed(ctx context.Context) (int64, error) {
	return int64(len(t.s.inodes)), nil
}

func (t *fakeTx) TablespaceLocations(ctx context.Context) ([]string, error) {
	return t.s.Locations, nil
}
