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

// Package store provides typed access to the database holding the file
// system: inode metadata, the directory tree encoded as parent edges, and
// file contents split into fixed-size blocks, one row per block.
package store

import (
	"context"
	"errors"
	"time"
)

// RootID is the inode id of the file system root. The root is created by the
// schema installer and is the only inode whose parent is itself.
const RootID = 1

var (
	ErrNotExist = errors.New("no such file or directory")
	ErrExist    = errors.New("file exists")
	ErrIsDir    = errors.New("is a directory")
	ErrNotDir   = errors.New("not a directory")
	ErrNotEmpty = errors.New("directory not empty")
)

// Meta is the metadata record of one inode. Timestamps are stored with
// microsecond precision; for directories Size is the number of direct
// children, for symlinks it is the length of the target.
type Meta struct {
	ParentID int64
	Name     string
	Mode     uint32
	UID      uint32
	GID      uint32
	Size     int64
	Atime    time.Time
	Mtime    time.Time
	Ctime    time.Time
}

// A Store hands out transactions, each bound to one pooled database
// connection for its whole lifetime.
type Store interface {
	// Begin acquires a connection from the pool and opens a transaction on
	// it. The returned Tx owns the connection until Commit or Rollback runs,
	// at which point the connection goes back to the pool. A connection that
	// failed mid-transaction is closed rather than reused.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one open transaction. All operations run on the transaction's
// connection; none of them commit implicitly.
type Tx interface {
	// LookupChild finds the child of parentID named name. Returns
	// ErrNotExist when there is no such child.
	LookupChild(ctx context.Context, parentID int64, name string) (int64, Meta, error)

	// MetaByID reads the metadata record of an inode. Returns ErrNotExist
	// for an unknown id.
	MetaByID(ctx context.Context, id int64) (Meta, error)

	// WriteMeta overwrites mode, uid, gid, size and all three timestamps.
	WriteMeta(ctx context.Context, id int64, meta Meta) error

	// CreateFile inserts a new file (or symlink) inode under parentID and
	// increments the parent's child count. Returns ErrExist when the
	// (parent, name) pair is already taken.
	CreateFile(ctx context.Context, parentID int64, name string, meta Meta) (int64, error)

	// CreateDir is CreateFile for directory inodes.
	CreateDir(ctx context.Context, parentID int64, name string, meta Meta) (int64, error)

	// DeleteFile removes the inode and all of its blocks, and decrements the
	// parent's child count.
	DeleteFile(ctx context.Context, id int64) error

	// DeleteDir removes an empty directory. Returns ErrNotEmpty when the
	// directory still has children.
	DeleteDir(ctx context.Context, id int64) error

	// ListDir calls visit once per direct child name, in unspecified order.
	// A non-nil error from visit aborts the listing and is returned.
	ListDir(ctx context.Context, id int64, visit func(name string) error) error

	// Rename moves the inode to newParentID under newName, keeping the child
	// counts of both parents correct.
	Rename(ctx context.Context, id int64, newParentID int64, newName string) error

	// ReadBlock fetches one content block. The second result is false when
	// the block is not materialized (a sparse, all-zero region).
	ReadBlock(ctx context.Context, id int64, blockNo int64) ([]byte, bool, error)

	// WriteBlock inserts or overwrites one block. Callers must supply
	// exactly block-size bytes; shorter writes go through the block engine's
	// read-modify-write.
	WriteBlock(ctx context.Context, id int64, blockNo int64, data []byte) error

	// DeleteBlocksFrom removes every block with index >= firstBlockNo.
	DeleteBlocksFrom(ctx context.Context, id int64, firstBlockNo int64) error

	// BlocksUsed and InodesUsed report totals for statfs.
	BlocksUsed(ctx context.Context) (int64, error)
	InodesUsed(ctx context.Context) (int64, error)

	// TablespaceLocations returns the on-disk directories the database
	// stores its data in, for free-space estimation only.
	TablespaceLocations(ctx context.Context) ([]string, error)

	// Commit ends the transaction and releases the connection.
	Commit(ctx context.Context) error

	// Rollback aborts the transaction and releases the connection. Safe to
	// call after a failed operation; errors are logged, not returned.
	Rollback(ctx context.Context)
}
