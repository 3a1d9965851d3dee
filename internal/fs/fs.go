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

// Package fs implements the FUSE operation handlers. Every handler runs
// inside exactly one database transaction on a pooled connection: acquire,
// begin, work, then commit or roll back on every exit path. The database's
// concurrency control is the only cross-handler ordering guarantee.
package fs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jacobsa/timeutil"
	"github.com/winfsp/cgofuse/fuse"

	"github.com/tml/pgfuse/internal/content"
	"github.com/tml/pgfuse/internal/freespace"
	"github.com/tml/pgfuse/internal/logger"
	"github.com/tml/pgfuse/internal/monitor"
	"github.com/tml/pgfuse/internal/store"
)

// invalidHandle is the file handle value the bridge passes for path-only
// variants of handle-carrying operations.
const invalidHandle = ^uint64(0)

// Mount table flag and the filesystem id reported by statfs.
const (
	stReadOnly    = 0x1
	statfsFsid    = 0x4FE3A364
	statfsNamemax = 255

	// There is no real cap on inodes; statfs reports this headroom on top
	// of the used count.
	inodeHeadroom = math.MaxUint32
)

// ServerConfig carries the process-wide state every handler needs. All of it
// is fixed at mount time.
type ServerConfig struct {
	// Store hands out per-operation transactions.
	Store store.Store

	// Clock supplies inode timestamps.
	Clock timeutil.Clock

	// BlockSize is the block length agreed with the database during
	// preflight.
	BlockSize int64

	// ReadOnly rejects every mutating operation with -EROFS.
	ReadOnly bool

	// MountPoint is used for log context only.
	MountPoint string

	// Space estimates host free space for statfs. Nil uses the host mount
	// table and statfs(2).
	Space *freespace.Estimator

	// Metrics receives operation counts. Nil means no metrics.
	Metrics monitor.MetricHandle

	// Caller returns the uid and gid of the calling process. Nil reads the
	// FUSE request context; tests inject a fixed identity.
	Caller func() (uid uint32, gid uint32)
}

// NewServer builds the file system handler set for the cgofuse host.
func NewServer(cfg *ServerConfig) (fuse.FileSystemInterface, error) {
	if cfg.Store == nil {
		return nil, errors.New("fs: config must carry a store")
	}
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("fs: invalid block size %d", cfg.BlockSize)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = monitor.NewNoop()
	}
	space := cfg.Space
	if space == nil {
		space = &freespace.Estimator{}
	}
	caller := cfg.Caller
	if caller == nil {
		caller = func() (uint32, uint32) {
			uid, gid, _ := fuse.Getcontext()
			return uid, gid
		}
	}
	return &fileSystem{
		store:      cfg.Store,
		clock:      clock,
		engine:     content.Engine{BlockSize: cfg.BlockSize},
		readOnly:   cfg.ReadOnly,
		mountPoint: cfg.MountPoint,
		space:      space,
		metrics:    metrics,
		caller:     caller,
	}, nil
}

type fileSystem struct {
	fuse.FileSystemBase

	store      store.Store
	clock      timeutil.Clock
	engine     content.Engine
	readOnly   bool
	mountPoint string
	space      *freespace.Estimator
	metrics    monitor.MetricHandle
	caller     func() (uid uint32, gid uint32)
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// transact runs one handler body inside a fresh transaction. A nil error
// commits and returns the body's non-negative result; any error rolls back
// and returns the translated negative errno. Commit failures surface as
// -EIO.
func (fs *fileSystem) transact(op string, fspath string, body func(ctx context.Context, tx store.Tx) (int, error)) int {
	ctx := context.Background()
	fs.metrics.OpsCount(op)

	tx, err := fs.store.Begin(ctx)
	if err != nil {
		logger.Errorf("%s %q on %q: acquiring connection: %v", op, fspath, fs.mountPoint, err)
		fs.metrics.OpsErrorCount(op, -fuse.EIO)
		return -fuse.EIO
	}

	result, err := body(ctx, tx)
	if err != nil {
		tx.Rollback(ctx)
		errc := errno(err)
		if errc == -fuse.EIO {
			logger.Errorf("%s %q on %q: %v", op, fspath, fs.mountPoint, err)
		} else {
			logger.Debugf("%s %q on %q: %v", op, fspath, fs.mountPoint, err)
		}
		fs.metrics.OpsErrorCount(op, errc)
		return errc
	}

	if err := tx.Commit(ctx); err != nil {
		logger.Errorf("%s %q on %q: %v", op, fspath, fs.mountPoint, err)
		fs.metrics.OpsErrorCount(op, -fuse.EIO)
		return -fuse.EIO
	}
	return result
}

func (fs *fileSystem) fillStat(stat *fuse.Stat_t, id int64, m store.Meta) {
	*stat = fuse.Stat_t{
		Ino:     uint64(id),
		Mode:    m.Mode,
		Nlink:   1,
		Uid:     m.UID,
		Gid:     m.GID,
		Size:    m.Size,
		Blksize: fs.engine.BlockSize,
		Blocks:  (m.Size + fs.engine.BlockSize - 1) / fs.engine.BlockSize,
		Atim:    fuse.NewTimespec(m.Atime),
		Mtim:    fuse.NewTimespec(m.Mtime),
		Ctim:    fuse.NewTimespec(m.Ctime),
	}
}

// newMeta stamps a fresh inode record with the calling context's identity
// and the current time.
func (fs *fileSystem) newMeta(mode uint32) store.Meta {
	uid, gid := fs.caller()
	now := fs.clock.Now()
	return store.Meta{
		Mode:  mode,
		UID:   uid,
		GID:   gid,
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
}

// flagString renders open flags for trace logging.
func flagString(flags int) string {
	var parts []string
	switch flags & fuse.O_ACCMODE {
	case fuse.O_RDONLY:
		parts = append(parts, "O_RDONLY")
	case fuse.O_WRONLY:
		parts = append(parts, "O_WRONLY")
	case fuse.O_RDWR:
		parts = append(parts, "O_RDWR")
	}
	for _, f := range []struct {
		bit  int
		name string
	}{
		{fuse.O_CREAT, "O_CREAT"},
		{fuse.O_TRUNC, "O_TRUNC"},
		{fuse.O_EXCL, "O_EXCL"},
		{fuse.O_APPEND, "O_APPEND"},
	} {
		if flags&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

////////////////////////////////////////////////////////////////////////
// Mount lifecycle
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) Init() {
	mode := "read-write"
	if fs.readOnly {
		mode = "read-only"
	}
	logger.Infof("Mounting file system on %q (%s)", fs.mountPoint, mode)
}

func (fs *fileSystem) Destroy() {
	logger.Infof("Unmounting file system on %q", fs.mountPoint)
}

////////////////////////////////////////////////////////////////////////
// Attributes
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) Getattr(fspath string, stat *fuse.Stat_t, fh uint64) int {
	logger.Tracef("Getattr %q on %q", fspath, fs.mountPoint)

	return fs.transact("getattr", fspath, func(ctx context.Context, tx store.Tx) (int, error) {
		var id int64
		var m store.Meta
		var err error
		if fh != invalidHandle {
			// The handle's inode id is authoritative; metadata is still
			// re-read from the database.
			id = int64(fh)
			m, err = tx.MetaByID(ctx, id)
		} else {
			id, m, err = resolve(ctx, tx, fspath)
		}
		if err != nil {
			return 0, err
		}
		fs.fillStat(stat, id, m)
		return 0, nil
	})
}

func (fs *fileSystem) Chmod(fspath string, mode uint32) int {
	logger.Tracef("Chmod %q to %#o on %q", fspath, mode, fs.mountPoint)

	return fs.transact("chmod", fspath, func(ctx context.Context, tx store.Tx) (int, error) {
		id, m, err := resolve(ctx, tx, fspath)
		if err != nil {
			return 0, err
		}
		if fs.readOnly {
			return 0, errReadOnly
		}
		// Keep the file type bits; chmod only carries permissions.
		m.Mode = m.Mode&fuse.S_IFMT | mode&^uint32(fuse.S_IFMT)
		return 0, tx.WriteMeta(ctx, id, m)
	})
}

func (fs *fileSystem) Chown(fspath string, uid uint32, gid uint32) int {
	logger.Tracef("Chown %q to %d:%d on %q", fspath, uid, gid, fs.mountPoint)

	return fs.transact("chown", fspath, func(ctx context.Context, tx store.Tx) (int, error) {
		id, m, err := resolve(ctx, tx, fspath)
		if err != nil {
			return 0, err
		}
		if fs.readOnly {
			return 0, errReadOnly
		}
		m.UID = uid
		m.GID = gid
		return 0, tx.WriteMeta(ctx, id, m)
	})
}

func (fs *fileSystem) Utimens(fspath string, tmsp []fuse.Timespec) int {
	logger.Tracef("Utimens %q on %q", fspath, fs.mountPoint)

	return fs.transact("utimens", fspath, func(ctx context.Context, tx store.Tx) (int, error) {
		id, m, err := resolve(ctx, tx, fspath)
		if err != nil {
			return 0, err
		}
		if fs.readOnly {
			return 0, errReadOnly
		}
		if len(tmsp) >= 2 {
			m.Atime = tmsp[0].Time()
			m.Mtime = tmsp[1].Time()
		} else {
			now := fs.clock.Now()
			m.Atime = now
			m.Mtime = now
		}
		return 0, tx.WriteMeta(ctx, id, m)
	})
}

////////////////////////////////////////////////////////////////////////
// Files
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) Create(fspath string, flags int, mode uint32) (int, uint64) {
	logger.Tracef("Create %q in mode %#o with flags %s on %q",
		fspath, mode, flagString(flags), fs.mountPoint)

	fh := invalidHandle
	errc := fs.transact("create", fspath, func(ctx context.Context, tx store.Tx) (int, error) {
		if fs.readOnly {
			return 0, errReadOnly
		}

		_, m, err := resolve(ctx, tx, fspath)
		switch {
		case err == nil:
			if isDir(m) {
				return 0, errIsDir
			}
			return 0, store.ErrExist
		case !errors.Is(err, store.ErrNotExist):
			return 0, err
		}

		parentID, name, err := lookupParent(ctx, tx, fspath)
		if err != nil {
			return 0, err
		}

		meta := fs.newMeta(mode&^uint32(fuse.S_IFMT) | fuse.S_IFREG)
		id, err := tx.CreateFile(ctx, parentID, name, meta)
		if err != nil {
			return 0, err
		}
		fh = uint64(id)
		return 0, nil
	})
	return errc, fh
}

func (fs *fileSystem) Open(fspath string, flags int) (int, uint64) {
	logger.Tracef("Open %q with flags %s on %q", fspath, flagString(flags), fs.mountPoint)

	fh := invalidHandle
	errc := fs.transact("open", fspath, func(ctx context.Context, tx store.Tx) (int, error) {
		id, m, err := resolve(ctx, tx, fspath)
		if err != nil {
			return 0, err
		}
		if isDir(m) {
			return 0, errIsDir
		}
		if fs.readOnly && flags&fuse.O_ACCMODE != fuse.O_RDONLY {
			return 0, errReadOnly
		}

		if !fs.readOnly {
			m.Atime = fs.clock.Now()
			if err := tx.WriteMeta(ctx, id, m); err != nil {
				return 0, err
			}
		}
		fh = uint64(id)
		return 0, nil
	})
	return errc, fh
}

func (fs *fileSystem) Read(fspath string, buff []byte, ofst int64, fh uint64) int {
	logger.Tracef("Read %q at offset %d, size %d on %q", fspath, ofst, len(buff), fs.mountPoint)

	return fs.transact("read", fspath, func(ctx context.Context, tx store.Tx) (int, error) {
		if fh == invalidHandle || fh == 0 {
			return 0, errBadHandle
		}
		id := int64(fh)
		m, err := tx.MetaByID(ctx, id)
		if err != nil {
			return 0, err
		}
		return fs.engine.ReadAt(ctx, tx, id, m.Size, buff, ofst)
	})
}

func (fs *fileSystem) Write(fspath string, buff []byte, ofst int64, fh uint64) int {
	logger.Tracef("Write %q at offset %d, size %d on %q", fspath, ofst, len(buff), fs.mountPoint)

	return fs.transact("write", fspath, func(ctx context.Context, tx store.Tx) (int, error) {
		if fh == invalidHandle || fh == 0 {
			return 0, errBadHandle
		}
		if fs.readOnly {
			return 0, errReadOnly
		}
		id := int64(fh)
		m, err := tx.MetaByID(ctx, id)
		if err != nil {
			return 0, err
		}

		n, err := fs.engine.WriteAt(ctx, tx, id, buff, ofst)
		if err != nil {
			return 0, err
		}
		if n != len(buff) {
			logger.Errorf("Write size mismatch on %q: expected %d bytes, wrote %d",
				fspath, len(buff), n)
			return 0, errIO
		}

		if end := ofst + int64(len(buff)); end > m.Size {
			m.Size = end
		}
		if err := tx.WriteMeta(ctx, id, m); err != nil {
			return 0, err
		}
		return n, nil
	})
}

func (fs *fileSystem) Truncate(fspath string, size int64, fh uint64) int {
	logger.Tracef("Truncate %q to size %d on %q", fspath, size, fs.mountPoint)

	return fs.transact("truncate", fspath, func(ctx context.Context, tx store.Tx) (int, error) {
		var id int64
		var m store.Meta
		var err error
		if fh != invalidHandle {
			id = int64(fh)
			m, err = tx.MetaByID(ctx, id)
		} else {
			id, m, err = resolve(ctx, tx, fspath)
		}
		if err != nil {
			return 0, err
		}
		if isDir(m) {
			return 0, errIsDir
		}
		if fs.readOnly {
			return 0, errReadOnly
		}

		if err := fs.engine.Truncate(ctx, tx, id, size); err != nil {
			return 0, err
		}
		m.Size = size
		return 0, tx.WriteMeta(ctx, id, m)
	})
}

func (fs *fileSystem) Unlink(fspath string) int {
	logger.Tracef("Unlink %q on %q", fspath, fs.mountPoint)

	return fs.transact("unlink", fspath, func(ctx context.Context, tx store.Tx) (int, error) {
		id, m, err := resolve(ctx, tx, fspath)
		if err != nil {
			return 0, err
		}
		if isDir(m) {
			return 0, errNotPerm
		}
		if fs.readOnly {
			return 0, errReadOnly
		}
		return 0, tx.DeleteFile(ctx, id)
	})
}

////////////////////////////////////////////////////////////////////////
// Directories
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) Mkdir(fspath string, mode uint32) int {
	logger.Tracef("Mkdir %q in mode %#o on %q", fspath, mode, fs.mountPoint)

	return fs.transact("mkdir", fspath, func(ctx context.Context, tx store.Tx) (int, error) {
		if fs.readOnly {
			return 0, errReadOnly
		}
		parentID, name, err := lookupParent(ctx, tx, fspath)
		if err != nil {
			return 0, err
		}

		// The directory type bit is not part of the caller's mode.
		meta := fs.newMeta(mode&^uint32(fuse.S_IFMT) | fuse.S_IFDIR)
		_, err = tx.CreateDir(ctx, parentID, name, meta)
		return 0, err
	})
}

func (fs *fileSystem) Rmdir(fspath string) int {
	logger.Tracef("Rmdir %q on %q", fspath, fs.mountPoint)

	return fs.transact("rmdir", fspath, func(ctx context.Context, tx store.Tx) (int, error) {
		id, m, err := resolve(ctx, tx, fspath)
		if err != nil {
			return 0, err
		}
		if !isDir(m) {
			return 0, store.ErrNotDir
		}
		if fs.readOnly {
			return 0, errReadOnly
		}
		return 0, tx.DeleteDir(ctx, id)
	})
}

func (fs *fileSystem) Opendir(fspath string) (int, uint64) {
	// Listing happens entirely in Readdir.
	return 0, 0
}

func (fs *fileSystem) Readdir(fspath string,
	fill func(name string, stat *fuse.Stat_t, ofst int64) bool,
	ofst int64,
	fh uint64) int {
	logger.Tracef("Readdir %q on %q", fspath, fs.mountPoint)

	// The fill callback reporting a full buffer aborts the listing without
	// failing the operation.
	full := errors.New("readdir buffer full")

	return fs.transact("readdir", fspath, func(ctx context.Context, tx store.Tx) (int, error) {
		id, m, err := resolve(ctx, tx, fspath)
		if err != nil {
			return 0, err
		}
		if !isDir(m) {
			return 0, store.ErrNotDir
		}

		fill(".", nil, 0)
		fill("..", nil, 0)
		err = tx.ListDir(ctx, id, func(name string) error {
			if !fill(name, nil, 0) {
				return full
			}
			return nil
		})
		if err != nil && !errors.Is(err, full) {
			return 0, err
		}
		return 0, nil
	})
}

func (fs *fileSystem) Releasedir(fspath string, fh uint64) int {
	return 0
}

func (fs *fileSystem) Fsyncdir(fspath string, datasync bool, fh uint64) int {
	return 0
}

////////////////////////////////////////////////////////////////////////
// Links
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) Symlink(target string, newpath string) int {
	logger.Tracef("Symlink %q -> %q on %q", newpath, target, fs.mountPoint)

	return fs.transact("symlink", newpath, func(ctx context.Context, tx store.Tx) (int, error) {
		if fs.readOnly {
			return 0, errReadOnly
		}
		parentID, name, err := lookupParent(ctx, tx, newpath)
		if err != nil {
			return 0, err
		}

		// Symlinks have no modes per se.
		meta := fs.newMeta(0777 | fuse.S_IFLNK)
		meta.Size = int64(len(target))
		id, err := tx.CreateFile(ctx, parentID, name, meta)
		if err != nil {
			return 0, err
		}

		n, err := fs.engine.WriteAt(ctx, tx, id, []byte(target), 0)
		if err != nil {
			return 0, err
		}
		if n != len(target) {
			return 0, errIO
		}
		return 0, nil
	})
}

func (fs *fileSystem) Readlink(fspath string) (int, string) {
	logger.Tracef("Readlink %q on %q", fspath, fs.mountPoint)

	var target string
	errc := fs.transact("readlink", fspath, func(ctx context.Context, tx store.Tx) (int, error) {
		id, m, err := resolve(ctx, tx, fspath)
		if err != nil {
			return 0, err
		}
		if !isSymlink(m) {
			return 0, store.ErrNotExist
		}

		buf := make([]byte, m.Size)
		n, err := fs.engine.ReadAt(ctx, tx, id, m.Size, buf, 0)
		if err != nil {
			return 0, err
		}
		if int64(n) != m.Size {
			return 0, errIO
		}
		target = string(buf)
		return 0, nil
	})
	return errc, target
}

////////////////////////////////////////////////////////////////////////
// Rename
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) Rename(oldpath string, newpath string) int {
	logger.Tracef("Rename %q to %q on %q", oldpath, newpath, fs.mountPoint)

	return fs.transact("rename", oldpath, func(ctx context.Context, tx store.Tx) (int, error) {
		if oldpath == newpath {
			return 0, nil
		}

		fromID, fromMeta, err := resolve(ctx, tx, oldpath)
		if err != nil {
			return 0, err
		}

		_, toMeta, err := resolve(ctx, tx, newpath)
		switch {
		case err == nil:
			// No silent overwrite of files; everything else is out of scope
			// for this file system's rename.
			if isRegular(toMeta) {
				return 0, store.ErrExist
			}
			return 0, errInvalid
		case !errors.Is(err, store.ErrNotExist):
			return 0, err
		}

		toParentID, newName, err := lookupParentForRename(ctx, tx, newpath)
		if err != nil {
			return 0, err
		}

		if isDir(fromMeta) {
			// Moving a directory under itself would disconnect the subtree
			// into a cycle.
			cyclic, err := isAncestor(ctx, tx, fromID, toParentID)
			if err != nil {
				return 0, err
			}
			if cyclic {
				return 0, errInvalid
			}
		}

		if fs.readOnly {
			return 0, errReadOnly
		}
		return 0, tx.Rename(ctx, fromID, toParentID, newName)
	})
}

// lookupParentForRename resolves the destination parent. A destination whose
// parent resolves to a non-directory indicates a corrupted tree: the lookup
// that just failed walked through it as a directory.
func lookupParentForRename(ctx context.Context, tx store.Tx, fspath string) (int64, string, error) {
	parentID, name, err := lookupParent(ctx, tx, fspath)
	if errors.Is(err, store.ErrNotDir) {
		logger.Errorf("Rename destination parent of %q is not a directory", fspath)
		return 0, "", errIO
	}
	return parentID, name, err
}

////////////////////////////////////////////////////////////////////////
// statfs
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) Statfs(fspath string, stat *fuse.Statfs_t) int {
	logger.Tracef("Statfs %q on %q", fspath, fs.mountPoint)

	return fs.transact("statfs", fspath, func(ctx context.Context, tx store.Tx) (int, error) {
		locations, err := tx.TablespaceLocations(ctx)
		if err != nil {
			return 0, err
		}
		blocksUsed, err := tx.BlocksUsed(ctx)
		if err != nil {
			return 0, err
		}
		inodesUsed, err := tx.InodesUsed(ctx)
		if err != nil {
			return 0, err
		}

		usage, err := fs.space.MinAvailable(fs.engine.BlockSize, locations)
		if err != nil {
			return 0, err
		}

		*stat = fuse.Statfs_t{
			Bsize:   uint64(fs.engine.BlockSize),
			Frsize:  uint64(fs.engine.BlockSize),
			Blocks:  uint64(blocksUsed) + usage.AvailBlocks,
			Bfree:   usage.AvailBlocks,
			Bavail:  usage.AvailBlocks,
			Files:   uint64(inodesUsed) + inodeHeadroom,
			Ffree:   inodeHeadroom,
			Favail:  inodeHeadroom,
			Fsid:    statfsFsid,
			Namemax: statfsNamemax,
		}
		if fs.readOnly {
			stat.Flag |= stReadOnly
		}
		return 0, nil
	})
}

////////////////////////////////////////////////////////////////////////
// No-ops
////////////////////////////////////////////////////////////////////////

// Durability comes from the per-operation transaction commit, so the sync
// family has nothing left to do.

func (fs *fileSystem) Flush(fspath string, fh uint64) int {
	return 0
}

func (fs *fileSystem) Release(fspath string, fh uint64) int {
	logger.Tracef("Release %q on %q", fspath, fs.mountPoint)
	return 0
}

func (fs *fileSystem) Fsync(fspath string, datasync bool, fh uint64) int {
	logger.Tracef("Fsync %q on %q", fspath, fs.mountPoint)
	if fs.readOnly {
		return -fuse.EROFS
	}
	if fh == invalidHandle || fh == 0 {
		return -fuse.EBADF
	}
	return 0
}

func (fs *fileSystem) Access(fspath string, mask uint32) int {
	// Access is always granted.
	return 0
}
