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

package fs

import (
	"context"
	"path"
	"strings"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/tml/pgfuse/internal/store"
)

// resolve walks an absolute path component by component from the root and
// returns the id and metadata of the final entry. Nothing is cached; the
// database is the single source of truth. An intermediate entry that is not
// a directory yields store.ErrNotDir.
func resolve(ctx context.Context, tx store.Tx, fspath string) (int64, store.Meta, error) {
	id := int64(store.RootID)
	meta, err := tx.MetaByID(ctx, id)
	if err != nil {
		return 0, store.Meta{}, err
	}

	for _, name := range strings.Split(fspath, "/") {
		if name == "" {
			continue
		}
		if !isDir(meta) {
			return 0, store.Meta{}, store.ErrNotDir
		}
		id, meta, err = tx.LookupChild(ctx, id, name)
		if err != nil {
			return 0, store.Meta{}, err
		}
	}
	return id, meta, nil
}

// lookupParent resolves the directory that holds fspath's last component and
// returns its id together with that component. The parent must be a
// directory.
func lookupParent(ctx context.Context, tx store.Tx, fspath string) (int64, string, error) {
	parentID, parentMeta, err := resolve(ctx, tx, path.Dir(fspath))
	if err != nil {
		return 0, "", err
	}
	if !isDir(parentMeta) {
		return 0, "", store.ErrNotDir
	}
	return parentID, path.Base(fspath), nil
}

// isAncestor reports whether ancestorID lies on the parent chain of id,
// inclusive of id itself. The walk terminates at the root, which is its own
// parent.
func isAncestor(ctx context.Context, tx store.Tx, ancestorID int64, id int64) (bool, error) {
	for {
		if id == ancestorID {
			return true, nil
		}
		meta, err := tx.MetaByID(ctx, id)
		if err != nil {
			return false, err
		}
		if id == meta.ParentID {
			// Reached the root.
			return false, nil
		}
		id = meta.ParentID
	}
}

func isDir(m store.Meta) bool {
	return m.Mode&fuse.S_IFMT == fuse.S_IFDIR
}

func isSymlink(m store.Meta) bool {
	return m.Mode&fuse.S_IFMT == fuse.S_IFLNK
}

func isRegular(m store.Meta) bool {
	return m.Mode&fuse.S_IFMT == fuse.S_IFREG
}
