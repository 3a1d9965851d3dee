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
	"errors"
	"fmt"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/tml/pgfuse/internal/content"
	"github.com/tml/pgfuse/internal/store"
)

// errnoError carries a specific negative errno through a handler body to the
// boundary, for conditions that have no store-level error kind.
type errnoError int

func (e errnoError) Error() string {
	return fmt.Sprintf("errno %d", int(e))
}

var (
	errReadOnly  = errnoError(-fuse.EROFS)
	errBadHandle = errnoError(-fuse.EBADF)
	errIsDir     = errnoError(-fuse.EISDIR)
	errNotPerm   = errnoError(-fuse.EPERM)
	errInvalid   = errnoError(-fuse.EINVAL)
	errIO        = errnoError(-fuse.EIO)
)

// errno translates a handler error into the negative POSIX code handed to
// the kernel bridge. Anything unrecognized, in particular database and
// commit failures, becomes -EIO.
func errno(err error) int {
	var e errnoError
	if errors.As(err, &e) {
		return int(e)
	}
	switch {
	case errors.Is(err, store.ErrNotExist):
		return -fuse.ENOENT
	case errors.Is(err, store.ErrExist):
		return -fuse.EEXIST
	case errors.Is(err, store.ErrIsDir):
		return -fuse.EISDIR
	case errors.Is(err, store.ErrNotDir):
		return -fuse.ENOTDIR
	case errors.Is(err, store.ErrNotEmpty):
		return -fuse.ENOTEMPTY
	case errors.Is(err, content.ErrTooBig):
		return -fuse.EFBIG
	}
	return -fuse.EIO
}
