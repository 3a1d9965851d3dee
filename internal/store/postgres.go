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

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tml/pgfuse/internal/logger"
)

// SQLSTATE class 23 constraint violations the file system semantics care
// about. Anything else is an I/O-class failure.
const (
	sqlstateUniqueViolation     = "23505"
	sqlstateForeignKeyViolation = "23503"
)

const (
	lookupChildSQL = `SELECT id, parent_id, name, mode, uid, gid, size, atime, mtime, ctime
		FROM inodes WHERE parent_id = $1 AND name = $2 AND id <> parent_id`

	metaByIDSQL = `SELECT parent_id, name, mode, uid, gid, size, atime, mtime, ctime
		FROM inodes WHERE id = $1`

	writeMetaSQL = `UPDATE inodes
		SET mode = $2, uid = $3, gid = $4, size = $5, atime = $6, mtime = $7, ctime = $8
		WHERE id = $1`

	insertInodeSQL = `INSERT INTO inodes (parent_id, name, mode, uid, gid, size, atime, mtime, ctime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`

	bumpChildCountSQL = `UPDATE inodes SET size = size + $2 WHERE id = $1`

	deleteInodeSQL = `DELETE FROM inodes WHERE id = $1`

	countChildrenSQL = `SELECT count(*) FROM inodes WHERE parent_id = $1 AND id <> parent_id`

	listDirSQL = `SELECT name FROM inodes WHERE parent_id = $1 AND id <> parent_id`

	renameSQL = `UPDATE inodes SET parent_id = $2, name = $3 WHERE id = $1`

	readBlockSQL = `SELECT data FROM blocks WHERE inode_id = $1 AND block_no = $2`

	writeBlockSQL = `INSERT INTO blocks (inode_id, block_no, data) VALUES ($1, $2, $3)
		ON CONFLICT (inode_id, block_no) DO UPDATE SET data = EXCLUDED.data`

	deleteBlocksFromSQL = `DELETE FROM blocks WHERE inode_id = $1 AND block_no >= $2`

	deleteBlocksSQL = `DELETE FROM blocks WHERE inode_id = $1`

	blocksUsedSQL = `SELECT count(*) FROM blocks`

	inodesUsedSQL = `SELECT count(*) FROM inodes`

	// Tablespaces with an empty location live inside the server's data
	// directory.
	tablespaceLocationsSQL = `SELECT DISTINCT
		CASE WHEN pg_tablespace_location(oid) = ''
			THEN current_setting('data_directory')
			ELSE pg_tablespace_location(oid)
		END
		FROM pg_tablespace`
)

// PostgresStore implements Store on top of a connection pool of *pgx.Conn.
type PostgresStore struct {
	pool *Pool
}

func NewPostgresStore(pool *Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// DialPostgres returns the pool dial function for the given conninfo string.
func DialPostgres(conninfo string) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		return pgx.Connect(ctx, conninfo)
	}
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	c, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	conn := c.(*pgx.Conn)

	tx, err := conn.Begin(ctx)
	if err != nil {
		s.pool.Release(ctx, conn, true)
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &postgresTx{pool: s.pool, conn: conn, tx: tx}, nil
}

// postgresTx owns its pooled connection from Begin until Commit or Rollback.
type postgresTx struct {
	pool *Pool
	conn *pgx.Conn
	tx   pgx.Tx

	// Set as soon as any statement fails so that the connection is not
	// returned to the pool in an unknown state.
	broken bool
}

// fail records a driver error and translates it to the store's error
// vocabulary.
func (t *postgresTx) fail(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateUniqueViolation:
			// A constraint conflict aborts the transaction but leaves the
			// connection itself healthy.
			return ErrExist
		case sqlstateForeignKeyViolation:
			return ErrNotExist
		}
	}
	t.broken = true
	return fmt.Errorf("%s: %w", op, err)
}

func (t *postgresTx) LookupChild(ctx context.Context, parentID int64, name string) (int64, Meta, error) {
	var id int64
	var m Meta
	err := t.tx.QueryRow(ctx, lookupChildSQL, parentID, name).Scan(
		&id, &m.ParentID, &m.Name, &m.Mode, &m.UID, &m.GID, &m.Size,
		&m.Atime, &m.Mtime, &m.Ctime)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, Meta{}, ErrNotExist
	}
	if err != nil {
		return 0, Meta{}, t.fail("lookup child", err)
	}
	return id, m, nil
}

func (t *postgresTx) MetaByID(ctx context.Context, id int64) (Meta, error) {
	var m Meta
	err := t.tx.QueryRow(ctx, metaByIDSQL, id).Scan(
		&m.ParentID, &m.Name, &m.Mode, &m.UID, &m.GID, &m.Size,
		&m.Atime, &m.Mtime, &m.Ctime)
	if errors.Is(err, pgx.ErrNoRows) {
		return Meta{}, ErrNotExist
	}
	if err != nil {
		return Meta{}, t.fail("read meta", err)
	}
	return m, nil
}

func (t *postgresTx) WriteMeta(ctx context.Context, id int64, meta Meta) error {
	tag, err := t.tx.Exec(ctx, writeMetaSQL, id,
		meta.Mode, meta.UID, meta.GID, meta.Size,
		meta.Atime, meta.Mtime, meta.Ctime)
	if err != nil {
		return t.fail("write meta", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotExist
	}
	return nil
}

func (t *postgresTx) createInode(ctx context.Context, parentID int64, name string, meta Meta) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, insertInodeSQL, parentID, name,
		meta.Mode, meta.UID, meta.GID, meta.Size,
		meta.Atime, meta.Mtime, meta.Ctime).Scan(&id)
	if err != nil {
		return 0, t.fail("insert inode", err)
	}
	if _, err := t.tx.Exec(ctx, bumpChildCountSQL, parentID, 1); err != nil {
		return 0, t.fail("bump child count", err)
	}
	return id, nil
}

func (t *postgresTx) CreateFile(ctx context.Context, parentID int64, name string, meta Meta) (int64, error) {
	return t.createInode(ctx, parentID, name, meta)
}

func (t *postgresTx) CreateDir(ctx context.Context, parentID int64, name string, meta Meta) (int64, error) {
	return t.createInode(ctx, parentID, name, meta)
}

func (t *postgresTx) deleteInode(ctx context.Context, id int64) error {
	m, err := t.MetaByID(ctx, id)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, deleteBlocksSQL, id); err != nil {
		return t.fail("delete blocks", err)
	}
	if _, err := t.tx.Exec(ctx, deleteInodeSQL, id); err != nil {
		return t.fail("delete inode", err)
	}
	if _, err := t.tx.Exec(ctx, bumpChildCountSQL, m.ParentID, -1); err != nil {
		return t.fail("drop child count", err)
	}
	return nil
}

func (t *postgresTx) DeleteFile(ctx context.Context, id int64) error {
	return t.deleteInode(ctx, id)
}

func (t *postgresTx) DeleteDir(ctx context.Context, id int64) error {
	var children int64
	if err := t.tx.QueryRow(ctx, countChildrenSQL, id).Scan(&children); err != nil {
		return t.fail("count children", err)
	}
	if children > 0 {
		return ErrNotEmpty
	}
	return t.deleteInode(ctx, id)
}

func (t *postgresTx) ListDir(ctx context.Context, id int64, visit func(name string) error) error {
	rows, err := t.tx.Query(ctx, listDirSQL, id)
	if err != nil {
		return t.fail("list dir", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return t.fail("scan dir entry", err)
		}
		if err := visit(name); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return t.fail("list dir", err)
	}
	return nil
}

func (t *postgresTx) Rename(ctx context.Context, id int64, newParentID int64, newName string) error {
	m, err := t.MetaByID(ctx, id)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, renameSQL, id, newParentID, newName)
	if err != nil {
		return t.fail("rename", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotExist
	}
	if m.ParentID != newParentID {
		if _, err := t.tx.Exec(ctx, bumpChildCountSQL, m.ParentID, -1); err != nil {
			return t.fail("drop child count", err)
		}
		if _, err := t.tx.Exec(ctx, bumpChildCountSQL, newParentID, 1); err != nil {
			return t.fail("bump child count", err)
		}
	}
	return nil
}

func (t *postgresTx) ReadBlock(ctx context.Context, id int64, blockNo int64) ([]byte, bool, error) {
	var data []byte
	err := t.tx.QueryRow(ctx, readBlockSQL, id, blockNo).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, t.fail("read block", err)
	}
	return data, true, nil
}

func (t *postgresTx) WriteBlock(ctx context.Context, id int64, blockNo int64, data []byte) error {
	if _, err := t.tx.Exec(ctx, writeBlockSQL, id, blockNo, data); err != nil {
		return t.fail("write block", err)
	}
	return nil
}

func (t *postgresTx) DeleteBlocksFrom(ctx context.Context, id int64, firstBlockNo int64) error {
	if _, err := t.tx.Exec(ctx, deleteBlocksFromSQL, id, firstBlockNo); err != nil {
		return t.fail("delete blocks", err)
	}
	return nil
}

func (t *postgresTx) BlocksUsed(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, blocksUsedSQL).Scan(&n); err != nil {
		return 0, t.fail("count blocks", err)
	}
	return n, nil
}

func (t *postgresTx) InodesUsed(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, inodesUsedSQL).Scan(&n); err != nil {
		return 0, t.fail("count inodes", err)
	}
	return n, nil
}

func (t *postgresTx) TablespaceLocations(ctx context.Context) ([]string, error) {
	rows, err := t.tx.Query(ctx, tablespaceLocationsSQL)
	if err != nil {
		return nil, t.fail("tablespace locations", err)
	}
	defer rows.Close()

	var dirs []string
	for rows.Next() {
		var dir string
		if err := rows.Scan(&dir); err != nil {
			return nil, t.fail("scan tablespace location", err)
		}
		dirs = append(dirs, dir)
	}
	if err := rows.Err(); err != nil {
		return nil, t.fail("tablespace locations", err)
	}
	return dirs, nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	err := t.tx.Commit(ctx)
	if err != nil {
		t.broken = true
	}
	t.pool.Release(ctx, t.conn, t.broken)
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		logger.Errorf("rollback: %v", err)
		t.broken = true
	}
	t.pool.Release(ctx, t.conn, t.broken)
}
