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
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
)

const blockSizeSQL = `SELECT value FROM settings WHERE key = 'blocksize'`

// Preflight opens a temporary connection and verifies that the server can
// carry the file system: timestamps must be stored as 64-bit integers, and
// the block size recorded in the database must agree with the configured
// one. Returns the effective block size.
func Preflight(ctx context.Context, conninfo string, blockSize int64) (int64, error) {
	conn, err := pgx.Connect(ctx, conninfo)
	if err != nil {
		return 0, fmt.Errorf("connecting to database: %w", err)
	}
	defer conn.Close(ctx)

	// Microsecond-precision timestamps require integer datetimes; servers
	// compiled with float timestamps would silently lose precision.
	switch conn.PgConn().ParameterStatus("integer_datetimes") {
	case "on":
	case "":
		return 0, fmt.Errorf("server does not report integer_datetimes; PostgreSQL is too old")
	default:
		return 0, fmt.Errorf("server stores timestamps as floating point; rebuild PostgreSQL with integer datetimes")
	}

	var value string
	if err := conn.QueryRow(ctx, blockSizeSQL).Scan(&value); err != nil {
		return 0, fmt.Errorf("reading block size from database: %w", err)
	}
	dbBlockSize, err := strconv.ParseInt(value, 10, 64)
	if err != nil || dbBlockSize <= 0 {
		return 0, fmt.Errorf("database reports invalid block size %q", value)
	}

	if blockSize != 0 && blockSize != dbBlockSize {
		return 0, fmt.Errorf(
			"block size mismatch: configured %d bytes, database initialized with %d bytes",
			blockSize, dbBlockSize)
	}
	return dbBlockSize, nil
}
