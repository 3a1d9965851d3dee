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

	"golang.org/x/sync/errgroup"

	"github.com/tml/pgfuse/internal/logger"
)

// Conn is the subset of a database connection the pool manages. *pgx.Conn
// satisfies it.
type Conn interface {
	IsClosed() bool
	Close(ctx context.Context) error
}

// DialFunc opens one new database connection.
type DialFunc func(ctx context.Context) (Conn, error)

// Pool is a fixed-size bag of database connections. Acquire blocks while the
// pool is exhausted; Release returns a connection, replacing it with a fresh
// dial on the next Acquire if it broke mid-transaction. With size 1 the pool
// degenerates to one shared connection, which is all the single-threaded
// mount mode needs.
type Pool struct {
	dial DialFunc

	// Each slot holds either a healthy idle connection or nil, meaning the
	// slot's connection was broken and the next owner dials a new one. The
	// channel length never exceeds the pool size.
	slots chan Conn
}

// NewPool dials size connections eagerly so that a misconfigured database
// surfaces at mount time, not on first use.
func NewPool(ctx context.Context, size int, dial DialFunc) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}

	p := &Pool{
		dial:  dial,
		slots: make(chan Conn, size),
	}

	conns := make([]Conn, size)
	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < size; i++ {
		group.Go(func() error {
			c, err := dial(groupCtx)
			if err != nil {
				return err
			}
			conns[i] = c
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		for _, c := range conns {
			if c != nil {
				_ = c.Close(ctx)
			}
		}
		return nil, fmt.Errorf("dialing connection pool: %w", err)
	}

	for _, c := range conns {
		p.slots <- c
	}
	return p, nil
}

// Acquire returns a healthy connection, blocking while the pool is empty.
func (p *Pool) Acquire(ctx context.Context) (Conn, error) {
	var c Conn
	select {
	case c = <-p.slots:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if c != nil && !c.IsClosed() {
		return c, nil
	}

	// The slot's previous owner broke its connection. Dial a replacement; on
	// failure the empty slot goes back so the pool keeps its size.
	fresh, err := p.dial(ctx)
	if err != nil {
		p.slots <- nil
		return nil, fmt.Errorf("redialing broken connection: %w", err)
	}
	return fresh, nil
}

// Release returns a connection acquired from this pool. A connection that
// errored during its transaction must be flagged broken: it is closed here
// and replaced lazily. Releasing the same connection twice is a programming
// fault.
func (p *Pool) Release(ctx context.Context, c Conn, broken bool) {
	if broken || c.IsClosed() {
		if err := c.Close(ctx); err != nil {
			logger.Errorf("closing broken connection: %v", err)
		}
		c = nil
	}
	select {
	case p.slots <- c:
	default:
		panic("store: connection released into a full pool")
	}
}

// Close tears down all idle connections. Callers must have released
// everything first.
func (p *Pool) Close(ctx context.Context) {
	for {
		select {
		case c := <-p.slots:
			if c != nil {
				_ = c.Close(ctx)
			}
		default:
			return
		}
	}
}
