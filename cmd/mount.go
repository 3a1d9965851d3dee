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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/winfsp/cgofuse/fuse"

	"github.com/tml/pgfuse/cfg"
	"github.com/tml/pgfuse/internal/fs"
	"github.com/tml/pgfuse/internal/logger"
	"github.com/tml/pgfuse/internal/monitor"
	"github.com/tml/pgfuse/internal/mount"
	"github.com/tml/pgfuse/internal/perms"
	"github.com/tml/pgfuse/internal/store"
)

// runMount performs preflight against the database, builds the server and
// blocks until the file system is unmounted.
func runMount(conninfo string, mountPoint string, c *cfg.Config) error {
	// Fold the traditional "-o" options into the config; anything this file
	// system does not consume itself goes to the FUSE layer untouched.
	parsed := make(map[string]string)
	for _, o := range c.FuseOptions {
		mount.ParseOptions(parsed, o)
	}
	opts, passthrough, err := mount.ExtractOptions(parsed)
	if err != nil {
		return err
	}
	if opts.ReadOnly {
		c.ReadOnly = true
	}
	if opts.BlockSize != 0 {
		c.BlockSize = opts.BlockSize
	}

	severity := c.Logging.Severity
	if c.Verbose && severity.Rank() > cfg.TraceLogSeverity.Rank() {
		severity = cfg.TraceLogSeverity
	}
	err = logger.Init(logger.Config{
		FilePath:          c.Logging.FilePath,
		Format:            c.Logging.Format,
		Severity:          string(severity),
		RotateMaxSizeMB:   c.Logging.LogRotate.MaxFileSizeMb,
		RotateBackupCount: c.Logging.LogRotate.BackupFileCount,
		RotateCompress:    c.Logging.LogRotate.Compress,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()

	// Verify timestamp storage and the block size on a throwaway connection
	// before anything mounts.
	blockSize, err := store.Preflight(ctx, conninfo, c.BlockSize)
	if err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	// If invoked as root, everything in the mount will be owned by root,
	// which is rarely what the user wants.
	if uid, _, err := perms.MyUserAndGroup(); err == nil && uid == 0 {
		fmt.Fprintln(os.Stdout, `
WARNING: pgfuse invoked as root. New files will be owned by root. If this is
not what you intended, invoke pgfuse as the user that will be interacting
with the file system.`)
	}

	poolSize := c.PoolSize
	if c.SingleThreaded {
		// One shared connection; acquire and release degenerate to channel
		// operations that never contend.
		poolSize = 1
	}
	pool, err := store.NewPool(ctx, poolSize, store.DialPostgres(conninfo))
	if err != nil {
		return err
	}
	defer pool.Close(ctx)

	metrics := monitor.NewNoop()
	if c.Metrics.Port != 0 {
		registry := prometheus.NewRegistry()
		metrics = monitor.NewPrometheus(registry)
		srv := monitor.StartServer(c.Metrics.Port, registry)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Infof("Serving metrics on localhost:%d", c.Metrics.Port)
	}

	server, err := fs.NewServer(&fs.ServerConfig{
		Store:      store.NewPostgresStore(pool),
		BlockSize:  blockSize,
		ReadOnly:   c.ReadOnly,
		MountPoint: mountPoint,
		Metrics:    metrics,
	})
	if err != nil {
		return fmt.Errorf("fs.NewServer: %w", err)
	}

	host := fuse.NewFileSystemHost(server)

	// use_ino makes the kernel report the database ids as inode numbers.
	args := []string{"-o", "fsname=pgfuse", "-o", "subtype=pgfuse", "-o", "use_ino"}
	if c.ReadOnly {
		args = append(args, "-o", "ro")
	}
	if c.SingleThreaded {
		args = append(args, "-s")
	}
	for _, o := range passthrough {
		args = append(args, "-o", o)
	}

	// Unmount on SIGINT/SIGTERM so the pool shuts down cleanly.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		s := <-sigCh
		logger.Infof("Received %v, unmounting %q", s, mountPoint)
		host.Unmount()
	}()

	logger.Infof("Mounting file system at %q (block size %d bytes)", mountPoint, blockSize)
	if !host.Mount(mountPoint, args) {
		return errors.New("mount failed; see FUSE output above")
	}
	return nil
}
