// Copyright 2025 The metanfs Authors. All Rights Reserved.
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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/timeutil"
	"github.com/metanfs/metanfs/cfg"
	"github.com/metanfs/metanfs/fsal"
	"github.com/metanfs/metanfs/fsal/memfs"
	"github.com/metanfs/metanfs/internal/admin"
	"github.com/metanfs/metanfs/internal/locker"
	"github.com/metanfs/metanfs/internal/logger"
	"github.com/metanfs/metanfs/internal/monitor"
	"github.com/metanfs/metanfs/mdc"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// chooseEntryHiWat derives a default entry limit from the process's open
// file limit when the config leaves it zero.
func chooseEntryHiWat() (limit int) {
	var rlimit unix.Rlimit
	err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit)
	if err != nil {
		const defaultLimit = 1 << 16
		logger.Warnf("failed to query RLIMIT_NOFILE; using default entry limit of %d", defaultLimit)
		return defaultLimit
	}

	// Heuristic: a couple of hundred entries per allowed descriptor, capped.
	limit64 := rlimit.Cur * 256
	const reasonableLimit = 1 << 22
	if limit64 > reasonableLimit {
		limit64 = reasonableLimit
	}

	return int(limit64)
}

func serve(config *cfg.Config) error {
	logger.Setup(os.Stderr, config.Logging.Format, string(config.Logging.Severity))

	if config.Debug.ExitOnInvariantViolation {
		locker.EnableInvariantsCheck()
	}
	if config.Debug.LogMutex {
		locker.EnableDebugMessages()
	}

	hiWat := config.MetadataCache.EntryHiWat
	if hiWat == 0 {
		hiWat = chooseEntryHiWat()
	}

	metrics := monitor.New(prometheus.DefaultRegisterer)

	cache := mdc.New(mdc.Config{
		Clock:         timeutil.RealClock(),
		Lanes:         config.MetadataCache.Lanes,
		HiWat:         hiWat,
		LoWat:         config.MetadataCache.EntryLoWat,
		ReaperPeriod:  config.MetadataCache.ReaperPeriod,
		AttrTTL:       config.MetadataCache.AttrTTL,
		AttrTTLJitter: config.MetadataCache.AttrTTLJitter,
		Metrics:       metrics,
	})

	backend := memfs.New(timeutil.RealClock())
	exp, err := cache.NewExport(backend, mdc.ExportConfig{})
	if err != nil {
		return fmt.Errorf("creating export: %v", err)
	}

	shutdownOpts := mdc.ShutdownOptions{
		DrainTimeout:    config.Shutdown.DrainTimeout,
		ListenerTimeout: config.Shutdown.ListenerTimeout,
		WorkerTimeout:   config.Shutdown.WorkerTimeout,
	}
	adm := admin.New(cache, shutdownOpts)

	logger.Infof("metanfs: cache up (%d lanes, hi-wat %d entries)", config.MetadataCache.Lanes, hiWat)

	// Exercise the stack once so a misconfigured deployment fails loudly.
	if err := smoke(exp); err != nil {
		return fmt.Errorf("smoke test: %v", err)
	}

	// Park until asked to stop.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if orderly := adm.Shutdown(); !orderly {
		logger.Errorf("metanfs: disorderly shutdown")
		return fmt.Errorf("disorderly shutdown")
	}

	logger.Infof("metanfs: shutdown complete")

	return nil
}

// smoke drives one create/lookup/readdir/unlink cycle through the cache.
func smoke(exp *mdc.Export) error {
	ctx := context.Background()

	root, err := exp.Root()
	if err != nil {
		return err
	}
	defer root.Release()

	child, _, err := root.Create(ctx, "probe", 0644)
	if err != nil {
		return err
	}
	child.Release()

	got, err := root.Lookup(ctx, "probe")
	if err != nil {
		return err
	}
	got.Release()

	var seen int
	if _, err := root.Readdir(ctx, 0, func(e fsal.DirEntry) bool {
		seen++
		return true
	}); err != nil {
		return err
	}
	if seen != 1 {
		return fmt.Errorf("expected 1 entry, saw %d", seen)
	}

	return root.Unlink(ctx, "probe")
}
