// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

// lanternview-fetch drives the codec bridge from the command line:
// it spawns a supervised codec host, fetches each named image through
// it, and prints the decoded geometry and a pixel digest in place of
// the viewer's GPU upload. It exists for operating and debugging the
// bridge without the viewer.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/lanternview/lanternview/lib/clock"
	"github.com/lanternview/lanternview/lib/config"
	"github.com/lanternview/lanternview/lib/process"
	"github.com/lanternview/lanternview/lib/wire"
	"github.com/lanternview/lanternview/supervisor"
	"github.com/lanternview/lanternview/transfer"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath      string
		codecHostBinary string
		verbose         bool
	)
	pflag.StringVar(&configPath, "config", "", "configuration file (default $LANTERNVIEW_CONFIG)")
	pflag.StringVar(&codecHostBinary, "codec-host", "", "codec host binary (overrides the config file)")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	pflag.Parse()

	paths := pflag.Args()
	if len(paths) == 0 {
		return fmt.Errorf("usage: lanternview-fetch [flags] image...")
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if codecHostBinary != "" {
		cfg.CodecHostBinary = codecHostBinary
	}
	if cfg.CodecHostBinary == "" {
		// Default to the host binary installed next to this one.
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("no codec host binary configured and none found: %w", err)
		}
		cfg.CodecHostBinary = filepath.Join(filepath.Dir(self), "lanternview-codec-host")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	blacklist, err := supervisor.NewBlacklist(
		cfg.RestartAttempts, filepath.Join(cfg.StateDir, "blacklist.cbor"), clock.Real())
	if err != nil {
		// A corrupt journal starts clean; everything else is fatal.
		if blacklist == nil {
			return err
		}
		logger.Warn("blacklist journal discarded", "error", err)
	}

	sup := supervisor.New(supervisor.Options{
		Binary:          cfg.CodecHostBinary,
		Plugins:         cfg.Plugins,
		RequestTimeout:  cfg.RequestTimeout.Std(),
		ShutdownGrace:   cfg.ShutdownGrace.Std(),
		RestartAttempts: cfg.RestartAttempts,
		Logger:          logger,
	}, blacklist)
	if err := sup.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace.Std()+cfg.RequestTimeout.Std())
		defer cancel()
		sup.Shutdown(shutdownCtx)
	}()

	orchestrator := transfer.New(sup, digestUploader{}, int64(cfg.MaxInFlight), logger)

	group, ctx := errgroup.WithContext(ctx)
	for _, path := range paths {
		path := path
		group.Go(func() error {
			image, err := orchestrator.Fetch(ctx, path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			logger.Info("fetched", "path", path,
				"width", image.Width, "height", image.Height,
				"stride", image.AlignedStride, "format", image.Format)
			return nil
		})
	}
	return group.Wait()
}

// digestUploader stands in for the GPU upload: it prints geometry and
// a BLAKE3 digest of the mapped pixels so runs are comparable.
type digestUploader struct{}

func (digestUploader) Upload(pixels []byte, width, height, alignedStride uint32, format wire.PixelFormat) error {
	sum := blake3.Sum256(pixels)
	fmt.Printf("%dx%d stride=%d format=%s pixels=blake3:%x\n",
		width, height, alignedStride, format, sum)
	return nil
}
