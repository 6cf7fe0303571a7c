// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

// lanternview-codec-host is the isolated decoding process. It is not
// started by hand: the viewer's supervisor spawns it with the control
// connection already open on file descriptor 3 and kills it when the
// viewer exits. Logs go to stderr, which the supervisor inherits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/lanternview/lanternview/codechost"
	"github.com/lanternview/lanternview/lib/process"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// The supervisor passes the control socket as the first file after
	// stdio. Running the binary any other way fails here.
	file := os.NewFile(3, "control")
	conn, err := net.FileConn(file)
	if err != nil {
		return fmt.Errorf("control connection on fd 3 (run under the viewer's supervisor): %w", err)
	}
	file.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	host := codechost.New(conn, codechost.NewRegistry(), logger)
	logger.Info("codec host started", "pid", os.Getpid())
	if err := host.Run(ctx); err != nil {
		return fmt.Errorf("serving control connection: %w", err)
	}
	logger.Info("codec host exiting")
	return nil
}
