package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drpnd/advfs/lib/advfs"
	advfsfuse "github.com/drpnd/advfs/lib/advfs/fuse"
)

// version is set at build time via -ldflags; it is left as a plain
// string rather than a dedicated version package since this module
// carries a single binary with nothing else that needs it.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		showVersion bool
		mountpoint  string
		blocks      uint64
		allowOther  bool
		logLevel    string
	)
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.StringVar(&mountpoint, "mountpoint", "", "FUSE mount directory (required)")
	flag.Uint64Var(&blocks, "blocks", 10240, "total device size, in blocks")
	flag.BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount (requires user_allow_other in /etc/fuse.conf)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	if showVersion {
		fmt.Printf("advfs-mount %s\n", version)
		return nil
	}
	if mountpoint == "" {
		return fmt.Errorf("--mountpoint is required")
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	img := advfs.New(advfs.Options{
		Blocks: blocks,
		Now:    func() int64 { return time.Now().Unix() },
	})
	defer img.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := advfsfuse.Mount(advfsfuse.Options{
		Mountpoint: mountpoint,
		Image:      img,
		AllowOther: allowOther,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("mounting FUSE filesystem: %w", err)
	}
	defer func() {
		if err := server.Unmount(); err != nil {
			logger.Error("failed to unmount FUSE filesystem", "error", err)
		} else {
			logger.Info("FUSE filesystem unmounted", "mountpoint", mountpoint)
		}
	}()

	logger.Info("advfs running", "mountpoint", mountpoint, "blocks", blocks)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown --log-level %q", s)
	}
}
