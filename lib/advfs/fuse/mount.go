// Package fuse binds an *advfs.Image to the host kernel via
// github.com/hanwen/go-fuse/v2, translating path-based FUSE callbacks
// into the core's path-keyed operations and mapping its sentinel
// errors to syscall.Errno at this boundary only.
package fuse

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/drpnd/advfs/lib/advfs"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// Image is the already-formatted in-memory filesystem to serve.
	Image *advfs.Image

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Mu serializes every operation against Image, which is not safe
	// for concurrent use (spec's single-threaded core, multi-threaded
	// FUSE dispatch loop). If nil, an internal mutex is created.
	Mu *sync.Mutex

	// Logger receives diagnostic messages. If nil, a text logger that
	// writes Error-level messages to stderr is used.
	Logger *slog.Logger
}

// Mount mounts the filesystem at the configured mountpoint. The
// caller must call Unmount on the returned Server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Image == nil {
		return nil, fmt.Errorf("image is required")
	}
	if options.Mu == nil {
		options.Mu = &sync.Mutex{}
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &fsNode{fs: &fsRoot{img: options.Image, mu: options.Mu, logger: options.Logger}}

	entryTimeout := time.Second
	attrTimeout := time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "advfs",
			Name:       "advfs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("advfs mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// fsRoot holds the state shared by every fsNode in the tree.
type fsRoot struct {
	img    *advfs.Image
	mu     *sync.Mutex
	logger *slog.Logger
}
