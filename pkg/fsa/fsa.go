package fsa

import (
	"context"
	"fmt"
	"sync"

	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

// DfInfo is the space report for a mounted medium
type DfInfo struct {
	TotalBytes int64
	UsedBytes  int64
	FreeBytes  int64

	// ReadOnly is set when the filesystem refuses writes; the worker
	// translates this into marking the medium FULL.
	ReadOnly bool
}

// Adapter abstracts the filesystem driver for one medium type.
//
// devPath is the OS path of the drive holding the medium (a tape
// device node, or the directory itself for the dir family); mountPath
// is where the medium's namespace is exposed.
type Adapter interface {
	// Mount exposes the medium at mountPath.
	Mount(ctx context.Context, devPath, mountPath string) error

	// Umount detaches the medium, flushing pending writes.
	Umount(ctx context.Context, devPath, mountPath string) error

	// Format initializes the medium with an empty filesystem carrying
	// the given label.
	Format(ctx context.Context, devPath, label string) error

	// Df reports space usage for a mounted medium.
	Df(ctx context.Context, mountPath string) (DfInfo, error)

	// Mounted reports whether the medium is currently mounted at
	// mountPath.
	Mounted(ctx context.Context, mountPath string) (bool, error)

	// GetLabel returns the volume label of a mounted medium.
	GetLabel(ctx context.Context, mountPath string) (string, error)

	// Sync flushes the medium's write cache to stable storage.
	Sync(ctx context.Context, mountPath string) error
}

// Constructor builds an adapter from its options
type Constructor func(opts Options) Adapter

// Options carries adapter tunables taken from the configuration
type Options struct {
	// CmdMount overrides the LTFS mount command line.
	CmdMount string
}

var (
	registryMu sync.RWMutex
	registry   = make(map[types.FsType]Constructor)
)

// Register binds a constructor to a filesystem type. Called from
// adapter init functions.
func Register(fsType types.FsType, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[fsType] = ctor
}

// New builds the adapter for a filesystem type, ENODEV when no driver
// is registered for it.
func New(fsType types.FsType, opts Options) (Adapter, error) {
	registryMu.RLock()
	ctor, ok := registry[fsType]
	registryMu.RUnlock()
	if !ok {
		return nil, xerr.Wrapf(xerr.ENODEV, "no filesystem adapter for %s", fsType)
	}
	return ctor(opts), nil
}

// MustNew is New for statically known types; it panics on unknown ones
func MustNew(fsType types.FsType, opts Options) Adapter {
	a, err := New(fsType, opts)
	if err != nil {
		panic(fmt.Sprintf("fsa: %v", err))
	}
	return a
}
