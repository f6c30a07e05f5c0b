package fsa

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

// labelFile holds the volume label at the root of a POSIX medium
const labelFile = ".shelf_label"

func init() {
	Register(types.FsTypePosix, func(opts Options) Adapter {
		return &posixAdapter{}
	})
}

// posixAdapter serves dir-family media: the medium is a directory and
// "mounting" exposes it through a symlink at the mount path.
type posixAdapter struct{}

func (a *posixAdapter) Mount(ctx context.Context, devPath, mountPath string) error {
	info, err := os.Stat(devPath)
	if err != nil {
		return xerr.Wrap(xerr.ENOMEDIUM, fmt.Errorf("medium directory: %w", err))
	}
	if !info.IsDir() {
		return xerr.Wrapf(xerr.ENOMEDIUM, "%s is not a directory", devPath)
	}
	if err := os.MkdirAll(filepath.Dir(mountPath), 0o755); err != nil {
		return fmt.Errorf("failed to create mount root: %w", err)
	}
	// remount over a stale link from a previous run
	_ = os.Remove(mountPath)
	if err := os.Symlink(devPath, mountPath); err != nil {
		return xerr.Wrap(xerr.EIO, fmt.Errorf("failed to expose medium: %w", err))
	}
	return nil
}

func (a *posixAdapter) Umount(ctx context.Context, devPath, mountPath string) error {
	if err := os.Remove(mountPath); err != nil && !os.IsNotExist(err) {
		return xerr.Wrap(xerr.EIO, fmt.Errorf("failed to remove mount link: %w", err))
	}
	return nil
}

func (a *posixAdapter) Format(ctx context.Context, devPath, label string) error {
	if err := os.MkdirAll(devPath, 0o755); err != nil {
		return xerr.Wrap(xerr.EIO, fmt.Errorf("failed to create medium directory: %w", err))
	}
	entries, err := os.ReadDir(devPath)
	if err != nil {
		return xerr.Wrap(xerr.EIO, err)
	}
	for _, e := range entries {
		if e.Name() != labelFile {
			return xerr.Wrapf(xerr.EEXIST, "medium %s is not empty", devPath)
		}
	}
	if err := os.WriteFile(filepath.Join(devPath, labelFile), []byte(label+"\n"), 0o644); err != nil {
		return xerr.Wrap(xerr.EIO, fmt.Errorf("failed to write label: %w", err))
	}
	return nil
}

func (a *posixAdapter) Df(ctx context.Context, mountPath string) (DfInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(mountPath, &st); err != nil {
		return DfInfo{}, xerr.Wrap(xerr.EIO, fmt.Errorf("statfs %s: %w", mountPath, err))
	}
	bsize := int64(st.Bsize)
	total := int64(st.Blocks) * bsize
	free := int64(st.Bavail) * bsize
	return DfInfo{
		TotalBytes: total,
		UsedBytes:  total - int64(st.Bfree)*bsize,
		FreeBytes:  free,
		ReadOnly:   st.Flags&unix.ST_RDONLY != 0,
	}, nil
}

func (a *posixAdapter) Mounted(ctx context.Context, mountPath string) (bool, error) {
	target, err := os.Readlink(mountPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		// a plain directory at the mount path is not ours
		if _, serr := os.Stat(mountPath); serr == nil {
			return false, nil
		}
		return false, xerr.Wrap(xerr.EIO, err)
	}
	return target != "", nil
}

func (a *posixAdapter) GetLabel(ctx context.Context, mountPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(mountPath, labelFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", xerr.Wrapf(xerr.ENOMEDIUM, "medium at %s carries no label", mountPath)
		}
		return "", xerr.Wrap(xerr.EIO, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (a *posixAdapter) Sync(ctx context.Context, mountPath string) error {
	// open the directory and fsync it so directory entries reach disk
	f, err := os.Open(mountPath)
	if err != nil {
		return xerr.Wrap(xerr.EIO, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return xerr.Wrap(xerr.EIO, fmt.Errorf("fsync %s: %w", mountPath, err))
	}
	return nil
}
