package fsa

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

const (
	defaultLTFSMount  = "ltfs"
	defaultLTFSFormat = "mkltfs"
	defaultLTFSUmount = "fusermount"
)

func init() {
	Register(types.FsTypeLTFS, func(opts Options) Adapter {
		cmd := opts.CmdMount
		if cmd == "" {
			cmd = defaultLTFSMount
		}
		return &ltfsAdapter{cmdMount: cmd}
	})
}

// ltfsAdapter drives LTFS-formatted cartridges through the platform
// LTFS tooling. The mount command is overridable from configuration,
// which the test suite uses to script failures.
type ltfsAdapter struct {
	cmdMount string
}

func (a *ltfsAdapter) run(ctx context.Context, name string, args ...string) error {
	// the override may carry leading arguments of its own
	fields := strings.Fields(name)
	fields = append(fields, args...)

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		if ctx.Err() != nil {
			return xerr.Wrapf(xerr.ETIMEDOUT, "%s: %s", fields[0], msg)
		}
		return xerr.Wrapf(xerr.EIO, "%s: %s", fields[0], msg)
	}
	return nil
}

func (a *ltfsAdapter) Mount(ctx context.Context, devPath, mountPath string) error {
	if err := os.MkdirAll(mountPath, 0o755); err != nil {
		return xerr.Wrap(xerr.EIO, fmt.Errorf("failed to create mount point: %w", err))
	}
	return a.run(ctx, a.cmdMount, "-o", "devname="+devPath, mountPath)
}

func (a *ltfsAdapter) Umount(ctx context.Context, devPath, mountPath string) error {
	if err := a.run(ctx, defaultLTFSUmount, "-u", mountPath); err != nil {
		return err
	}
	if err := os.Remove(mountPath); err != nil && !os.IsNotExist(err) {
		return xerr.Wrap(xerr.EIO, err)
	}
	return nil
}

func (a *ltfsAdapter) Format(ctx context.Context, devPath, label string) error {
	return a.run(ctx, defaultLTFSFormat, "-d", devPath, "-n", label, "-f")
}

func (a *ltfsAdapter) Df(ctx context.Context, mountPath string) (DfInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(mountPath, &st); err != nil {
		return DfInfo{}, xerr.Wrap(xerr.EIO, fmt.Errorf("statfs %s: %w", mountPath, err))
	}
	bsize := int64(st.Bsize)
	total := int64(st.Blocks) * bsize
	return DfInfo{
		TotalBytes: total,
		UsedBytes:  total - int64(st.Bfree)*bsize,
		FreeBytes:  int64(st.Bavail) * bsize,
		ReadOnly:   st.Flags&unix.ST_RDONLY != 0,
	}, nil
}

func (a *ltfsAdapter) Mounted(ctx context.Context, mountPath string) (bool, error) {
	// an LTFS mount point and its parent live on different filesystems
	var st, parent unix.Statfs_t
	if err := unix.Statfs(mountPath, &st); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, xerr.Wrap(xerr.EIO, err)
	}
	if err := unix.Statfs(mountPath+"/..", &parent); err != nil {
		return false, xerr.Wrap(xerr.EIO, err)
	}
	return st.Fsid != parent.Fsid, nil
}

func (a *ltfsAdapter) GetLabel(ctx context.Context, mountPath string) (string, error) {
	buf := make([]byte, 256)
	n, err := unix.Getxattr(mountPath, "user.ltfs.volumeName", buf)
	if err != nil {
		return "", xerr.Wrap(xerr.EIO, fmt.Errorf("volume name xattr: %w", err))
	}
	return strings.TrimSpace(string(buf[:n])), nil
}

func (a *ltfsAdapter) Sync(ctx context.Context, mountPath string) error {
	// LTFS flushes the index and write cache on this xattr trigger
	if err := unix.Setxattr(mountPath, "user.ltfs.sync", []byte("1"), 0); err != nil {
		return xerr.Wrap(xerr.EIO, fmt.Errorf("ltfs sync: %w", err))
	}
	return nil
}
