package lrs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeworks/shelf/pkg/config"
	"github.com/tapeworks/shelf/pkg/dss"
	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

// TestLockRecovery covers the startup reconciliation: stale locks of
// this host's dead predecessor are released, other hosts' locks on
// live media are kept, orphaned locks go away unconditionally.
func TestLockRecovery(t *testing.T) {
	f := newSchedFixture(t, "fifo", nil)
	f.addDevice("drv0")

	// four live media
	var media [4]*types.Medium
	for i, name := range []string{"dir0", "dir1", "dir2", "dir3"} {
		media[i] = f.addMedium(name)
	}

	// locks stamped by another host, through a second gateway on the
	// same database
	other, err := dss.Open(config.DSSConfig{Driver: "sqlite", Path: filepath.Join(f.root, "dss.db")}, "otherhost")
	require.NoError(t, err)
	defer other.Close()

	stalePID := 999999
	require.NoError(t, f.dssc.Lock(types.LockMedia, media[0].ID, stalePID))
	require.NoError(t, f.dssc.Lock(types.LockMediaUpdate, media[1].ID, stalePID))
	require.NoError(t, other.Lock(types.LockMedia, media[2].ID, stalePID))
	require.NoError(t, other.Lock(types.LockMediaUpdate, media[3].ID, stalePID))

	// an orphan: a lock on a medium that no longer exists
	require.NoError(t, other.Lock(types.LockMedia, "/gone/away", stalePID))

	f.start()

	// this host's stale locks are gone
	_, err = f.dssc.GetLock(types.LockMedia, media[0].ID)
	assert.ErrorIs(t, err, xerr.ENOENT)
	_, err = f.dssc.GetLock(types.LockMediaUpdate, media[1].ID)
	assert.ErrorIs(t, err, xerr.ENOENT)

	// the other host's locks on live media are untouched
	lock, err := f.dssc.GetLock(types.LockMedia, media[2].ID)
	require.NoError(t, err)
	assert.Equal(t, "otherhost", lock.Hostname)
	lock, err = f.dssc.GetLock(types.LockMediaUpdate, media[3].ID)
	require.NoError(t, err)
	assert.Equal(t, "otherhost", lock.Hostname)

	// the orphan is gone regardless of owner
	_, err = f.dssc.GetLock(types.LockMedia, "/gone/away")
	assert.ErrorIs(t, err, xerr.ENOENT)
}

// TestLockRecoveryStaleDeviceLock ensures a predecessor's device lock
// does not block the new daemon from claiming the drive.
func TestLockRecoveryStaleDeviceLock(t *testing.T) {
	f := newSchedFixture(t, "fifo", nil)
	f.addDevice("drv0")
	require.NoError(t, f.dssc.Lock(types.LockDevice, "drv0", 999999))

	f.start()

	// the scheduler owns the device now
	lock, err := f.dssc.GetLock(types.LockDevice, "drv0")
	require.NoError(t, err)
	assert.Equal(t, "testhost", lock.Hostname)
	assert.Len(t, f.sched.workerSnapshot(), 1)
}

// TestRecoveryKeepsSiblingSchedulerLocks simulates a second family's
// scheduler in the same process: its locks carry the current pid and
// must survive reconciliation.
func TestRecoveryKeepsSiblingSchedulerLocks(t *testing.T) {
	f := newSchedFixture(t, "fifo", nil)
	f.addDevice("drv0")
	med := f.addMedium("dir0")

	f.build()
	require.NoError(t, f.dssc.Lock(types.LockMedia, med.ID, f.sched.pid))

	require.NoError(t, f.sched.recoverLocks())

	lock, err := f.dssc.GetLock(types.LockMedia, med.ID)
	require.NoError(t, err)
	assert.Equal(t, f.sched.pid, lock.OwnerPID)
}
