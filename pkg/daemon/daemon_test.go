package daemon

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeworks/shelf/pkg/config"
	"github.com/tapeworks/shelf/pkg/dss"
	"github.com/tapeworks/shelf/pkg/library"
	"github.com/tapeworks/shelf/pkg/log"
	"github.com/tapeworks/shelf/pkg/protocol"
	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// daemonFixture seeds a dir-family world and runs a full daemon on a
// unix socket.
type daemonFixture struct {
	t       *testing.T
	root    string
	cfg     *config.Config
	medium  string
	pidfile string
	cancel  context.CancelFunc
	runErr  chan error
}

func newDaemonFixture(t *testing.T) *daemonFixture {
	t.Helper()
	root := t.TempDir()

	cfg := &config.Config{
		LRS: config.LRSConfig{
			LockFile:    filepath.Join(root, "shelfd.lock"),
			MountPrefix: filepath.Join(root, "mnt") + string(os.PathSeparator),
			Families:    []string{"dir"},
		},
		Listen: config.ListenConfig{Path: filepath.Join(root, "lrs.sock")},
		DSS:    config.DSSConfig{Driver: "sqlite", Path: filepath.Join(root, "dss.db")},
		IOSched: map[string]config.IOSchedConfig{
			"dir": {DispatchAlgo: "fifo", MaxDispatchDelayMS: 1000},
		},
		Sync: map[string]config.SyncConfig{
			"dir": {TimeMS: 20, NbReq: 1},
		},
		SCSI: config.SCSIConfig{
			RetryCount: 1, RetryShortMS: 1, RetryLongMS: 1,
			QueryTimeoutMS: 200, MoveTimeoutMS: 2000,
		},
		LibDummy: config.LibDummyConfig{Path: filepath.Join(root, "library.db")},
	}

	f := &daemonFixture{
		t:       t,
		root:    root,
		cfg:     cfg,
		pidfile: filepath.Join(root, "shelfd.pid"),
		runErr:  make(chan error, 1),
	}
	f.seed()
	return f
}

// seed registers one drive and one formatted dir medium
func (f *daemonFixture) seed() {
	f.t.Helper()
	hostname, err := os.Hostname()
	require.NoError(f.t, err)

	dssc, err := dss.Open(f.cfg.DSS, shortHostname(hostname))
	require.NoError(f.t, err)
	require.NoError(f.t, dssc.AddDevice(&types.Device{
		ID:        "drv0",
		Family:    types.FamilyDir,
		Model:     "virtual",
		Path:      filepath.Join(f.root, "drv0"),
		Host:      shortHostname(hostname),
		AdmStatus: types.AdmStatusUnlocked,
	}))

	dir := filepath.Join(f.root, "media", "dir0")
	require.NoError(f.t, os.MkdirAll(dir, 0o755))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, ".shelf_label"), []byte("dir0\n"), 0o644))
	med := &types.Medium{
		ID:        dir,
		Family:    types.FamilyDir,
		Model:     "dir",
		AdmStatus: types.AdmStatusUnlocked,
		FsType:    types.FsTypePosix,
		AddrType:  types.AddrTypePath,
		FsStatus:  types.FsStatusEmpty,
	}
	med.Stats.PhysSpcFree = 1 << 30
	require.NoError(f.t, dssc.AddMedium(med))
	require.NoError(f.t, dssc.Close())
	f.medium = dir

	lib, err := library.NewDummy(f.cfg.LibDummy.Path)
	require.NoError(f.t, err)
	require.NoError(f.t, lib.Open(context.Background()))
	_, err = lib.EnsureDrive("drv0")
	require.NoError(f.t, err)
	_, err = lib.EnsureMedium(dir)
	require.NoError(f.t, err)
	require.NoError(f.t, lib.Close())
}

// run starts the daemon and waits for the socket to appear
func (f *daemonFixture) run() {
	f.t.Helper()
	d, err := New(f.cfg, "test", f.pidfile)
	require.NoError(f.t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.runErr <- d.Run(ctx) }()

	require.Eventually(f.t, func() bool {
		conn, err := net.Dial("unix", f.cfg.Listen.Path)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 10*time.Second, 20*time.Millisecond, "daemon did not come up")

	f.t.Cleanup(func() {
		cancel()
		select {
		case <-f.runErr:
		case <-time.After(15 * time.Second):
			f.t.Error("daemon did not exit")
		}
	})
}

// stop signals the daemon and returns its exit error
func (f *daemonFixture) stop() error {
	f.t.Helper()
	f.cancel()
	select {
	case err := <-f.runErr:
		f.runErr <- err // keep the cleanup drain happy
		return err
	case <-time.After(15 * time.Second):
		f.t.Fatal("daemon did not exit")
		return nil
	}
}

func (f *daemonFixture) dial() net.Conn {
	f.t.Helper()
	conn, err := net.Dial("unix", f.cfg.Listen.Path)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, msg *protocol.Message) *protocol.Message {
	t.Helper()
	require.NoError(t, protocol.WriteMessage(conn, msg))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	return resp
}

func TestDaemonPing(t *testing.T) {
	f := newDaemonFixture(t)
	f.run()

	conn := f.dial()
	resp := roundTrip(t, conn, &protocol.Message{
		ReqID: 1, Kind: protocol.KindPing, Body: &protocol.PingRequest{},
	})
	body, ok := resp.Body.(*protocol.PingResponse)
	require.True(t, ok, "expected ping response, got %T", resp.Body)
	assert.Equal(t, "test", body.Version)
}

func TestDaemonWriteReleaseCycle(t *testing.T) {
	f := newDaemonFixture(t)
	f.run()

	conn := f.dial()

	resp := roundTrip(t, conn, &protocol.Message{
		ReqID: 1, Kind: protocol.KindWriteAlloc,
		Body: &protocol.WriteAllocRequest{Family: "dir", Sizes: []int64{4096}},
	})
	alloc, ok := resp.Body.(*protocol.AllocResponse)
	require.True(t, ok, "expected alloc response, got %T", resp.Body)
	require.Len(t, alloc.Media, 1)
	assert.Equal(t, f.medium, alloc.Media[0].MediumID)
	assert.NotEmpty(t, alloc.Media[0].RootPath)

	resp = roundTrip(t, conn, &protocol.Message{
		ReqID: 2, Kind: protocol.KindRelease,
		Body: &protocol.ReleaseRequest{
			Family: "dir",
			Media:  []protocol.MediumRelease{{MediumID: f.medium, SizeWritten: 4096, NbExtents: 1, ToSync: true}},
		},
	})
	rel, ok := resp.Body.(*protocol.ReleaseResponse)
	require.True(t, ok, "expected release response, got %T", resp.Body)
	assert.Equal(t, []string{f.medium}, rel.MediaIDs)
}

func TestDaemonCleanShutdownRemovesFiles(t *testing.T) {
	f := newDaemonFixture(t)
	f.run()

	require.NoError(t, f.stop())

	_, err := os.Stat(f.cfg.LRS.LockFile)
	assert.True(t, os.IsNotExist(err), "lockfile must be removed on clean exit")
	_, err = os.Stat(f.pidfile)
	assert.True(t, os.IsNotExist(err), "pidfile must be removed on clean exit")
}

func TestDaemonDuplicateStart(t *testing.T) {
	f := newDaemonFixture(t)
	f.run()

	second, err := New(f.cfg, "test", "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = second.Run(ctx)
	assert.True(t, errors.Is(err, xerr.EEXIST), "duplicate start must fail with EEXIST, got %v", err)
}

func TestDaemonVersionMismatchFrame(t *testing.T) {
	f := newDaemonFixture(t)
	f.run()

	conn := f.dial()

	// handcraft a frame with a bad version byte
	raw := []byte{0x7f, 0, 0, 0, 0}
	_, err := conn.Write(raw)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	body, ok := resp.Body.(*protocol.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, xerr.EPROTONOSUPPORT, xerr.FromWire(body.Rc))

	// the connection stays open for a correct retry
	resp = roundTrip(t, conn, &protocol.Message{
		ReqID: 5, Kind: protocol.KindPing, Body: &protocol.PingRequest{},
	})
	_, ok = resp.Body.(*protocol.PingResponse)
	assert.True(t, ok)
}

func TestLockfileReleaseIdempotent(t *testing.T) {
	root := t.TempDir()
	lock, err := AcquireLockfile(filepath.Join(root, "x.lock"))
	require.NoError(t, err)
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
}

func TestLockfileMissingDirectory(t *testing.T) {
	_, err := AcquireLockfile(filepath.Join(t.TempDir(), "no", "such", "dir", "x.lock"))
	assert.True(t, errors.Is(err, xerr.EINVAL))
}
