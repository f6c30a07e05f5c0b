package lrs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tapeworks/shelf/pkg/config"
	"github.com/tapeworks/shelf/pkg/dss"
	"github.com/tapeworks/shelf/pkg/fsa"
	"github.com/tapeworks/shelf/pkg/library"
	"github.com/tapeworks/shelf/pkg/log"
	"github.com/tapeworks/shelf/pkg/protocol"
	"github.com/tapeworks/shelf/pkg/retry"
	"github.com/tapeworks/shelf/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// fakeSink collects responses delivered to one client
type fakeSink struct {
	mu     sync.Mutex
	msgs   []*protocol.Message
	closed bool
	ch     chan *protocol.Message
}

func newFakeSink() *fakeSink {
	return &fakeSink{ch: make(chan *protocol.Message, 16)}
}

func (s *fakeSink) Send(msg *protocol.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	s.ch <- msg
	return nil
}

func (s *fakeSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSink) wait(t *testing.T, timeout time.Duration) *protocol.Message {
	t.Helper()
	select {
	case msg := <-s.ch:
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for response")
		return nil
	}
}

// fakeHooks captures the worker-to-scheduler traffic
type fakeHooks struct {
	mu       sync.Mutex
	emitted  []*Response
	retries  []*SubRequest
	finished []*SubRequest
	shutdown bool
	emitCh   chan *Response
	retryCh  chan *SubRequest
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{
		emitCh:  make(chan *Response, 16),
		retryCh: make(chan *SubRequest, 16),
	}
}

func (h *fakeHooks) PushRetry(sub *SubRequest) {
	h.mu.Lock()
	h.retries = append(h.retries, sub)
	h.mu.Unlock()
	h.retryCh <- sub
}

func (h *fakeHooks) Emit(resp *Response) {
	h.mu.Lock()
	h.emitted = append(h.emitted, resp)
	h.mu.Unlock()
	h.emitCh <- resp
	if resp.Sink != nil {
		_ = resp.Sink.Send(resp.Msg)
	}
}

func (h *fakeHooks) SubFinished(sub *SubRequest) {
	h.mu.Lock()
	h.finished = append(h.finished, sub)
	h.mu.Unlock()
}

func (h *fakeHooks) ShuttingDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shutdown
}

func (h *fakeHooks) waitEmit(t *testing.T, timeout time.Duration) *Response {
	t.Helper()
	select {
	case resp := <-h.emitCh:
		return resp
	case <-time.After(timeout):
		t.Fatal("timed out waiting for emitted response")
		return nil
	}
}

func (h *fakeHooks) waitRetry(t *testing.T, timeout time.Duration) *SubRequest {
	t.Helper()
	select {
	case sub := <-h.retryCh:
		return sub
	case <-time.After(timeout):
		t.Fatal("timed out waiting for retried sub-request")
		return nil
	}
}

// workerFixture assembles a dir-family device worker on real adapters:
// posix filesystem on a temp dir, dummy library, in-memory DSS.
type workerFixture struct {
	t      *testing.T
	root   string
	dssc   *dss.Client
	lib    *library.DummyLibrary
	hooks  *fakeHooks
	worker *DeviceWorker
	pid    int
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	root := t.TempDir()

	dssc, err := dss.OpenMemory("testhost")
	require.NoError(t, err)
	t.Cleanup(func() { _ = dssc.Close() })

	lib, err := library.NewDummy(filepath.Join(root, "library.db"))
	require.NoError(t, err)
	require.NoError(t, lib.Open(context.Background()))
	t.Cleanup(func() { _ = lib.Close() })

	f := &workerFixture{
		t:     t,
		root:  root,
		dssc:  dssc,
		lib:   lib,
		hooks: newFakeHooks(),
		pid:   4242,
	}

	dev := &types.Device{
		ID:        "drv0",
		Family:    types.FamilyDir,
		Model:     "virtual",
		Path:      filepath.Join(root, "drive0"),
		Host:      "testhost",
		AdmStatus: types.AdmStatusUnlocked,
		OpStatus:  types.OpStatusEmpty,
	}
	require.NoError(t, dssc.AddDevice(dev))
	_, err = lib.EnsureDrive("drv0")
	require.NoError(t, err)

	env := WorkerEnv{
		Family:      types.FamilyDir,
		DSS:         dssc,
		Lib:         lib,
		FsaOpts:     fsa.Options{},
		MountPrefix: filepath.Join(root, "mnt") + string(os.PathSeparator),
		Sync:        config.SyncConfig{TimeMS: 50, NbReq: 2, WsizeKB: 1 << 20},
		Retry:       retry.Policy{Count: 1, ShortDelay: time.Millisecond, LongDelay: time.Millisecond},
		MoveTimeout: time.Second,
		PID:         f.pid,
		Hooks:       f.hooks,
	}
	f.worker = NewDeviceWorker(env, dev)
	return f
}

// addMedium registers a formatted dir medium in DSS and library
func (f *workerFixture) addMedium(id string) *types.Medium {
	f.t.Helper()
	dir := filepath.Join(f.root, "media", id)
	require.NoError(f.t, os.MkdirAll(dir, 0o755))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, ".shelf_label"), []byte(id+"\n"), 0o644))

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
	require.NoError(f.t, f.dssc.AddMedium(med))
	_, err := f.lib.EnsureMedium(med.ID)
	require.NoError(f.t, err)
	return med
}

// blankMedium registers a medium whose directory does not exist yet
func (f *workerFixture) blankMedium(id string) *types.Medium {
	f.t.Helper()
	dir := filepath.Join(f.root, "media", id)

	med := &types.Medium{
		ID:        dir,
		Family:    types.FamilyDir,
		Model:     "dir",
		AdmStatus: types.AdmStatusUnlocked,
		FsType:    types.FsTypePosix,
		AddrType:  types.AddrTypePath,
		FsStatus:  types.FsStatusBlank,
	}
	med.Stats.PhysSpcFree = 1 << 30
	require.NoError(f.t, f.dssc.AddMedium(med))
	_, err := f.lib.EnsureMedium(med.ID)
	require.NoError(f.t, err)
	return med
}

// lockMedium takes the media lock the scheduler would hold at dispatch
func (f *workerFixture) lockMedium(med *types.Medium) {
	f.t.Helper()
	require.NoError(f.t, f.dssc.Lock(types.LockMedia, med.ID, f.pid))
}

func (f *workerFixture) start() {
	f.worker.Start()
	f.t.Cleanup(func() {
		f.worker.Stop(StopAdmin)
		_ = f.worker.TryJoin(time.Now().Add(2 * time.Second))
	})
}

// newAllocRequest builds a write or read request container
func newAllocRequest(kind types.RequestKind, sink ResponseSink) *Request {
	req := &Request{
		ID:      uuid.NewString(),
		ReqID:   1,
		Kind:    kind,
		Family:  types.FamilyDir,
		Sink:    sink,
		Arrival: time.Now(),
	}
	switch kind {
	case types.RequestWriteAlloc:
		req.Write = &protocol.WriteAllocRequest{Family: "dir", Sizes: []int64{4096}}
	case types.RequestReadAlloc:
		req.Read = &protocol.ReadAllocRequest{Family: "dir", NRequired: 1}
	}
	return req
}
