package lrs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeworks/shelf/pkg/iosched"
	"github.com/tapeworks/shelf/pkg/protocol"
	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

// mountMedium drives the fixture worker until the medium is mounted
func mountMedium(t *testing.T, f *workerFixture, med *types.Medium) {
	t.Helper()
	sink := newFakeSink()
	req := newAllocRequest(types.RequestWriteAlloc, sink)
	sub := &SubRequest{Parent: req, Kind: iosched.KindWrite, Medium: med}
	req.AddSub(sub)
	require.NoError(t, f.worker.Submit(sub))
	f.hooks.waitEmit(t, 3*time.Second)
}

func releaseRequest(sink ResponseSink, media ...protocol.MediumRelease) *Request {
	req := &Request{
		ID:      "rel-1",
		ReqID:   5,
		Kind:    types.RequestRelease,
		Family:  types.FamilyDir,
		Sink:    sink,
		Arrival: time.Now(),
		Release: &protocol.ReleaseRequest{Family: "dir", Media: media},
	}
	req.InitRelease(len(media))
	return req
}

func TestSyncBatchFlushesOnCount(t *testing.T) {
	f := newWorkerFixture(t)
	med := f.addMedium("dir0")
	f.lockMedium(med)
	f.start()
	mountMedium(t, f, med)

	sink := newFakeSink()
	// threshold is nb_req=2: the first release alone must not flush
	req1 := releaseRequest(sink, protocol.MediumRelease{MediumID: med.ID, SizeWritten: 1024, NbExtents: 1, ToSync: true})
	f.worker.SubmitSync(req1, req1.Release.Media[0])

	req2 := releaseRequest(sink, protocol.MediumRelease{MediumID: med.ID, SizeWritten: 2048, NbExtents: 2, ToSync: true})
	f.worker.SubmitSync(req2, req2.Release.Media[0])

	// both releases are acknowledged after one flush
	first := f.hooks.waitEmit(t, 3*time.Second)
	second := f.hooks.waitEmit(t, 3*time.Second)
	for _, resp := range []*Response{first, second} {
		_, ok := resp.Msg.Body.(*protocol.ReleaseResponse)
		require.True(t, ok, "expected release response, got %T", resp.Msg.Body)
	}

	// stats advanced in one batch
	got, err := f.dssc.GetMedium(types.FamilyDir, med.ID)
	require.NoError(t, err)
	assert.Equal(t, types.FsStatusUsed, got.FsStatus)
	assert.Equal(t, int64(3), got.Stats.NbObj)
	assert.Equal(t, int64(3072), got.Stats.PhysSpcUsed)
	assert.Equal(t, int64(3072), got.Stats.LogcSpcUsed)
	assert.Equal(t, int64(1<<30)-3072, got.Stats.PhysSpcFree)
}

func TestSyncBatchFlushesOnAge(t *testing.T) {
	f := newWorkerFixture(t)
	med := f.addMedium("dir0")
	f.lockMedium(med)
	f.start()
	mountMedium(t, f, med)

	sink := newFakeSink()
	req := releaseRequest(sink, protocol.MediumRelease{MediumID: med.ID, SizeWritten: 512, NbExtents: 1, ToSync: true})
	f.worker.SubmitSync(req, req.Release.Media[0])

	// a single entry flushes once sync_time (50ms) elapses
	resp := f.hooks.waitEmit(t, 3*time.Second)
	_, ok := resp.Msg.Body.(*protocol.ReleaseResponse)
	require.True(t, ok)
}

func TestFullPropagation(t *testing.T) {
	f := newWorkerFixture(t)
	med := f.addMedium("dir0")
	med.Stats.PhysSpcFree = 1024
	require.NoError(t, f.dssc.UpdateMedium(med))
	f.lockMedium(med)
	f.start()
	mountMedium(t, f, med)

	sink := newFakeSink()
	req1 := releaseRequest(sink, protocol.MediumRelease{MediumID: med.ID, SizeWritten: 512, NbExtents: 1, ToSync: true})
	f.worker.SubmitSync(req1, req1.Release.Media[0])
	req2 := releaseRequest(sink, protocol.MediumRelease{MediumID: med.ID, SizeWritten: 512, NbExtents: 1, ToSync: true})
	f.worker.SubmitSync(req2, req2.Release.Media[0])

	f.hooks.waitEmit(t, 3*time.Second)
	f.hooks.waitEmit(t, 3*time.Second)

	// phys_spc_free reached zero: the medium must be FULL
	got, err := f.dssc.GetMedium(types.FamilyDir, med.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Stats.PhysSpcFree)
	assert.Equal(t, types.FsStatusFull, got.FsStatus)
}

func TestErrorReleaseForcesDrainWithoutStats(t *testing.T) {
	f := newWorkerFixture(t)
	med := f.addMedium("dir0")
	f.lockMedium(med)
	f.start()
	mountMedium(t, f, med)

	before, err := f.dssc.GetMedium(types.FamilyDir, med.ID)
	require.NoError(t, err)

	sink := newFakeSink()
	req := releaseRequest(sink, protocol.MediumRelease{
		MediumID: med.ID, Rc: xerr.EIO.Wire(), SizeWritten: 4096, NbExtents: 1, ToSync: true,
	})
	f.worker.SubmitSync(req, req.Release.Media[0])

	// the error forces the batch out immediately, as an error response
	resp := f.hooks.waitEmit(t, 3*time.Second)
	body, ok := resp.Msg.Body.(*protocol.ErrorResponse)
	require.True(t, ok, "expected error response, got %T", resp.Msg.Body)
	assert.Equal(t, xerr.EIO, xerr.FromWire(body.Rc))

	// no stats advanced, and the medium is quarantined
	got, err := f.dssc.GetMedium(types.FamilyDir, med.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Stats.LogcSpcUsed, got.Stats.LogcSpcUsed)
	assert.Equal(t, before.Stats.PhysSpcUsed, got.Stats.PhysSpcUsed)
	assert.Equal(t, types.AdmStatusFailed, got.AdmStatus)
}

func TestStoppingWorkerForcesPendingSyncOut(t *testing.T) {
	f := newWorkerFixture(t)
	// age and count thresholds far away
	f.worker.env.Sync.TimeMS = 60000
	f.worker.env.Sync.NbReq = 100
	med := f.addMedium("dir0")
	f.lockMedium(med)
	f.start()
	mountMedium(t, f, med)

	sink := newFakeSink()
	req := releaseRequest(sink, protocol.MediumRelease{MediumID: med.ID, SizeWritten: 64, NbExtents: 1, ToSync: true})
	f.worker.SubmitSync(req, req.Release.Media[0])

	f.worker.Stop(StopShutdown)

	resp := f.hooks.waitEmit(t, 3*time.Second)
	_, ok := resp.Msg.Body.(*protocol.ReleaseResponse)
	require.True(t, ok, "stop must flush the pending release")

	require.NoError(t, f.worker.TryJoin(time.Now().Add(2*time.Second)))
}

func TestScrubDropsAbortedReleases(t *testing.T) {
	f := newWorkerFixture(t)
	f.worker.env.Sync.TimeMS = 60000
	f.worker.env.Sync.NbReq = 100
	med := f.addMedium("dir0")
	f.lockMedium(med)
	f.start()
	mountMedium(t, f, med)

	sink := newFakeSink()
	req := releaseRequest(sink, protocol.MediumRelease{MediumID: med.ID, SizeWritten: 64, NbExtents: 1, ToSync: true})
	f.worker.SubmitSync(req, req.Release.Media[0])
	req.Abort(xerr.ECANCELED)

	// the aborted entry is scrubbed, leaving the worker idle
	require.Eventually(t, func() bool {
		return f.worker.IsIdle()
	}, 3*time.Second, 10*time.Millisecond)
}
