package lrs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapeworks/shelf/pkg/config"
	"github.com/tapeworks/shelf/pkg/dss"
	"github.com/tapeworks/shelf/pkg/fsa"
	"github.com/tapeworks/shelf/pkg/iosched"
	"github.com/tapeworks/shelf/pkg/library"
	"github.com/tapeworks/shelf/pkg/log"
	"github.com/tapeworks/shelf/pkg/metrics"
	"github.com/tapeworks/shelf/pkg/protocol"
	"github.com/tapeworks/shelf/pkg/retry"
	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

// ThreadState is the lifecycle state of a worker
type ThreadState int

const (
	ThreadRunning ThreadState = iota
	ThreadStopping
	ThreadStopped
)

// StopReason records why a worker was asked to stop
type StopReason int

const (
	StopNone StopReason = iota
	StopShutdown
	StopError
	StopAdmin
)

// wakeupFloor is the minimum sleep of the worker loop
const wakeupFloor = 10 * time.Millisecond

// idleWait bounds the worker sleep when nothing is scheduled
const idleWait = time.Second

// SchedHooks is the worker's narrow handle back into its scheduler.
// Workers never hold the scheduler itself; queues stay owned by one
// side only.
type SchedHooks interface {
	// PushRetry requeues a failed sub-request for another dispatch.
	PushRetry(sub *SubRequest)

	// Emit queues a response for transmission.
	Emit(resp *Response)

	// SubFinished reports a terminal sub-request so dispatch
	// accounting is released.
	SubFinished(sub *SubRequest)

	// ShuttingDown reports daemon-wide shutdown, which forces pending
	// syncs out.
	ShuttingDown() bool
}

// WorkerEnv bundles the collaborators of a device worker
type WorkerEnv struct {
	Family      types.Family
	DSS         *dss.Client
	Lib         library.Adapter
	FsaOpts     fsa.Options
	MountPrefix string
	Sync        config.SyncConfig
	Retry       retry.Policy
	MoveTimeout time.Duration
	PID         int
	Hooks       SchedHooks
}

// syncEntry is one pending release awaiting the next medium flush
type syncEntry struct {
	req      *Request
	rel      protocol.MediumRelease
	queuedAt time.Time
}

// DeviceWorker owns one drive: its state machine and every library,
// filesystem and DSS side-effect touching it. All device state is
// mutated by the worker goroutine; other threads publish into the
// pending slot, the sync list and the stop flag under the mutex, then
// signal.
type DeviceWorker struct {
	env    WorkerEnv
	dev    *types.Device
	logger zerolog.Logger

	// med is the loaded medium, owned by the worker goroutine.
	med *types.Medium

	mu      sync.Mutex
	state   ThreadState
	reason  StopReason
	pending *SubRequest
	tosync  []*syncEntry
	ongoing bool
	lastRc  xerr.Errno
	failed1 bool // first error release already marked the medium
	// deferUntil delays the next attempt at the kept pending
	// sub-request after a busy library.
	deferUntil time.Time

	signal chan struct{}
	done   chan struct{}
}

// NewDeviceWorker builds a worker for one device row
func NewDeviceWorker(env WorkerEnv, dev *types.Device) *DeviceWorker {
	return &DeviceWorker{
		env:    env,
		dev:    dev,
		logger: log.WithDevice(dev.ID),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Device returns the worker's device
func (w *DeviceWorker) Device() *types.Device { return w.dev }

// Start launches the worker goroutine
func (w *DeviceWorker) Start() {
	go w.run()
}

// wake signals the worker without blocking
func (w *DeviceWorker) wake() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Submit atomically stores a pending sub-request and signals the
// worker. Fails with EAGAIN when the worker is stopping or already
// holds one.
func (w *DeviceWorker) Submit(sub *SubRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != ThreadRunning {
		return xerr.Wrapf(xerr.EAGAIN, "device %s is stopping", w.dev.ID)
	}
	if w.pending != nil {
		return xerr.Wrapf(xerr.EAGAIN, "device %s already has pending work", w.dev.ID)
	}
	w.pending = sub
	sub.MarkRunning()
	w.wake()
	return nil
}

// SubmitSync appends a release intent to the pending-sync list
func (w *DeviceWorker) SubmitSync(req *Request, rel protocol.MediumRelease) {
	w.mu.Lock()
	w.tosync = append(w.tosync, &syncEntry{req: req, rel: rel, queuedAt: time.Now()})
	if rel.Rc != 0 {
		w.lastRc = xerr.FromWire(rel.Rc)
	}
	w.mu.Unlock()
	w.wake()
}

// Stop asks the worker to drain and stop
func (w *DeviceWorker) Stop(reason StopReason) {
	w.mu.Lock()
	if w.state == ThreadRunning {
		w.state = ThreadStopping
		w.reason = reason
	}
	w.mu.Unlock()
	w.wake()
}

// Join blocks until the worker has stopped
func (w *DeviceWorker) Join() {
	<-w.done
}

// TryJoin waits for the worker to stop until the deadline
func (w *DeviceWorker) TryJoin(deadline time.Time) error {
	select {
	case <-w.done:
		return nil
	case <-time.After(time.Until(deadline)):
		return xerr.Wrapf(xerr.ETIMEDOUT, "device %s did not stop in time", w.dev.ID)
	}
}

// State returns the worker lifecycle state
func (w *DeviceWorker) State() ThreadState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// IsIdle reports whether the worker has no work at all
func (w *DeviceWorker) IsIdle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending == nil && !w.ongoing && len(w.tosync) == 0
}

// IsOnline reports whether the device can serve requests
func (w *DeviceWorker) IsOnline() bool {
	return w.dev.IsUsable()
}

// dispatch-facing view (iosched.Device)

// Serial identifies the drive
func (w *DeviceWorker) Serial() string { return w.dev.ID }

// Techno is the drive technology label
func (w *DeviceWorker) Techno() string { return w.dev.Techno }

// SchedReady reports whether dispatch may hand the worker a
// sub-request now
func (w *DeviceWorker) SchedReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == ThreadRunning && w.pending == nil && w.dev.IsUsable()
}

// Loaded returns the id of the loaded medium
func (w *DeviceWorker) Loaded() string { return w.dev.LoadedMedium }

// LoadedMedium returns the loaded medium object, nil when empty
func (w *DeviceWorker) LoadedMedium() *types.Medium { return w.med }

// AdoptMedium installs a medium found in the drive at startup without
// going through the changer.
func (w *DeviceWorker) AdoptMedium(med *types.Medium) {
	w.med = med
	w.dev.LoadedMedium = med.ID
	w.dev.OpStatus = types.OpStatusLoaded
}

// mountPath derives the drive's mount point
func (w *DeviceWorker) mountPath() string {
	return w.env.MountPrefix + filepath.Base(w.dev.Path)
}

// fsDevPath is what the filesystem adapter mounts: the drive node for
// tape, the medium directory itself for dir media.
func (w *DeviceWorker) fsDevPath(med *types.Medium) string {
	if w.env.Family == types.FamilyDir {
		return med.ID
	}
	return w.dev.Path
}

func (w *DeviceWorker) fsAdapter(med *types.Medium) (fsa.Adapter, error) {
	return fsa.New(med.FsType, w.env.FsaOpts)
}

// run is the worker main loop
func (w *DeviceWorker) run() {
	defer close(w.done)

	for {
		w.mu.Lock()

		// discard a pending sub-request cancelled by a peer
		if w.pending != nil && w.pending.Cancelled() {
			w.logger.Debug().Msg("Discarding cancelled sub-request")
			w.env.Hooks.SubFinished(w.pending)
			w.pending = nil
		}

		// scrub sync entries whose parent aborted elsewhere
		w.scrubSyncLocked()

		needSync, trigger := w.needsSyncLocked()

		if w.state == ThreadStopping && !w.ongoing && w.pending == nil && len(w.tosync) == 0 {
			w.state = ThreadStopped
			w.mu.Unlock()
			w.logger.Info().Int("reason", int(w.reason)).Msg("Device worker stopped")
			return
		}

		var flushNow bool
		var sub *SubRequest
		switch {
		case !w.ongoing && needSync:
			flushNow = true
			w.ongoing = true
		case !w.ongoing && w.pending != nil && !time.Now().Before(w.deferUntil):
			sub = w.pending
			w.ongoing = true
		}
		deadline := w.wakeDeadlineLocked()
		w.mu.Unlock()

		if flushNow {
			w.flush(trigger)
			w.setOngoing(false)
			continue
		}
		if sub != nil {
			w.handle(sub)
			continue
		}

		select {
		case <-w.signal:
		case <-time.After(time.Until(deadline)):
		}
	}
}

func (w *DeviceWorker) setOngoing(v bool) {
	w.mu.Lock()
	w.ongoing = v
	w.mu.Unlock()
}

// consumePending drops the pending slot after handling
func (w *DeviceWorker) consumePending() {
	w.mu.Lock()
	w.pending = nil
	w.ongoing = false
	w.mu.Unlock()
}

// keepPending leaves the sub-request in place for a later retry,
// backing off so a busy library is not hammered.
func (w *DeviceWorker) keepPending() {
	backoff := w.env.Retry.ShortDelay
	if backoff <= 0 {
		backoff = time.Second
	}
	w.mu.Lock()
	w.ongoing = false
	w.deferUntil = time.Now().Add(backoff)
	w.mu.Unlock()
}

// wakeDeadlineLocked computes the next wakeup: never sooner than the
// floor, never later than the oldest pending sync becoming due.
func (w *DeviceWorker) wakeDeadlineLocked() time.Time {
	now := time.Now()
	deadline := now.Add(idleWait)
	if len(w.tosync) > 0 {
		due := w.tosync[0].queuedAt.Add(w.env.Sync.Time())
		if due.Before(deadline) {
			deadline = due
		}
	}
	if w.pending != nil && w.deferUntil.After(now) && w.deferUntil.Before(deadline) {
		deadline = w.deferUntil
	}
	if floor := now.Add(wakeupFloor); deadline.Before(floor) {
		deadline = floor
	}
	return deadline
}

// handle dispatches a picked-up sub-request by kind
func (w *DeviceWorker) handle(sub *SubRequest) {
	switch sub.Kind {
	case iosched.KindFormat:
		w.handleFormat(sub)
	default:
		w.handleReadWrite(sub)
	}
}

// opCtx builds the context for one library or filesystem operation
func (w *DeviceWorker) opCtx() (context.Context, context.CancelFunc) {
	timeout := w.env.MoveTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return context.WithTimeout(context.Background(), timeout)
}

// handleFormat runs a format sub-request through the state machine
func (w *DeviceWorker) handleFormat(sub *SubRequest) {
	ctx, cancel := w.opCtx()
	defer cancel()

	med := sub.Medium
	if w.med == nil || w.med.ID != med.ID {
		if err := w.empty(ctx); err != nil {
			w.failDevice(err)
			w.finishFailed(sub, xerr.Code(err), false)
			return
		}
		if err := w.load(ctx, med); err != nil {
			if errors.Is(err, xerr.EBUSY) {
				// drive-to-drive conflict: retry on the next wakeup
				// without consuming the sub-request
				w.logger.Debug().Str("medium", med.ID).Msg("Load busy, will retry")
				w.keepPending()
				return
			}
			w.failDevice(err)
			w.finishFailed(sub, xerr.Code(err), false)
			return
		}
	}

	adapter, err := w.fsAdapter(med)
	if err != nil {
		w.failMedium(med, err)
		w.finishFailed(sub, xerr.Code(err), true)
		return
	}
	err = retry.Do(ctx, w.env.Retry, nil, func() error {
		return adapter.Format(ctx, w.fsDevPath(med), med.ID)
	})
	if err != nil {
		w.failMedium(med, err)
		w.finishFailed(sub, xerr.Code(err), true)
		return
	}

	med.FsStatus = types.FsStatusEmpty
	med.FsType = sub.FsType
	if sub.Unlock {
		med.AdmStatus = types.AdmStatusUnlocked
	}
	if err := w.env.DSS.UpdateMedium(med); err != nil {
		// quarantine: the medium lock is deliberately kept
		w.logger.Error().Err(err).Str("medium", med.ID).Msg("Format stats update failed")
		w.finishFailed(sub, xerr.Code(err), false)
		return
	}
	if err := w.env.DSS.Unlock(types.LockMedia, med.ID, w.env.PID); err != nil {
		w.logger.Warn().Err(err).Str("medium", med.ID).Msg("Failed to release medium lock after format")
	}

	w.logger.Info().Str("medium", med.ID).Str("fs_type", string(sub.FsType)).Msg("Medium formatted")
	if msg := sub.Complete(nil); msg != nil {
		w.env.Hooks.Emit(&Response{Sink: sub.Parent.Sink, Msg: msg})
	}
	w.env.Hooks.SubFinished(sub)
	w.consumePending()
}

// handleReadWrite serves read and write allocations
func (w *DeviceWorker) handleReadWrite(sub *SubRequest) {
	ctx, cancel := w.opCtx()
	defer cancel()

	med := sub.Medium
	sub.Retries++

	mountedHere := w.med != nil && w.med.ID == med.ID && w.dev.OpStatus == types.OpStatusMounted
	if !mountedHere {
		loadedHere := w.med != nil && w.med.ID == med.ID && w.dev.OpStatus == types.OpStatusLoaded
		if !loadedHere {
			if err := w.empty(ctx); err != nil {
				w.failDevice(err)
				w.finishFailed(sub, xerr.Code(err), false)
				return
			}
			if err := w.load(ctx, med); err != nil {
				if errors.Is(err, xerr.EBUSY) {
					w.logger.Debug().Str("medium", med.ID).Msg("Load busy, will retry")
					w.keepPending()
					return
				}
				w.failDevice(err)
				w.finishFailed(sub, xerr.Code(err), false)
				return
			}
		}
		if err := w.mount(ctx, med); err != nil {
			w.failMedium(med, err)
			w.finishFailed(sub, xerr.Code(err), true)
			return
		}
	}

	alloc := protocol.MediumAlloc{
		MediumID: med.ID,
		FsType:   string(med.FsType),
		AddrType: string(med.AddrType),
		RootPath: w.mountPath(),
	}

	if sub.Kind == iosched.KindWrite {
		adapter, err := w.fsAdapter(med)
		if err != nil {
			w.failMedium(med, err)
			w.finishFailed(sub, xerr.Code(err), true)
			return
		}
		df, err := adapter.Df(ctx, w.mountPath())
		if err != nil {
			w.failMedium(med, err)
			w.finishFailed(sub, xerr.Code(err), true)
			return
		}
		if df.ReadOnly {
			// the filesystem went read-only: the medium is full, not
			// broken; release it so dispatch can pick another one
			w.fullMedium(med)
			w.finishFailed(sub, xerr.ENOSPC, true)
			return
		}
		alloc.AvailSize = df.FreeBytes
	}

	if msg := sub.Complete(&alloc); msg != nil {
		w.env.Hooks.Emit(&Response{Sink: sub.Parent.Sink, Msg: msg})
	}
	w.env.Hooks.SubFinished(sub)
	w.consumePending()
}

// finishFailed routes a failed sub-request: back to dispatch when a
// retry can help, a terminal error otherwise.
func (w *DeviceWorker) finishFailed(sub *SubRequest, code xerr.Errno, onMedium bool) {
	if onMedium {
		sub.FailureOnMedium = true
	}
	w.env.Hooks.SubFinished(sub)
	w.consumePending()

	retryable := false
	switch sub.Kind {
	case iosched.KindWrite:
		retryable = true
	case iosched.KindRead:
		if sub.FailureOnMedium {
			retryable = sub.Parent.HasAlternates()
		} else {
			retryable = true
		}
	}

	if retryable && !sub.Parent.Aborted() {
		sub.CancelForRetry()
		w.env.Hooks.PushRetry(sub)
		return
	}
	if msg := sub.Fail(code); msg != nil {
		w.env.Hooks.Emit(&Response{Sink: sub.Parent.Sink, Msg: msg})
	}
}

// State machine operations. Each updates the operational status only
// after the underlying call has returned.

// empty brings the drive to EMPTY: umount then unload as needed
func (w *DeviceWorker) empty(ctx context.Context) error {
	if w.dev.OpStatus == types.OpStatusMounted {
		if err := w.umount(ctx); err != nil {
			return err
		}
	}
	if w.dev.OpStatus == types.OpStatusLoaded {
		if err := w.unload(ctx); err != nil {
			return err
		}
	}
	return nil
}

// load moves a medium from its slot into the drive
func (w *DeviceWorker) load(ctx context.Context, med *types.Medium) error {
	drive, err := w.env.Lib.DriveLookup(ctx, w.dev.ID)
	if err != nil {
		return err
	}
	slot, err := w.env.Lib.MediaLookup(ctx, med.ID)
	if err != nil {
		return err
	}

	err = retry.Do(ctx, w.env.Retry, moveClassifier, func() error {
		return w.env.Lib.MediaMove(ctx, slot.Address, drive.Address)
	})
	if err != nil {
		metrics.MediaMoves.WithLabelValues(string(w.env.Family), "error").Inc()
		return err
	}
	metrics.MediaMoves.WithLabelValues(string(w.env.Family), "ok").Inc()

	w.med = med
	w.dev.LoadedMedium = med.ID
	w.dev.OpStatus = types.OpStatusLoaded

	med.Stats.NbLoad++
	med.Stats.LastLoad = time.Now().UTC()
	if err := w.env.DSS.UpdateMedium(med); err != nil {
		w.logger.Warn().Err(err).Str("medium", med.ID).Msg("Failed to record load stats")
	}
	w.logger.Info().Str("medium", med.ID).Msg("Medium loaded")
	return nil
}

// unload moves the loaded medium back to a free slot
func (w *DeviceWorker) unload(ctx context.Context) error {
	med := w.med
	if med == nil {
		return nil
	}
	drive, err := w.env.Lib.DriveLookup(ctx, w.dev.ID)
	if err != nil {
		return err
	}
	slot, err := w.freeSlot(ctx)
	if err != nil {
		return err
	}
	err = retry.Do(ctx, w.env.Retry, moveClassifier, func() error {
		return w.env.Lib.MediaMove(ctx, drive.Address, slot)
	})
	if err != nil {
		metrics.MediaMoves.WithLabelValues(string(w.env.Family), "error").Inc()
		return err
	}
	metrics.MediaMoves.WithLabelValues(string(w.env.Family), "ok").Inc()

	w.med = nil
	w.dev.LoadedMedium = ""
	w.dev.OpStatus = types.OpStatusEmpty

	// the drive no longer owns the medium
	if err := w.env.DSS.Unlock(types.LockMedia, med.ID, w.env.PID); err != nil && !errors.Is(err, xerr.ENOENT) {
		w.logger.Warn().Err(err).Str("medium", med.ID).Msg("Failed to release medium lock on unload")
	}
	w.logger.Info().Str("medium", med.ID).Msg("Medium unloaded")
	return nil
}

// freeSlot finds an empty slot for an unload
func (w *DeviceWorker) freeSlot(ctx context.Context) (uint32, error) {
	elements, err := w.env.Lib.Scan(ctx)
	if err != nil {
		return 0, err
	}
	for _, el := range elements {
		if el.Kind == library.ElementSlot && !el.Full {
			return el.Address, nil
		}
	}
	return 0, xerr.Wrapf(xerr.ENOSPC, "no free slot in library")
}

// mount exposes the loaded medium's filesystem
func (w *DeviceWorker) mount(ctx context.Context, med *types.Medium) error {
	adapter, err := w.fsAdapter(med)
	if err != nil {
		return err
	}
	err = retry.Do(ctx, w.env.Retry, nil, func() error {
		return adapter.Mount(ctx, w.fsDevPath(med), w.mountPath())
	})
	if err != nil {
		return err
	}
	w.dev.OpStatus = types.OpStatusMounted
	w.dev.MountPath = w.mountPath()
	w.logger.Info().Str("medium", med.ID).Str("path", w.dev.MountPath).Msg("Medium mounted")
	return nil
}

// umount detaches the loaded medium's filesystem
func (w *DeviceWorker) umount(ctx context.Context) error {
	med := w.med
	if med == nil || w.dev.OpStatus != types.OpStatusMounted {
		return nil
	}
	adapter, err := w.fsAdapter(med)
	if err != nil {
		return err
	}
	err = retry.Do(ctx, w.env.Retry, nil, func() error {
		return adapter.Umount(ctx, w.fsDevPath(med), w.mountPath())
	})
	if err != nil {
		return err
	}
	w.dev.OpStatus = types.OpStatusLoaded
	w.dev.MountPath = ""
	w.logger.Info().Str("medium", med.ID).Msg("Medium unmounted")
	return nil
}

// moveClassifier keeps drive-to-drive conflicts out of the retry loop:
// the sub-request stays pending and retries on a later wakeup instead.
func moveClassifier(err error) retry.Verdict {
	if err == nil {
		return retry.Success
	}
	if errors.Is(err, xerr.EBUSY) {
		return retry.Fatal
	}
	return retry.Errno(err)
}

// Failure paths

// failDevice marks the device FAILED in the DSS and, when a medium is
// loaded, marks it FAILED too before releasing its lock. If a DSS
// update fails the corresponding lock is kept so the resource stays
// quarantined.
func (w *DeviceWorker) failDevice(cause error) {
	w.logger.Error().Err(cause).Msg("Device failed")
	w.dev.OpStatus = types.OpStatusFailed

	if err := w.env.DSS.SetDeviceAdmStatus(w.env.Family, w.dev.ID, types.AdmStatusFailed); err != nil {
		w.logger.Error().Err(err).Msg("Failed to persist device failure, keeping device lock")
	}
	w.dev.AdmStatus = types.AdmStatusFailed
	metrics.DevicesTotal.WithLabelValues(string(w.env.Family), string(types.OpStatusFailed)).Inc()

	if med := w.med; med != nil {
		w.failMedium(med, cause)
	}
}

// failMedium marks a medium FAILED in the DSS and releases its lock.
// When the DSS update itself fails, the lock is kept on purpose: the
// medium stays quarantined until an operator intervenes.
func (w *DeviceWorker) failMedium(med *types.Medium, cause error) {
	w.logger.Error().Err(cause).Str("medium", med.ID).Msg("Medium failed")
	med.AdmStatus = types.AdmStatusFailed
	med.Stats.NbErrors++

	if err := w.env.DSS.UpdateMedium(med); err != nil {
		w.logger.Error().Err(err).Str("medium", med.ID).Msg("Failed to persist medium failure, keeping medium lock")
		return
	}
	if err := w.env.DSS.Unlock(types.LockMedia, med.ID, w.env.PID); err != nil && !errors.Is(err, xerr.ENOENT) {
		w.logger.Warn().Err(err).Str("medium", med.ID).Msg("Failed to release failed medium lock")
	}
}

// fullMedium marks a medium FULL and releases it so another one can
// serve the write.
func (w *DeviceWorker) fullMedium(med *types.Medium) {
	w.logger.Info().Str("medium", med.ID).Msg("Medium is full")
	med.FsStatus = types.FsStatusFull
	med.Stats.PhysSpcFree = 0

	if err := w.env.DSS.UpdateMedium(med); err != nil {
		w.logger.Error().Err(err).Str("medium", med.ID).Msg("Failed to persist full medium, keeping medium lock")
		return
	}
	if err := w.env.DSS.Unlock(types.LockMedia, med.ID, w.env.PID); err != nil && !errors.Is(err, xerr.ENOENT) {
		w.logger.Warn().Err(err).Str("medium", med.ID).Msg("Failed to release full medium lock")
	}
}

// Shutdown support

// Drain finishes the worker for daemon shutdown: umount if mounted,
// keep the medium loaded, release the medium and device locks. Any
// error marks the device FAILED and keeps the locks whose update
// failed.
func (w *DeviceWorker) Drain(ctx context.Context) error {
	if w.dev.OpStatus == types.OpStatusMounted {
		if err := w.umount(ctx); err != nil {
			w.failDevice(err)
			return err
		}
	}
	if med := w.med; med != nil {
		if err := w.env.DSS.Unlock(types.LockMedia, med.ID, w.env.PID); err != nil && !errors.Is(err, xerr.ENOENT) {
			w.logger.Warn().Err(err).Str("medium", med.ID).Msg("Failed to release medium lock at shutdown")
		}
	}
	if err := w.env.DSS.Unlock(types.LockDevice, w.dev.ID, w.env.PID); err != nil && !errors.Is(err, xerr.ENOENT) {
		w.logger.Warn().Err(err).Msg("Failed to release device lock at shutdown")
		return err
	}
	return nil
}

func (w *DeviceWorker) String() string {
	return fmt.Sprintf("%s/%s", w.env.Family, w.dev.ID)
}
