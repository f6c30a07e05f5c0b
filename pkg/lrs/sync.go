package lrs

import (
	"context"
	"time"

	"github.com/tapeworks/shelf/pkg/metrics"
	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

// Sync batching: releases are cheap to acknowledge but flushing a
// medium is not, so the worker accumulates release intents and flushes
// when a threshold trips. A release carrying a client error forces the
// batch out without a physical sync.

// scrubSyncLocked drops sync entries whose parent request was aborted
// elsewhere. Called with w.mu held.
func (w *DeviceWorker) scrubSyncLocked() {
	if len(w.tosync) == 0 {
		return
	}
	kept := w.tosync[:0]
	for _, entry := range w.tosync {
		if entry.req.Aborted() && entry.rel.Rc == 0 {
			w.logger.Debug().Str("medium", entry.rel.MediumID).Msg("Dropping release of aborted request")
			continue
		}
		kept = append(kept, entry)
	}
	w.tosync = kept
}

// needsSyncLocked evaluates the flush thresholds. Called with w.mu
// held. Returns the trigger name for observability.
func (w *DeviceWorker) needsSyncLocked() (bool, string) {
	if len(w.tosync) == 0 {
		return false, ""
	}
	if w.lastRc != xerr.OK {
		return true, "error"
	}
	if w.state == ThreadStopping {
		return true, "stopping"
	}
	if w.env.Hooks != nil && w.env.Hooks.ShuttingDown() {
		return true, "shutdown"
	}
	if w.env.Sync.NbReq > 0 && len(w.tosync) >= w.env.Sync.NbReq {
		return true, "nb_req"
	}
	if w.env.Sync.TimeMS > 0 && time.Since(w.tosync[0].queuedAt) >= w.env.Sync.Time() {
		return true, "time"
	}
	if w.env.Sync.WsizeKB > 0 {
		var written int64
		for _, entry := range w.tosync {
			written += entry.rel.SizeWritten
		}
		if written >= w.env.Sync.WsizeKB*1024 {
			return true, "wsize"
		}
	}
	return false, ""
}

// flush performs one sync batch: physical medium sync (skipped when
// the last client release reported an error), DSS stats update, then
// drains the pending list into client responses.
func (w *DeviceWorker) flush(trigger string) {
	w.mu.Lock()
	entries := w.tosync
	w.tosync = nil
	lastRc := w.lastRc
	w.lastRc = xerr.OK
	w.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	start := time.Now()
	med := w.med
	metrics.SyncBatches.WithLabelValues(string(w.env.Family), trigger).Inc()
	metrics.SyncBatchSize.Observe(float64(len(entries)))

	var flushErr error
	if lastRc == xerr.OK {
		flushErr = w.syncMedium(med)
	} else {
		// a client-reported error: do not persist possibly corrupt
		// state, quarantine the medium on the first such release
		w.markErrorMedium(med)
	}

	if flushErr == nil && lastRc == xerr.OK && med != nil {
		flushErr = w.advanceStats(med, entries)
	}
	metrics.SyncDuration.Observe(time.Since(start).Seconds())

	w.drain(entries, flushErr)
}

// syncMedium calls the filesystem sync for the mounted medium
func (w *DeviceWorker) syncMedium(med *types.Medium) error {
	if med == nil || w.dev.OpStatus != types.OpStatusMounted {
		return nil
	}
	adapter, err := w.fsAdapter(med)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.env.Sync.Time()+time.Minute)
	defer cancel()

	if err := adapter.Sync(ctx, w.mountPath()); err != nil {
		w.failMedium(med, err)
		w.failDeviceKeepMedium(err)
		return err
	}
	return nil
}

// advanceStats rolls the batch into the medium's persisted statistics
func (w *DeviceWorker) advanceStats(med *types.Medium, entries []*syncEntry) error {
	var written, nbObj int64
	for _, entry := range entries {
		written += entry.rel.SizeWritten
		nbObj += entry.rel.NbExtents
	}

	if written > 0 && med.FsStatus == types.FsStatusEmpty {
		med.FsStatus = types.FsStatusUsed
	}
	med.Stats.NbObj += nbObj
	med.Stats.LogcSpcUsed += written
	med.Stats.PhysSpcUsed += written
	if med.Stats.PhysSpcFree > written {
		med.Stats.PhysSpcFree -= written
	} else {
		med.Stats.PhysSpcFree = 0
	}
	if med.Stats.PhysSpcFree == 0 {
		med.FsStatus = types.FsStatusFull
	}

	if err := w.env.DSS.UpdateMedium(med); err != nil {
		// a failed stats update poisons both the medium and the device
		w.failMedium(med, err)
		w.failDeviceKeepMedium(err)
		return err
	}
	return nil
}

// markErrorMedium quarantines the medium after the first release that
// carried a client error.
func (w *DeviceWorker) markErrorMedium(med *types.Medium) {
	if med == nil || w.failed1 {
		return
	}
	w.failed1 = true
	w.failMedium(med, xerr.Wrapf(xerr.EIO, "client reported I/O error on release"))
}

// failDeviceKeepMedium fails the device without touching the medium,
// used when the medium was already handled by the caller.
func (w *DeviceWorker) failDeviceKeepMedium(cause error) {
	w.logger.Error().Err(cause).Msg("Device failed")
	w.dev.OpStatus = types.OpStatusFailed
	if err := w.env.DSS.SetDeviceAdmStatus(w.env.Family, w.dev.ID, types.AdmStatusFailed); err != nil {
		w.logger.Error().Err(err).Msg("Failed to persist device failure, keeping device lock")
	}
	w.dev.AdmStatus = types.AdmStatusFailed
}

// drain turns the flushed entries into client responses: the normal
// acknowledgement when the parent carries no error, one error response
// otherwise.
func (w *DeviceWorker) drain(entries []*syncEntry, flushErr error) {
	for _, entry := range entries {
		code := xerr.OK
		if entry.rel.Rc != 0 {
			code = xerr.FromWire(entry.rel.Rc)
		} else if flushErr != nil {
			code = xerr.Code(flushErr)
		}
		if msg := entry.req.ReleaseDone(entry.rel.MediumID, code); msg != nil {
			w.env.Hooks.Emit(&Response{Sink: entry.req.Sink, Msg: msg})
		}
	}
}
