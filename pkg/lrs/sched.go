package lrs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapeworks/shelf/pkg/config"
	"github.com/tapeworks/shelf/pkg/dss"
	"github.com/tapeworks/shelf/pkg/events"
	"github.com/tapeworks/shelf/pkg/fsa"
	"github.com/tapeworks/shelf/pkg/iosched"
	"github.com/tapeworks/shelf/pkg/library"
	"github.com/tapeworks/shelf/pkg/log"
	"github.com/tapeworks/shelf/pkg/metrics"
	"github.com/tapeworks/shelf/pkg/protocol"
	"github.com/tapeworks/shelf/pkg/queue"
	"github.com/tapeworks/shelf/pkg/retry"
	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

// dispatchTick paces the scheduler loop between wake signals
const dispatchTick = 50 * time.Millisecond

// shutdownWait bounds the drain of device workers at stop
const shutdownWait = 10 * time.Second

// Scheduler brokers the drives of one media family: it owns the
// device workers, the incoming and retry queues, and the response
// queue the router drains.
type Scheduler struct {
	family types.Family
	cfg    *config.Config
	dssc   *dss.Client
	lib    library.Adapter
	broker *events.Broker
	tm     *types.TechnoMap
	algo   iosched.Algorithm
	// readAlgo optionally overrides dispatch for the read pipeline.
	readAlgo iosched.Algorithm
	logger   zerolog.Logger
	pid      int
	version  string

	incoming *queue.Queue[*Request]
	retryQ   *queue.Queue[*SubRequest]
	respCh   chan *Response

	mu           sync.Mutex
	workers      []*DeviceWorker
	shuttingDown bool

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler builds a scheduler for one family
func NewScheduler(cfg *config.Config, dssc *dss.Client, lib library.Adapter, broker *events.Broker, family types.Family, pid int, version string) (*Scheduler, error) {
	io := cfg.IOSchedFor(string(family))
	algo, err := iosched.New(io.DispatchAlgo, io)
	if err != nil {
		return nil, fmt.Errorf("io_sched.%s: %w", family, err)
	}
	var readAlgo iosched.Algorithm
	if io.ReadAlgo != "" && io.ReadAlgo != io.DispatchAlgo {
		readAlgo, err = iosched.New(io.ReadAlgo, io)
		if err != nil {
			return nil, fmt.Errorf("io_sched.%s: %w", family, err)
		}
	}
	return &Scheduler{
		family:   family,
		cfg:      cfg,
		dssc:     dssc,
		lib:      lib,
		broker:   broker,
		tm:       cfg.TechnoMap(),
		algo:     algo,
		readAlgo: readAlgo,
		logger:   log.WithFamily(string(family)),
		pid:      pid,
		version:  version,
		incoming: queue.New[*Request](),
		retryQ:   queue.New[*SubRequest](),
		respCh:   make(chan *Response, 128),
		wakeCh:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Family returns the scheduler's media family
func (s *Scheduler) Family() types.Family { return s.family }

// Algorithm exposes the dispatch algorithm, mainly for the admin
// surface to adjust fair-share reservations.
func (s *Scheduler) Algorithm() iosched.Algorithm { return s.algo }

// Responses is the response queue drained by the router
func (s *Scheduler) Responses() <-chan *Response { return s.respCh }

// Start reconciles persisted locks, claims the family's devices and
// launches the dispatch loop. Client traffic must not be accepted
// before Start returns.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.lib.Open(ctx); err != nil {
		return fmt.Errorf("failed to open library: %w", err)
	}

	if err := s.recoverLocks(); err != nil {
		return fmt.Errorf("lock recovery: %w", err)
	}

	if err := s.claimDevices(ctx); err != nil {
		return err
	}

	s.broker.Publish(&events.Event{Type: events.EventSchedStarted, Family: string(s.family)})
	s.logger.Info().Int("devices", len(s.workers)).Str("algo", s.algo.Name()).Msg("Scheduler started")

	go s.run()
	return nil
}

// claimDevices locks and spawns a worker for every usable device of
// the family bound to this host.
func (s *Scheduler) claimDevices(ctx context.Context) error {
	devices, err := s.dssc.ListDevices(s.family, s.dssc.Hostname())
	if err != nil {
		return err
	}

	env := s.workerEnv()
	for _, dev := range devices {
		if dev.AdmStatus != types.AdmStatusUnlocked {
			s.logger.Info().Str("device", dev.ID).Str("status", string(dev.AdmStatus)).Msg("Skipping unusable device")
			continue
		}
		if err := s.dssc.Lock(types.LockDevice, dev.ID, s.pid); err != nil {
			if errors.Is(err, xerr.EEXIST) {
				s.logger.Warn().Str("device", dev.ID).Msg("Device locked by another daemon, skipping")
				continue
			}
			return err
		}
		dev.Techno = s.tm.Lookup(dev.Model)

		w := NewDeviceWorker(env, dev)
		if err := s.adoptLoaded(ctx, w); err != nil {
			s.logger.Warn().Err(err).Str("device", dev.ID).Msg("Failed to inspect drive content")
		}
		s.workers = append(s.workers, w)
		w.Start()
		metrics.DevicesTotal.WithLabelValues(string(s.family), string(dev.OpStatus)).Inc()
	}

	if len(s.workers) == 0 {
		return xerr.Wrapf(xerr.ENXIO, "no usable %s device on %s", s.family, s.dssc.Hostname())
	}
	return nil
}

// adoptLoaded claims a medium found sitting in the drive at startup
func (s *Scheduler) adoptLoaded(ctx context.Context, w *DeviceWorker) error {
	el, err := s.lib.DriveLookup(ctx, w.dev.ID)
	if err != nil {
		return err
	}
	if !el.Full || el.Medium == "" {
		return nil
	}
	med, err := s.dssc.GetMedium(s.family, el.Medium)
	if err != nil {
		return err
	}
	if err := s.dssc.Lock(types.LockMedia, med.ID, s.pid); err != nil && !errors.Is(err, xerr.EEXIST) {
		return err
	}
	w.AdoptMedium(med)
	s.logger.Info().Str("device", w.dev.ID).Str("medium", med.ID).Msg("Adopted loaded medium")
	return nil
}

func (s *Scheduler) workerEnv() WorkerEnv {
	count, short, long := s.cfg.RetryPolicy()
	return WorkerEnv{
		Family:      s.family,
		DSS:         s.dssc,
		Lib:         s.lib,
		FsaOpts:     fsa.Options{CmdMount: s.cfg.LTFS.CmdMount},
		MountPrefix: s.cfg.LRS.MountPrefix,
		Sync:        s.cfg.SyncFor(string(s.family)),
		Retry:       retry.Policy{Count: count, ShortDelay: short, LongDelay: long},
		MoveTimeout: time.Duration(s.cfg.SCSI.MoveTimeoutMS) * time.Millisecond,
		PID:         s.pid,
		Hooks:       s,
	}
}

// wake nudges the dispatch loop without blocking
func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Submit routes one client request into the scheduler. During
// shutdown every new request is refused with ECANCELED.
func (s *Scheduler) Submit(req *Request) {
	s.mu.Lock()
	down := s.shuttingDown
	s.mu.Unlock()
	if down {
		// the response queue may already be closing: answer directly
		if msg := req.Abort(xerr.ECANCELED); msg != nil && req.Sink != nil && !req.Sink.Closed() {
			_ = req.Sink.Send(msg)
		}
		return
	}
	s.incoming.Push(req)
	metrics.QueueDepth.WithLabelValues(string(s.family), "incoming").Set(float64(s.incoming.Len()))
	s.wake()
}

// SchedHooks implementation (the worker-facing surface)

// PushRetry requeues a failed sub-request; the retry queue outranks
// fresh arrivals so in-flight work drains first.
func (s *Scheduler) PushRetry(sub *SubRequest) {
	s.retryQ.Push(sub)
	metrics.QueueDepth.WithLabelValues(string(s.family), "retry").Set(float64(s.retryQ.Len()))
	s.wake()
}

// Emit queues a response for the router
func (s *Scheduler) Emit(resp *Response) {
	if resp.Sink != nil && resp.Sink.Closed() {
		return
	}
	select {
	case s.respCh <- resp:
	case <-s.stopCh:
	}
}

// algoFor picks the algorithm serving a dispatch kind; the same
// instance must see Pick, Commit and Done for its accounting to hold.
func (s *Scheduler) algoFor(kind iosched.Kind) iosched.Algorithm {
	if kind == iosched.KindRead && s.readAlgo != nil {
		return s.readAlgo
	}
	return s.algo
}

// SubFinished releases dispatch accounting for a terminal sub-request
func (s *Scheduler) SubFinished(sub *SubRequest) {
	s.algoFor(sub.Kind).Done(iosched.Work{Kind: sub.Kind, Techno: sub.Techno})
	metrics.RequestsInFlight.WithLabelValues(string(sub.Kind), sub.Techno).Dec()
	s.wake()
}

// ShuttingDown reports daemon-wide shutdown to the workers
func (s *Scheduler) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}

// run is the dispatch loop
func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.wakeCh:
		}
		s.dispatchRetries()
		s.dispatchIncoming()
	}
}

// deviceViews snapshots the worker set for the dispatch algorithm
func (s *Scheduler) deviceViews() []iosched.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]iosched.Device, len(s.workers))
	for i, w := range s.workers {
		out[i] = w
	}
	return out
}

func (s *Scheduler) workerSnapshot() []*DeviceWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*DeviceWorker, len(s.workers))
	copy(out, s.workers)
	return out
}

// dispatchRetries replays failed sub-requests ahead of fresh arrivals
func (s *Scheduler) dispatchRetries() {
	n := s.retryQ.Len()
	for i := 0; i < n; i++ {
		sub, ok := s.retryQ.Pop()
		if !ok {
			break
		}
		if sub.Parent.Aborted() {
			continue
		}
		if sub.FailureOnMedium {
			if !s.reassignMedium(sub) {
				continue
			}
		}
		if !s.placeSub(sub) {
			s.retryQ.Push(sub)
		}
	}
	metrics.QueueDepth.WithLabelValues(string(s.family), "retry").Set(float64(s.retryQ.Len()))
}

// reassignMedium swaps the target of a medium-scoped failure: the next
// read alternate, or a fresh write medium. Returns false when the
// parent had to be failed instead.
func (s *Scheduler) reassignMedium(sub *SubRequest) bool {
	switch sub.Kind {
	case iosched.KindRead:
		for {
			id, ok := sub.Parent.TakeAlternate()
			if !ok {
				s.failSub(sub, xerr.ENOMEDIUM)
				return false
			}
			med, err := s.lockMedium(id)
			if err != nil {
				continue
			}
			sub.Medium = med
			sub.Techno = s.mediumTechno(med)
			sub.FailureOnMedium = false
			return true
		}
	case iosched.KindWrite:
		exclude := map[string]bool{}
		if sub.Medium != nil {
			exclude[sub.Medium.ID] = true
		}
		med, err := s.selectWriteMedium(sub.Parent, exclude)
		if err != nil {
			s.failSub(sub, xerr.Code(err))
			return false
		}
		sub.Medium = med
		sub.Techno = s.mediumTechno(med)
		sub.FailureOnMedium = false
		return true
	default:
		s.failSub(sub, xerr.EIO)
		return false
	}
}

func (s *Scheduler) failSub(sub *SubRequest, code xerr.Errno) {
	if msg := sub.Fail(code); msg != nil {
		s.Emit(&Response{Sink: sub.Parent.Sink, Msg: msg})
	}
}

// placeSub offers one sub-request to the dispatch algorithm. A nil
// pick leaves the work queued with its medium lock intact.
func (s *Scheduler) placeSub(sub *SubRequest) bool {
	work := iosched.Work{
		Kind:     sub.Kind,
		Techno:   sub.Techno,
		MediumID: sub.Medium.ID,
		Arrival:  sub.Parent.Arrival,
	}
	algo := s.algoFor(sub.Kind)
	picked := algo.Pick(work, s.deviceViews())
	if picked == nil {
		return false
	}
	worker := picked.(*DeviceWorker)
	if err := worker.Submit(sub); err != nil {
		return false
	}
	algo.Commit(work)
	metrics.RequestsInFlight.WithLabelValues(string(sub.Kind), sub.Techno).Inc()
	return true
}

// dispatchIncoming processes queued client requests in arrival order.
// Requests that cannot be placed on this tick stay queued.
func (s *Scheduler) dispatchIncoming() {
	n := s.incoming.Len()
	for i := 0; i < n; i++ {
		req, ok := s.incoming.Pop()
		if !ok {
			break
		}
		if req.Sink != nil && req.Sink.Closed() {
			s.cancelRequest(req)
			continue
		}
		if !s.process(req) {
			s.incoming.Push(req)
		}
	}
	metrics.QueueDepth.WithLabelValues(string(s.family), "incoming").Set(float64(s.incoming.Len()))
}

// cancelRequest drops a request whose client went away
func (s *Scheduler) cancelRequest(req *Request) {
	s.logger.Debug().Str("request", req.ID).Msg("Client gone, cancelling request")
	req.Abort(xerr.ECANCELED)
	for _, sub := range req.Subs() {
		if sub.Medium != nil {
			s.unlockMedium(sub.Medium.ID)
		}
	}
}

// process handles one request; false means "retry on a later tick"
func (s *Scheduler) process(req *Request) bool {
	switch req.Kind {
	case types.RequestPing:
		s.Emit(&Response{Sink: req.Sink, Msg: &protocol.Message{
			ReqID: req.ReqID,
			Kind:  protocol.KindPing,
			Body:  &protocol.PingResponse{Version: s.version},
		}})
		return true
	case types.RequestRelease:
		return s.processRelease(req)
	case types.RequestNotify:
		return s.processNotify(req)
	case types.RequestFormat, types.RequestReadAlloc, types.RequestWriteAlloc:
		return s.processAlloc(req)
	default:
		if msg := req.Abort(xerr.EINVAL); msg != nil {
			s.Emit(&Response{Sink: req.Sink, Msg: msg})
		}
		return true
	}
}

// processAlloc prepares sub-requests (locking media) and offers the
// unplaced ones to dispatch.
func (s *Scheduler) processAlloc(req *Request) bool {
	if len(req.Subs()) == 0 {
		done, err := s.prepare(req)
		if err != nil {
			if msg := req.Abort(xerr.Code(err)); msg != nil {
				s.Emit(&Response{Sink: req.Sink, Msg: msg})
			}
			return true
		}
		if !done {
			// eligible media are busy: keep the request queued
			return false
		}
	}

	allPlaced := true
	for _, sub := range req.Subs() {
		if sub.Status() != SubPending {
			continue
		}
		if !s.placeSub(sub) {
			allPlaced = false
		}
	}
	return allPlaced
}

// prepare builds the sub-requests of an allocation, locking each
// target medium. done=false means no medium could be locked yet.
func (s *Scheduler) prepare(req *Request) (done bool, err error) {
	switch req.Kind {
	case types.RequestFormat:
		return s.prepareFormat(req)
	case types.RequestReadAlloc:
		return s.prepareRead(req)
	default:
		return s.prepareWrite(req)
	}
}

func (s *Scheduler) prepareFormat(req *Request) (bool, error) {
	med, err := s.dssc.GetMedium(s.family, req.Format.MediumID)
	if err != nil {
		return false, err
	}
	techno := s.mediumTechno(med)
	if !s.anyCapableDrive(techno, iosched.KindFormat) {
		return false, xerr.Wrapf(xerr.ENODEV, "no %s drive can format %s media", s.family, techno)
	}
	if err := s.dssc.Lock(types.LockMedia, med.ID, s.pid); err != nil {
		if errors.Is(err, xerr.EEXIST) {
			if !s.ownsLock(types.LockMedia, med.ID) {
				// busy in another daemon: retry later
				return false, nil
			}
			// already in one of our drives: proceed
		} else {
			return false, err
		}
	}
	sub := &SubRequest{
		Parent: req,
		Kind:   iosched.KindFormat,
		Medium: med,
		Techno: techno,
		FsType: types.FsType(req.Format.FsType),
		Unlock: req.Format.Unlock,
	}
	req.AddSub(sub)
	return true, nil
}

func (s *Scheduler) prepareRead(req *Request) (bool, error) {
	ids := req.Read.MediaIDs
	n := int(req.Read.NRequired)
	if n == 0 {
		n = 1
	}
	if len(ids) < n {
		return false, xerr.Wrapf(xerr.EINVAL, "read allocation needs %d media, %d given", n, len(ids))
	}

	var chosen []*types.Medium
	var skipped []string
	for _, id := range ids {
		if len(chosen) == n {
			skipped = append(skipped, id)
			continue
		}
		med, err := s.lockMedium(id)
		if err != nil {
			if errors.Is(err, xerr.EEXIST) {
				// busy elsewhere: keep as an alternate
				skipped = append(skipped, id)
				continue
			}
			// dead media cannot serve as alternates
			continue
		}
		chosen = append(chosen, med)
	}
	if len(chosen) < n {
		for _, med := range chosen {
			s.unlockMedium(med.ID)
		}
		if len(skipped) == 0 {
			return false, xerr.Wrapf(xerr.ENOMEDIUM, "no readable copy available")
		}
		// all candidates busy: retry later
		return false, nil
	}

	req.SetAlternates(skipped)
	for _, med := range chosen {
		req.AddSub(&SubRequest{
			Parent: req,
			Kind:   iosched.KindRead,
			Medium: med,
			Techno: s.mediumTechno(med),
		})
	}
	return true, nil
}

func (s *Scheduler) prepareWrite(req *Request) (bool, error) {
	sizes := req.Write.Sizes
	if len(sizes) == 0 {
		sizes = []int64{0}
	}
	exclude := map[string]bool{}
	var chosen []*types.Medium
	for range sizes {
		med, err := s.selectWriteMedium(req, exclude)
		if err != nil {
			for _, m := range chosen {
				s.unlockMedium(m.ID)
			}
			return false, err
		}
		if med == nil {
			for _, m := range chosen {
				s.unlockMedium(m.ID)
			}
			return false, nil
		}
		exclude[med.ID] = true
		chosen = append(chosen, med)
	}
	for _, med := range chosen {
		req.AddSub(&SubRequest{
			Parent: req,
			Kind:   iosched.KindWrite,
			Medium: med,
			Techno: s.mediumTechno(med),
		})
	}
	return true, nil
}

// selectWriteMedium picks and locks the best writable medium: most
// free space first, honoring tags and the technology of the host's
// drives. nil with no error means every eligible medium is busy.
func (s *Scheduler) selectWriteMedium(req *Request, exclude map[string]bool) (*types.Medium, error) {
	media, err := s.dssc.ListMedia(s.family)
	if err != nil {
		return nil, err
	}

	var size int64
	var tags []string
	if req.Write != nil {
		tags = req.Write.Tags
		for _, sz := range req.Write.Sizes {
			if sz > size {
				size = sz
			}
		}
	}

	eligible := media[:0]
	for _, med := range media {
		if exclude[med.ID] || !med.IsWritable() {
			continue
		}
		if med.FsStatus == types.FsStatusBlank {
			continue
		}
		if size > 0 && med.Stats.PhysSpcFree < size {
			continue
		}
		if !hasTags(med, tags) {
			continue
		}
		if !s.anyCapableDrive(s.mediumTechno(med), iosched.KindWrite) {
			continue
		}
		eligible = append(eligible, med)
	}
	if len(eligible) == 0 {
		return nil, xerr.Wrapf(xerr.ENOSPC, "no writable %s medium", s.family)
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Stats.PhysSpcFree > eligible[j].Stats.PhysSpcFree
	})

	for _, med := range eligible {
		if err := s.dssc.Lock(types.LockMedia, med.ID, s.pid); err != nil {
			if errors.Is(err, xerr.EEXIST) && s.ownsLock(types.LockMedia, med.ID) {
				return med, nil
			}
			continue
		}
		return med, nil
	}
	// every eligible medium is locked right now
	return nil, nil
}

func hasTags(med *types.Medium, tags []string) bool {
	for _, want := range tags {
		found := false
		for _, have := range med.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// anyCapableDrive reports whether some worker can operate media of
// the given technology for the kind.
func (s *Scheduler) anyCapableDrive(techno string, kind iosched.Kind) bool {
	for _, w := range s.workerSnapshot() {
		if !w.IsOnline() {
			continue
		}
		if techno == "" || w.Techno() == "" || w.Techno() == techno ||
			(kind == iosched.KindRead && types.Compatible(w.Techno(), techno)) {
			return true
		}
	}
	return false
}

// mediumTechno resolves a medium's technology label
func (s *Scheduler) mediumTechno(med *types.Medium) string {
	if t := s.tm.Lookup(med.Model); t != "" {
		return t
	}
	return med.Model
}

// lockMedium fetches and locks one medium. A medium this daemon
// already holds (sitting in one of its drives) is adopted rather than
// refused, so repeated allocations of a loaded medium keep flowing.
func (s *Scheduler) lockMedium(id string) (*types.Medium, error) {
	med, err := s.dssc.GetMedium(s.family, id)
	if err != nil {
		return nil, err
	}
	if med.AdmStatus != types.AdmStatusUnlocked {
		return nil, xerr.Wrapf(xerr.EPERM, "medium %s is %s", id, med.AdmStatus)
	}
	if err := s.dssc.Lock(types.LockMedia, id, s.pid); err != nil {
		if errors.Is(err, xerr.EEXIST) && s.ownsLock(types.LockMedia, id) {
			return med, nil
		}
		return nil, err
	}
	return med, nil
}

// ownsLock reports whether this daemon holds the lock row itself
func (s *Scheduler) ownsLock(typ types.LockType, id string) bool {
	lock, err := s.dssc.GetLock(typ, id)
	return err == nil && lock.OwnedBy(s.dssc.Hostname(), s.pid)
}

func (s *Scheduler) unlockMedium(id string) {
	if err := s.dssc.Unlock(types.LockMedia, id, s.pid); err != nil && !errors.Is(err, xerr.ENOENT) {
		s.logger.Warn().Err(err).Str("medium", id).Msg("Failed to release medium lock")
	}
}

// processRelease routes each released medium to the worker holding it
func (s *Scheduler) processRelease(req *Request) bool {
	media := req.Release.Media
	req.InitRelease(len(media))

	workers := s.workerSnapshot()
	for _, rel := range media {
		var holder *DeviceWorker
		for _, w := range workers {
			if w.Loaded() == rel.MediumID {
				holder = w
				break
			}
		}
		if holder == nil {
			if msg := req.ReleaseDone(rel.MediumID, xerr.ENOMEDIUM); msg != nil {
				s.Emit(&Response{Sink: req.Sink, Msg: msg})
			}
			continue
		}
		holder.SubmitSync(req, rel)
	}
	return true
}

// processNotify applies a device add or remove to the running
// scheduler.
func (s *Scheduler) processNotify(req *Request) bool {
	notify := req.Notify
	var err error
	switch notify.Op {
	case protocol.NotifyDeviceAdd:
		err = s.addDevice(notify.Serial)
	case protocol.NotifyDeviceRemove:
		err = s.removeDevice(notify.Serial, notify.Wait)
	default:
		err = xerr.Wrapf(xerr.EINVAL, "unknown notify op %d", notify.Op)
	}

	if err != nil {
		if msg := req.Abort(xerr.Code(err)); msg != nil {
			s.Emit(&Response{Sink: req.Sink, Msg: msg})
		}
		return true
	}
	s.Emit(&Response{Sink: req.Sink, Msg: &protocol.Message{
		ReqID: req.ReqID,
		Kind:  protocol.KindNotify,
		Body:  &protocol.NotifyResponse{Serial: notify.Serial},
	}})
	return true
}

// addDevice claims a newly registered device and spawns its worker
func (s *Scheduler) addDevice(serial string) error {
	s.mu.Lock()
	for _, w := range s.workers {
		if w.dev.ID == serial {
			s.mu.Unlock()
			return xerr.Wrapf(xerr.EEXIST, "device %s already managed", serial)
		}
	}
	s.mu.Unlock()

	dev, err := s.dssc.GetDevice(s.family, serial)
	if err != nil {
		return err
	}
	if dev.AdmStatus != types.AdmStatusUnlocked {
		return xerr.Wrapf(xerr.EPERM, "device %s is %s", serial, dev.AdmStatus)
	}
	if err := s.dssc.Lock(types.LockDevice, serial, s.pid); err != nil {
		return err
	}
	dev.Techno = s.tm.Lookup(dev.Model)

	w := NewDeviceWorker(s.workerEnv(), dev)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.SCSI.QueryTimeoutMS)*time.Millisecond)
	if err := s.adoptLoaded(ctx, w); err != nil {
		s.logger.Warn().Err(err).Str("device", serial).Msg("Failed to inspect drive content")
	}
	cancel()

	s.mu.Lock()
	s.workers = append(s.workers, w)
	s.mu.Unlock()
	w.Start()

	s.broker.Publish(&events.Event{Type: events.EventDeviceAdded, Family: string(s.family), Target: serial})
	s.logger.Info().Str("device", serial).Msg("Device added")
	return nil
}

// removeDevice drains one worker and releases its device
func (s *Scheduler) removeDevice(serial string, wait bool) error {
	s.mu.Lock()
	var w *DeviceWorker
	idx := -1
	for i, cand := range s.workers {
		if cand.dev.ID == serial {
			w, idx = cand, i
			break
		}
	}
	if w == nil {
		s.mu.Unlock()
		return xerr.Wrapf(xerr.ENXIO, "device %s not managed", serial)
	}
	s.workers = append(s.workers[:idx], s.workers[idx+1:]...)
	s.mu.Unlock()

	w.Stop(StopAdmin)
	if wait {
		if err := w.TryJoin(time.Now().Add(shutdownWait)); err != nil {
			return err
		}
	} else {
		w.Join()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := w.Drain(ctx); err != nil {
		return err
	}

	s.broker.Publish(&events.Event{Type: events.EventDeviceRemoved, Family: string(s.family), Target: serial})
	s.logger.Info().Str("device", serial).Msg("Device removed")
	return nil
}

// Stop runs the shutdown protocol: refuse new work, cancel waiters,
// drain workers, release locks. The caller bounds the total wait.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.shuttingDown = true
	workers := make([]*DeviceWorker, len(s.workers))
	copy(workers, s.workers)
	s.mu.Unlock()

	s.broker.Publish(&events.Event{Type: events.EventSchedStopping, Family: string(s.family)})
	s.logger.Info().Msg("Scheduler stopping")

	// cancel everything still waiting for dispatch
	for _, req := range s.incoming.Drain() {
		if msg := req.Abort(xerr.ECANCELED); msg != nil {
			s.Emit(&Response{Sink: req.Sink, Msg: msg})
		}
		for _, sub := range req.Subs() {
			if sub.Medium != nil {
				s.unlockMedium(sub.Medium.ID)
			}
		}
	}
	for _, sub := range s.retryQ.Drain() {
		s.failSub(sub, xerr.ECANCELED)
		if sub.Medium != nil {
			s.unlockMedium(sub.Medium.ID)
		}
	}

	// workers drain their in-flight work and pending syncs
	for _, w := range workers {
		w.Stop(StopShutdown)
	}
	deadline := time.Now().Add(shutdownWait)
	var firstErr error
	for _, w := range workers {
		if err := w.TryJoin(deadline); err != nil {
			s.logger.Error().Err(err).Str("device", w.dev.ID).Msg("Worker did not drain in time")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Until(deadline)+time.Second)
		if err := w.Drain(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}

	close(s.stopCh)
	<-s.doneCh
	if err := s.lib.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
