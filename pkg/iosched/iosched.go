package iosched

import (
	"sync"
	"time"

	"github.com/tapeworks/shelf/pkg/config"
	"github.com/tapeworks/shelf/pkg/types"
	"github.com/tapeworks/shelf/pkg/xerr"
)

// Kind is the dispatch class of a piece of work
type Kind string

const (
	KindFormat Kind = "format"
	KindWrite  Kind = "write"
	KindRead   Kind = "read"
)

// Device is the dispatch-facing view of a device worker
type Device interface {
	// Serial identifies the drive.
	Serial() string

	// Techno is the drive's technology label, empty when unknown.
	Techno() string

	// SchedReady reports whether the worker can accept a sub-request
	// right now.
	SchedReady() bool

	// Loaded returns the id of the currently loaded medium, empty when
	// the drive is empty.
	Loaded() string
}

// Work describes one sub-request to place
type Work struct {
	Kind Kind

	// Techno is the technology of the target medium.
	Techno string

	// MediumID is the target medium.
	MediumID string

	// Arrival orders work for fairness.
	Arrival time.Time
}

// Algorithm places work on devices. Implementations keep their own
// in-flight accounting: Commit after a successful placement, Done when
// the sub-request reaches a terminal state.
//
// Pick returns nil when no device is admissible on this tick; the
// caller leaves the work queued and, per the lock-retention rule, does
// not release any medium lock it already holds.
type Algorithm interface {
	Name() string
	Pick(w Work, devs []Device) Device
	Commit(w Work)
	Done(w Work)
}

// New builds the named algorithm, EINVAL for unknown names
func New(name string, cfg config.IOSchedConfig) (Algorithm, error) {
	switch name {
	case "fifo":
		return &fifo{}, nil
	case "grouped_read":
		return &groupedRead{}, nil
	case "fair_share":
		return NewFairShare(cfg.FairShare), nil
	default:
		return nil, xerr.Wrapf(xerr.EINVAL, "unknown dispatch algorithm %q", name)
	}
}

// compatible reports whether a drive can serve a medium technology
func compatible(dev Device, w Work) bool {
	if w.Techno == "" || dev.Techno() == "" {
		return true
	}
	if w.Kind == KindRead {
		return types.Compatible(dev.Techno(), w.Techno)
	}
	// writes and formats need the drive's own generation
	return dev.Techno() == w.Techno
}

// pickFirst scans devices in registration order: a drive already
// holding the target medium wins, otherwise the first ready compatible
// drive does.
func pickFirst(w Work, devs []Device) Device {
	var first Device
	for _, dev := range devs {
		if !dev.SchedReady() || !compatible(dev, w) {
			continue
		}
		if w.MediumID != "" && dev.Loaded() == w.MediumID {
			return dev
		}
		if first == nil {
			first = dev
		}
	}
	return first
}

// fifo serves the oldest request first on the first matching idle
// device
type fifo struct{}

func (f *fifo) Name() string                      { return "fifo" }
func (f *fifo) Pick(w Work, devs []Device) Device { return pickFirst(w, devs) }
func (f *fifo) Commit(w Work)                     {}
func (f *fifo) Done(w Work)                       {}

// groupedRead coalesces reads of one medium onto the drive already
// serving it, amortizing mounts. An empty drive is only used when no
// loaded drive matches.
type groupedRead struct{}

func (g *groupedRead) Name() string { return "grouped_read" }

func (g *groupedRead) Pick(w Work, devs []Device) Device {
	var empty, fallback Device
	for _, dev := range devs {
		if !dev.SchedReady() || !compatible(dev, w) {
			continue
		}
		switch dev.Loaded() {
		case w.MediumID:
			return dev
		case "":
			if empty == nil {
				empty = dev
			}
		default:
			if fallback == nil {
				fallback = dev
			}
		}
	}
	if empty != nil {
		return empty
	}
	return fallback
}

func (g *groupedRead) Commit(w Work) {}
func (g *groupedRead) Done(w Work)   {}

// FairShare bounds in-flight work per technology per kind between
// configured minima and maxima
type FairShare struct {
	mu       sync.Mutex
	shares   map[string]config.FairShareConfig
	inFlight map[string]map[Kind]int
}

// NewFairShare builds the algorithm from per-technology reservations
func NewFairShare(shares map[string]config.FairShareConfig) *FairShare {
	cp := make(map[string]config.FairShareConfig, len(shares))
	for k, v := range shares {
		cp[k] = v
	}
	return &FairShare{
		shares:   cp,
		inFlight: make(map[string]map[Kind]int),
	}
}

func (f *FairShare) Name() string { return "fair_share" }

// SetShare replaces the reservations of one technology. Used by the
// admin surface; in-flight work is unaffected.
func (f *FairShare) SetShare(techno string, share config.FairShareConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shares[techno] = share
}

// InFlight reports the current in-flight count for one technology and
// kind
func (f *FairShare) InFlight(techno string, kind Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight[techno][kind]
}

func (f *FairShare) limits(techno string) (config.FairShareConfig, bool) {
	share, ok := f.shares[techno]
	return share, ok
}

func maxFor(share config.FairShareConfig, kind Kind) int {
	switch kind {
	case KindFormat:
		return share.MaxFormat
	case KindWrite:
		return share.MaxWrite
	default:
		return share.MaxRead
	}
}

func minFor(share config.FairShareConfig, kind Kind) int {
	switch kind {
	case KindFormat:
		return share.MinFormat
	case KindWrite:
		return share.MinWrite
	default:
		return share.MinRead
	}
}

// Pick admits work only while in_flight stays within the technology's
// maximum for the kind; refused work stays queued and keeps any medium
// lock it holds. Minima are soft reservations: free drives are not
// given to a kind already at its minimum while another kind is still
// below its own.
func (f *FairShare) Pick(w Work, devs []Device) Device {
	f.mu.Lock()
	defer f.mu.Unlock()

	share, ok := f.limits(w.Techno)
	if ok {
		counts := f.inFlight[w.Techno]
		if counts[w.Kind] >= maxFor(share, w.Kind) {
			return nil
		}

		free := 0
		for _, dev := range devs {
			if dev.SchedReady() && compatible(dev, w) {
				free++
			}
		}
		if free == 0 {
			return nil
		}
		if counts[w.Kind] >= minFor(share, w.Kind) && free <= f.reservedForOthers(share, counts, w.Kind) {
			return nil
		}
	}

	return pickFirst(w, devs)
}

// reservedForOthers sums the unfilled minima of the other kinds
func (f *FairShare) reservedForOthers(share config.FairShareConfig, counts map[Kind]int, kind Kind) int {
	reserved := 0
	for _, other := range []Kind{KindFormat, KindWrite, KindRead} {
		if other == kind {
			continue
		}
		if deficit := minFor(share, other) - counts[other]; deficit > 0 {
			reserved += deficit
		}
	}
	return reserved
}

func (f *FairShare) Commit(w Work) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts, ok := f.inFlight[w.Techno]
	if !ok {
		counts = make(map[Kind]int)
		f.inFlight[w.Techno] = counts
	}
	counts[w.Kind]++
}

func (f *FairShare) Done(w Work) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if counts, ok := f.inFlight[w.Techno]; ok && counts[w.Kind] > 0 {
		counts[w.Kind]--
	}
}
