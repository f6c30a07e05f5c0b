package iosched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapeworks/shelf/pkg/config"
)

// fakeDevice implements Device for dispatch tests
type fakeDevice struct {
	serial string
	techno string
	ready  bool
	loaded string
}

func (d *fakeDevice) Serial() string   { return d.serial }
func (d *fakeDevice) Techno() string   { return d.techno }
func (d *fakeDevice) SchedReady() bool { return d.ready }
func (d *fakeDevice) Loaded() string   { return d.loaded }

func devices(devs ...*fakeDevice) []Device {
	out := make([]Device, len(devs))
	for i, d := range devs {
		out[i] = d
	}
	return out
}

func TestNewUnknownAlgorithm(t *testing.T) {
	_, err := New("round_robin", config.IOSchedConfig{})
	assert.Error(t, err)
}

func TestFifoPicksFirstReady(t *testing.T) {
	algo, err := New("fifo", config.IOSchedConfig{})
	require.NoError(t, err)

	devs := devices(
		&fakeDevice{serial: "drv0", techno: "LTO5", ready: false},
		&fakeDevice{serial: "drv1", techno: "LTO5", ready: true},
		&fakeDevice{serial: "drv2", techno: "LTO5", ready: true},
	)
	picked := algo.Pick(Work{Kind: KindWrite, Techno: "LTO5"}, devs)
	require.NotNil(t, picked)
	assert.Equal(t, "drv1", picked.Serial())
}

func TestFifoPrefersDriveHoldingMedium(t *testing.T) {
	algo, _ := New("fifo", config.IOSchedConfig{})

	devs := devices(
		&fakeDevice{serial: "drv0", techno: "LTO5", ready: true},
		&fakeDevice{serial: "drv1", techno: "LTO5", ready: true, loaded: "P00001L5"},
	)
	picked := algo.Pick(Work{Kind: KindRead, Techno: "LTO5", MediumID: "P00001L5"}, devs)
	require.NotNil(t, picked)
	assert.Equal(t, "drv1", picked.Serial())
}

func TestTechnoCompatibility(t *testing.T) {
	algo, _ := New("fifo", config.IOSchedConfig{})
	lto5 := devices(&fakeDevice{serial: "drv0", techno: "LTO5", ready: true})

	// an LTO5 drive cannot write or format LTO6 media
	assert.Nil(t, algo.Pick(Work{Kind: KindFormat, Techno: "LTO6"}, lto5))
	assert.Nil(t, algo.Pick(Work{Kind: KindWrite, Techno: "LTO6"}, lto5))

	// an LTO6 drive reads one generation back but only writes its own
	lto6 := devices(&fakeDevice{serial: "drv1", techno: "LTO6", ready: true})
	assert.NotNil(t, algo.Pick(Work{Kind: KindRead, Techno: "LTO5"}, lto6))
	assert.Nil(t, algo.Pick(Work{Kind: KindWrite, Techno: "LTO5"}, lto6))
}

func TestGroupedReadCoalesces(t *testing.T) {
	algo, _ := New("grouped_read", config.IOSchedConfig{})

	devs := devices(
		&fakeDevice{serial: "drv0", techno: "LTO5", ready: true, loaded: "OTHER"},
		&fakeDevice{serial: "drv1", techno: "LTO5", ready: true, loaded: "P00001L5"},
		&fakeDevice{serial: "drv2", techno: "LTO5", ready: true},
	)

	picked := algo.Pick(Work{Kind: KindRead, Techno: "LTO5", MediumID: "P00001L5"}, devs)
	require.NotNil(t, picked)
	assert.Equal(t, "drv1", picked.Serial())

	// for a medium nobody holds, prefer an empty drive over evicting
	picked = algo.Pick(Work{Kind: KindRead, Techno: "LTO5", MediumID: "NEW"}, devs)
	require.NotNil(t, picked)
	assert.Equal(t, "drv2", picked.Serial())
}

func fairShareLTO5(maxFormat, maxWrite, maxRead int) *FairShare {
	return NewFairShare(map[string]config.FairShareConfig{
		"LTO5": {MaxFormat: maxFormat, MaxWrite: maxWrite, MaxRead: maxRead},
	})
}

func TestFairShareEnforcesMaximum(t *testing.T) {
	algo := fairShareLTO5(0, 1, 1)
	devs := devices(
		&fakeDevice{serial: "drv0", techno: "LTO5", ready: true},
		&fakeDevice{serial: "drv1", techno: "LTO5", ready: true},
	)

	w := Work{Kind: KindWrite, Techno: "LTO5"}
	picked := algo.Pick(w, devs)
	require.NotNil(t, picked)
	algo.Commit(w)

	// the write maximum is reached: refuse, even with an idle drive
	assert.Nil(t, algo.Pick(w, devs))

	// reads have their own budget
	r := Work{Kind: KindRead, Techno: "LTO5", MediumID: "m"}
	assert.NotNil(t, algo.Pick(r, devs))

	// formats are capped at zero
	assert.Nil(t, algo.Pick(Work{Kind: KindFormat, Techno: "LTO5"}, devs))

	algo.Done(w)
	assert.NotNil(t, algo.Pick(w, devs))
}

func TestFairShareZeroReadMaxThenRaise(t *testing.T) {
	algo := fairShareLTO5(0, 1, 0)
	devs := devices(&fakeDevice{serial: "drv0", techno: "LTO5", ready: true})

	r := Work{Kind: KindRead, Techno: "LTO5", MediumID: "P00001L5"}
	assert.Nil(t, algo.Pick(r, devs))

	algo.SetShare("LTO5", config.FairShareConfig{MaxFormat: 1, MaxWrite: 1, MaxRead: 1})
	assert.NotNil(t, algo.Pick(r, devs))
}

func TestFairShareUnknownTechnoUnbounded(t *testing.T) {
	algo := fairShareLTO5(1, 1, 1)
	devs := devices(&fakeDevice{serial: "drv0", techno: "LTO6", ready: true})

	w := Work{Kind: KindWrite, Techno: "LTO6"}
	for i := 0; i < 5; i++ {
		require.NotNil(t, algo.Pick(w, devs))
		algo.Commit(w)
	}
	assert.Equal(t, 5, algo.InFlight("LTO6", KindWrite))
}

func TestFairShareSoftMinimumReservesCapacity(t *testing.T) {
	algo := NewFairShare(map[string]config.FairShareConfig{
		"LTO5": {MinRead: 1, MaxFormat: 2, MaxWrite: 2, MaxRead: 2},
	})
	// one free drive, reads below their minimum: a write must not
	// consume the reserved drive
	devs := devices(&fakeDevice{serial: "drv0", techno: "LTO5", ready: true})

	assert.Nil(t, algo.Pick(Work{Kind: KindWrite, Techno: "LTO5"}, devs))

	// the read itself gets the drive
	r := Work{Kind: KindRead, Techno: "LTO5", MediumID: "m"}
	require.NotNil(t, algo.Pick(r, devs))
	algo.Commit(r)

	// minimum satisfied: with a second free drive writes flow again
	devs2 := devices(
		&fakeDevice{serial: "drv0", techno: "LTO5", ready: true},
		&fakeDevice{serial: "drv1", techno: "LTO5", ready: true},
	)
	assert.NotNil(t, algo.Pick(Work{Kind: KindWrite, Techno: "LTO5"}, devs2))
}
