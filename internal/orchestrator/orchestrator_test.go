package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalmatheo/gc-controller/internal/gcerr"
	"github.com/dalmatheo/gc-controller/internal/settings"
	"github.com/dalmatheo/gc-controller/internal/slot"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return o
}

func TestNewBuildsFourIdleSlots(t *testing.T) {
	o := newTestOrchestrator(t)
	for i := 0; i < maxSlots; i++ {
		s := o.Slot(i)
		require.NotNil(t, s)
		assert.Equal(t, slot.ModeDisconnected, s.CurrentMode())
	}
}

func TestSlotOutOfRangeReturnsNil(t *testing.T) {
	o := newTestOrchestrator(t)
	assert.Nil(t, o.Slot(-1))
	assert.Nil(t, o.Slot(maxSlots))
}

func TestBindEmulationUnknownModeErrors(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.BindEmulation(0, settings.EmulationMode("bogus"))
	assert.Error(t, err)
}

func TestBindEmulationOutOfRangeSlotErrors(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.BindEmulation(maxSlots, settings.EmulationDolphinPipe)
	assert.Error(t, err)
}

func TestBindEmulationXboxUnavailableByDefault(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.BindEmulation(0, settings.EmulationXbox360)
	assert.ErrorIs(t, err, gcerr.ErrEmulationUnavailable)
}

func TestFindOrAssignBLESlotReusesBoundAddress(t *testing.T) {
	o := newTestOrchestrator(t)
	first := o.findOrAssignBLESlot("AA:BB:CC:DD:EE:FF")
	require.NotNil(t, first)

	second := o.findOrAssignBLESlot("AA:BB:CC:DD:EE:FF")
	assert.Same(t, first, second)
}

func TestFindOrAssignBLESlotPicksDistinctFreeSlots(t *testing.T) {
	o := newTestOrchestrator(t)
	a := o.findOrAssignBLESlot("AA:AA:AA:AA:AA:AA")
	b := o.findOrAssignBLESlot("BB:BB:BB:BB:BB:BB")
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotSame(t, a, b)
}

func TestFindOrAssignBLESlotReturnsNilWhenFull(t *testing.T) {
	o := newTestOrchestrator(t)
	for i := 0; i < maxSlots; i++ {
		require.NotNil(t, o.findOrAssignBLESlot(string(rune('A'+i))+":00:00:00:00:00"))
	}
	assert.Nil(t, o.findOrAssignBLESlot("ZZ:ZZ:ZZ:ZZ:ZZ:ZZ"))
}

func TestSlotCalibrationFromUsesStoreDefaults(t *testing.T) {
	o := newTestOrchestrator(t)
	sc := slotCalibrationFrom(o.store, 0)
	assert.Equal(t, o.store.Slots[0].LeftStick, sc.LeftStick)
	assert.Equal(t, o.store.Slots[0].TriggerLeft, sc.TriggerLeft)
}

func TestPostStatusIsNonBlockingWhenUnread(t *testing.T) {
	o := newTestOrchestrator(t)
	for i := 0; i < 64; i++ {
		o.postStatus(0, "status %d", i)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t)
	o.Stop()
	o.Stop()
}
