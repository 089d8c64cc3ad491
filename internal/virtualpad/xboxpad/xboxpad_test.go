package xboxpad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalmatheo/gc-controller/internal/gcerr"
	"github.com/dalmatheo/gc-controller/internal/slot"
)

func TestUnavailableDriverReportsReason(t *testing.T) {
	s := New(NewUnavailable("no ViGEm bus driver found"))
	assert.False(t, s.IsAvailable())
	assert.Equal(t, "no ViGEm bus driver found", s.UnavailableReason())
}

func TestUnavailableDriverDefaultReason(t *testing.T) {
	s := New(NewUnavailable(""))
	assert.Equal(t, DefaultUnavailableReason, s.UnavailableReason())
}

func TestPushOnUnavailableDriverReturnsErr(t *testing.T) {
	s := New(nil)
	err := s.Push(slot.Frame{})
	assert.ErrorIs(t, err, gcerr.ErrEmulationUnavailable)
}

type fakeDriver struct {
	available bool
	pushed    []slot.Frame
	rumbleCB  func(byte, byte)
	closed    bool
}

func (f *fakeDriver) Available() bool           { return f.available }
func (f *fakeDriver) UnavailableReason() string { return "" }
func (f *fakeDriver) UpdateState(frame slot.Frame) error {
	f.pushed = append(f.pushed, frame)
	return nil
}
func (f *fakeDriver) SetRumbleCallback(cb func(byte, byte)) { f.rumbleCB = cb }
func (f *fakeDriver) Close() error                          { f.closed = true; return nil }

func TestPushForwardsToAvailableDriver(t *testing.T) {
	driver := &fakeDriver{available: true}
	s := New(driver)

	require.NoError(t, s.Push(slot.Frame{Buttons: slot.ButtonA}))
	require.Len(t, driver.pushed, 1)
	assert.Equal(t, uint32(slot.ButtonA), driver.pushed[0].Buttons)
}

func TestCloseDelegatesToDriver(t *testing.T) {
	driver := &fakeDriver{available: true}
	s := New(driver)
	require.NoError(t, s.Close())
	assert.True(t, driver.closed)
}
