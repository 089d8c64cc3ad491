package slot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalmatheo/gc-controller/internal/calibration"
)

func TestNormalizeBLEAddressStripsSuffix(t *testing.T) {
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", NormalizeBLEAddress("AA:BB:CC:DD:EE:FF/P"))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", NormalizeBLEAddress("AA:BB:CC:DD:EE:FF/R"))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", NormalizeBLEAddress("AA:BB:CC:DD:EE:FF"))
	assert.Equal(t, "", NormalizeBLEAddress(""))
}

func defaultCal() SlotCalibration {
	return SlotCalibration{
		LeftStick:    calibration.DefaultStick,
		RightStick:   calibration.DefaultStick,
		TriggerLeft:  calibration.DefaultTrigger,
		TriggerRight: calibration.DefaultTrigger,
	}
}

type fakeSurface struct {
	pushed  []Frame
	strong  byte
	weak    byte
	closed  bool
	pushErr error
}

func (f *fakeSurface) Push(frame Frame) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, frame)
	return nil
}

func (f *fakeSurface) SetRumble(strong, weak byte) error {
	f.strong, f.weak = strong, weak
	return nil
}

func (f *fakeSurface) Close() error {
	f.closed = true
	return nil
}

func TestPushFrameWithNoSurfaceIsNoop(t *testing.T) {
	s := New(0, defaultCal(), nil)
	err := s.PushFrame(RawInput{LX: 128, LY: 128, RX: 128, RY: 128})
	require.NoError(t, err)
}

func TestPushFrameForwardsToBoundSurface(t *testing.T) {
	s := New(0, defaultCal(), nil)
	surf := &fakeSurface{}
	require.NoError(t, s.BindSurface(surf))

	require.NoError(t, s.PushFrame(RawInput{LX: 228, LY: 128, RX: 128, RY: 128, Buttons: 0x1}))
	require.Len(t, surf.pushed, 1)
	assert.InDelta(t, 1.0, surf.pushed[0].LeftStick.X, 0.001)
	assert.Equal(t, uint32(0x1), surf.pushed[0].Buttons)
}

func TestBindSurfaceClosesPrevious(t *testing.T) {
	s := New(0, defaultCal(), nil)
	first := &fakeSurface{}
	second := &fakeSurface{}

	require.NoError(t, s.BindSurface(first))
	require.NoError(t, s.BindSurface(second))

	assert.True(t, first.closed)
	assert.False(t, second.closed)
}

func TestSetRumbleTracksActiveState(t *testing.T) {
	s := New(0, defaultCal(), nil)
	surf := &fakeSurface{}
	require.NoError(t, s.BindSurface(surf))

	require.NoError(t, s.SetRumble(200, 0))
	assert.True(t, s.RumbleActive)
	assert.Equal(t, byte(200), surf.strong)

	require.NoError(t, s.SetRumble(0, 0))
	assert.False(t, s.RumbleActive)
}

func TestPushFrameSurfacesError(t *testing.T) {
	s := New(0, defaultCal(), nil)
	boom := errors.New("boom")
	require.NoError(t, s.BindSurface(&fakeSurface{pushErr: boom}))

	err := s.PushFrame(RawInput{LX: 128, LY: 128, RX: 128, RY: 128})
	assert.ErrorIs(t, err, boom)
}

func TestSetModeTransitions(t *testing.T) {
	s := New(0, defaultCal(), nil)
	assert.Equal(t, ModeDisconnected, s.CurrentMode())

	s.SetMode(ModeStreamingUSB)
	assert.Equal(t, ModeStreamingUSB, s.CurrentMode())
}

func TestBeginStreamingStopsPreviousWorker(t *testing.T) {
	s := New(0, defaultCal(), nil)

	first := s.BeginStreaming()
	second := s.BeginStreaming()

	select {
	case <-first:
	default:
		t.Fatal("expected first stop channel to be closed by the second BeginStreaming")
	}
	select {
	case <-second:
		t.Fatal("second stop channel should still be open")
	default:
	}
}

func TestStopStreamingIsIdempotent(t *testing.T) {
	s := New(0, defaultCal(), nil)
	ch := s.BeginStreaming()
	s.StopStreaming()
	s.StopStreaming()

	select {
	case <-ch:
	default:
		t.Fatal("expected stop channel to be closed")
	}
}

func TestUpdateCalibrationReplacesCalibration(t *testing.T) {
	s := New(0, defaultCal(), nil)
	newCal := defaultCal()
	newCal.LeftStick.CenterX = 100
	s.UpdateCalibration(newCal)

	frame := s.Normalize(RawInput{LX: 100, LY: 128, RX: 128, RY: 128})
	assert.InDelta(t, 0.0, frame.LeftStick.X, 0.001)
}
