// Package slot holds the per-controller runtime state container. Each slot
// owns its own calibration, connection mode, bound virtual-pad surface, and
// rumble state, independent of the other three slots.
package slot

import (
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dalmatheo/gc-controller/internal/calibration"
)

// ConnectionMode identifies the transport a slot is currently using or
// attempting to use.
type ConnectionMode int

const (
	ModeDisconnected ConnectionMode = iota
	ModeConnectingUSB
	ModeConnectingBLE
	ModeStreamingUSB
	ModeStreamingBLE
	ModeReconnectingBLE
)

func (m ConnectionMode) String() string {
	switch m {
	case ModeDisconnected:
		return "disconnected"
	case ModeConnectingUSB:
		return "connecting_usb"
	case ModeConnectingBLE:
		return "connecting_ble"
	case ModeStreamingUSB:
		return "streaming_usb"
	case ModeStreamingBLE:
		return "streaming_ble"
	case ModeReconnectingBLE:
		return "reconnecting_ble"
	default:
		return "unknown"
	}
}

var bleAddressSuffix = regexp.MustCompile(`/[PR]$`)

// NormalizeBLEAddress strips a trailing "/P" or "/R" suffix some Linux BLE
// stacks append to addresses, which other platforms' BLE stacks don't
// understand and will fail to match against.
func NormalizeBLEAddress(addr string) string {
	if addr == "" {
		return addr
	}
	return bleAddressSuffix.ReplaceAllString(addr, "")
}

// RawInput is one unprocessed sample read from a device. Sticks and
// triggers are raw 0-255 byte values; Buttons is a bitmask in device-native
// order.
type RawInput struct {
	Buttons                   uint32
	LX, LY, RX, RY            int
	TriggerLeft, TriggerRight int
}

// Surface is the capability every virtual-pad backend implements; a slot
// pushes normalized frames to whichever surface it is bound to. Defined here
// (rather than in package virtualpad) to avoid an import cycle, since both
// virtualpad backends and the orchestrator need to refer to a slot's surface
// without slot depending on every backend package.
type Surface interface {
	Push(frame Frame) error
	SetRumble(strong, weak byte) error
	Close() error
}

// Frame is one normalized input sample ready to hand to a virtual-pad
// surface.
type Frame struct {
	Buttons                   uint32
	LeftStick, RightStick     calibration.Point
	TriggerLeft, TriggerRight byte
}

// Slot is the per-controller runtime state container.
type Slot struct {
	Index int

	log *logrus.Entry

	mu sync.Mutex

	Calibration  SlotCalibration
	Mode         ConnectionMode
	BLEAddress   string
	Surface      Surface
	RumbleActive bool
	LastFrame    Frame

	stop chan struct{}
}

// SlotCalibration bundles the calibration pieces a slot needs to normalize
// raw samples. Mirrors settings.SlotCalibration without importing package
// settings, which depends on package calibration but must not depend on
// package slot.
type SlotCalibration struct {
	LeftStick, RightStick     calibration.Stick
	TriggerLeft, TriggerRight calibration.Trigger
}

// New returns an idle, disconnected slot.
func New(index int, cal SlotCalibration, log *logrus.Entry) *Slot {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Slot{
		Index:       index,
		log:         log.WithField("slot", index),
		Calibration: cal,
		Mode:        ModeDisconnected,
	}
}

// BindSurface attaches the virtual-pad backend this slot streams into,
// closing any previously bound surface first.
func (s *Slot) BindSurface(surface Surface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Surface != nil {
		if err := s.Surface.Close(); err != nil {
			s.log.WithError(err).Warn("error closing previous surface")
		}
	}
	s.Surface = surface
	return nil
}

// SetMode transitions the slot's connection mode, logging the change.
func (s *Slot) SetMode(mode ConnectionMode) {
	s.mu.Lock()
	prev := s.Mode
	s.Mode = mode
	s.mu.Unlock()
	if prev != mode {
		s.log.WithFields(logrus.Fields{"from": prev, "to": mode}).Debug("connection mode changed")
	}
}

// CurrentMode returns the slot's connection mode.
func (s *Slot) CurrentMode() ConnectionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Mode
}

// Normalize converts a raw device sample into a bound Frame using the
// slot's current calibration.
func (s *Slot) Normalize(raw RawInput) Frame {
	s.mu.Lock()
	cal := s.Calibration
	s.mu.Unlock()

	return Frame{
		Buttons:      raw.Buttons,
		LeftStick:    cal.LeftStick.NormalizeStick(raw.LX, raw.LY),
		RightStick:   cal.RightStick.NormalizeStick(raw.RX, raw.RY),
		TriggerLeft:  cal.TriggerLeft.NormalizeTrigger(raw.TriggerLeft),
		TriggerRight: cal.TriggerRight.NormalizeTrigger(raw.TriggerRight),
	}
}

// PushFrame normalizes a raw sample and forwards it to the bound surface, if
// any. Returns nil with no effect if no surface is bound yet.
func (s *Slot) PushFrame(raw RawInput) error {
	frame := s.Normalize(raw)

	s.mu.Lock()
	s.LastFrame = frame
	surface := s.Surface
	s.mu.Unlock()

	if surface == nil {
		return nil
	}
	return surface.Push(frame)
}

// SetRumble forwards a rumble request to the bound surface and records the
// active/inactive state.
func (s *Slot) SetRumble(strong, weak byte) error {
	s.mu.Lock()
	surface := s.Surface
	s.RumbleActive = strong > 0 || weak > 0
	s.mu.Unlock()

	if surface == nil {
		return nil
	}
	return surface.SetRumble(strong, weak)
}

// UpdateCalibration replaces the slot's calibration, e.g. after a
// recalibration wizard completes.
func (s *Slot) UpdateCalibration(cal SlotCalibration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calibration = cal
}

// BeginStreaming arms a fresh stop channel for a new read worker and returns
// it, signalling any previous worker to exit first so at most one read
// worker is ever active per slot.
func (s *Slot) BeginStreaming() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
	}
	s.stop = make(chan struct{})
	return s.stop
}

// StopStreaming signals the active read worker, if any, to exit. The worker
// exits within one read-timeout window of the signal.
func (s *Slot) StopStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}
