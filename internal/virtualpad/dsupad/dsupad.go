// Package dsupad implements the DSU-backed virtual-pad surface: each
// instance owns a (server, slot index) pair on the shared dsu.Server
// singleton and translates normalized frames into that slot's pad-data
// state.
package dsupad

import (
	"github.com/sirupsen/logrus"

	"github.com/dalmatheo/gc-controller/internal/dsu"
	"github.com/dalmatheo/gc-controller/internal/slot"
)

// buttonAction describes which DSU button byte and bit a canonical button
// maps to; the paired analog-pressure byte is set by applyPressure.
type buttonAction struct {
	setByte1 bool // true: buttons1, false: buttons2
	bit      byte
}

var actions = map[uint32]buttonAction{
	slot.ButtonStart:     {setByte1: true, bit: 1 << 3}, // Options
	slot.ButtonZ:         {setByte1: true, bit: 1 << 0}, // Share
	slot.ButtonDPadUp:    {setByte1: true, bit: 1 << 4},
	slot.ButtonDPadRight: {setByte1: true, bit: 1 << 5},
	slot.ButtonDPadDown:  {setByte1: true, bit: 1 << 6},
	slot.ButtonDPadLeft:  {setByte1: true, bit: 1 << 7},
	slot.ButtonL:         {setByte1: false, bit: 1 << 2}, // L1
	slot.ButtonR:         {setByte1: false, bit: 1 << 3}, // R1
	slot.ButtonY:         {setByte1: false, bit: 1 << 4}, // Triangle
	slot.ButtonB:         {setByte1: false, bit: 1 << 5}, // Circle
	slot.ButtonA:         {setByte1: false, bit: 1 << 6}, // Cross
	slot.ButtonX:         {setByte1: false, bit: 1 << 7}, // Square
}

// Surface is the DSU-backed slot.Surface implementation.
type Surface struct {
	log    *logrus.Entry
	server *dsu.Server
	index  int
}

// New acquires the process-wide DSU server (starting it on first use) and
// marks the given slot connected.
func New(index int, log *logrus.Entry) (*Surface, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	server, err := dsu.Acquire(log)
	if err != nil {
		return nil, err
	}
	server.SetSlotConnected(index, true)
	return &Surface{log: log, server: server, index: index}, nil
}

// Port returns the UDP port the shared DSU server is bound to.
func (s *Surface) Port() int { return s.server.Port() }

// SetRumbleCallback registers cb as the DSU server's rumble handler for this
// slot. The server decodes no incoming client rumble message, so cb is
// stored but never invoked.
func (s *Surface) SetRumbleCallback(cb func(strong, weak byte)) {
	s.server.SetRumbleCallback(s.index, cb)
}

// Push translates a normalized frame into DSU wire fields and pushes it to
// every subscriber of this slot.
func (s *Surface) Push(frame slot.Frame) error {
	state := dsu.SlotState{
		LX: axisByte(frame.LeftStick.X),
		LY: axisByteInverted(frame.LeftStick.Y),
		RX: axisByte(frame.RightStick.X),
		RY: axisByteInverted(frame.RightStick.Y),
	}

	for button, action := range actions {
		if frame.Buttons&button == 0 {
			continue
		}
		if action.setByte1 {
			state.Buttons1 |= action.bit
		} else {
			state.Buttons2 |= action.bit
		}
		applyPressure(&state, button, true)
	}

	state.LTrigger = frame.TriggerLeft
	state.RTrigger = frame.TriggerRight

	s.server.UpdateSlot(s.index, state)
	return nil
}

// applyPressure sets the DSU analog-pressure byte paired with a digital
// button: 255 when pressed, 0 when released. GameCube buttons are digital,
// but the protocol expects a pressure byte for each.
func applyPressure(state *dsu.SlotState, button uint32, pressed bool) {
	var value byte
	if pressed {
		value = 255
	}
	switch button {
	case slot.ButtonDPadUp:
		state.DPadUp = value
	case slot.ButtonDPadDown:
		state.DPadDown = value
	case slot.ButtonDPadLeft:
		state.DPadLeft = value
	case slot.ButtonDPadRight:
		state.DPadRight = value
	case slot.ButtonL:
		state.L1 = value
	case slot.ButtonR:
		state.R1 = value
	case slot.ButtonY:
		state.Triangle = value
	case slot.ButtonB:
		state.Circle = value
	case slot.ButtonA:
		state.Cross = value
	case slot.ButtonX:
		state.Square = value
	}
}

// axisByte maps [-1, 1] to the DSU stick byte domain, rounding so neutral
// lands exactly on 128.
func axisByte(normalized float64) byte {
	v := (normalized+1)*127.5 + 0.5
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// axisByteInverted flips the Y axis: this project's Point.Y is positive-up,
// DSU's Y is positive-down.
func axisByteInverted(normalized float64) byte {
	return axisByte(-normalized)
}

// SetRumble is a no-op on this surface: rumble on the DSU path is modeled as
// flowing the other way, through the callback registered with
// SetRumbleCallback.
func (s *Surface) SetRumble(strong, weak byte) error {
	return nil
}

// Close marks the slot disconnected and releases this Surface's reference
// to the shared DSU server.
func (s *Surface) Close() error {
	s.server.SetSlotConnected(s.index, false)
	dsu.Release()
	return nil
}
