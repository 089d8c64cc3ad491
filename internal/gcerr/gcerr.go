// Package gcerr defines the error taxonomy shared by every subsystem of the
// controller core, so callers can branch on failure class with errors.Is
// instead of matching message strings.
package gcerr

import "errors"

var (
	// ErrDeviceNotFound means transport enumeration found no matching device.
	// User-visible, retryable.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrTransport covers USB write, HID open, or BLE connect failures.
	// Retryable.
	ErrTransport = errors.New("transport error")

	// ErrProtocol covers a command timeout or unexpected response during the
	// SW2 handshake. Logged; the handshake step may be skippable.
	ErrProtocol = errors.New("protocol error")

	// ErrEmulationUnavailable means the requested virtual-pad backend is not
	// supported on this host.
	ErrEmulationUnavailable = errors.New("emulation backend unavailable")

	// ErrPipeNotReady means the pipe backend tried to write with no reader
	// attached.
	ErrPipeNotReady = errors.New("pipe has no reader")

	// ErrCalibration means normalization was attempted against a degenerate
	// range (r == 0).
	ErrCalibration = errors.New("degenerate calibration range")

	// ErrPersistence covers settings load/save failures.
	ErrPersistence = errors.New("settings persistence error")
)
