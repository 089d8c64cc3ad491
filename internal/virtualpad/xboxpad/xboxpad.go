// Package xboxpad defines the abstract Xbox-style virtual-pad surface. The
// core only consumes the Driver interface and the availability query; the
// concrete OS-level virtual-gamepad driver (ViGEm on Windows, uinput
// elsewhere) is an external collaborator, so the default Driver is an
// always-unavailable stub until a platform binding is injected.
package xboxpad

import (
	"sync"

	"github.com/dalmatheo/gc-controller/internal/gcerr"
	"github.com/dalmatheo/gc-controller/internal/slot"
)

// Driver is the platform-specific virtual-gamepad binding the core depends
// on without naming. A real implementation lives outside this module (build
// tag gated, e.g. `//go:build windows`) and is wired in by the orchestrator.
type Driver interface {
	// Available reports whether this driver can be used on the current
	// host (driver/service present, permissions available).
	Available() bool
	// UnavailableReason explains why Available is false, for display to
	// the user; empty when Available is true.
	UnavailableReason() string
	// UpdateState pushes one normalized frame's worth of button/axis/
	// trigger state to the virtual device.
	UpdateState(frame slot.Frame) error
	// SetRumbleCallback registers a callback invoked when the OS delivers
	// a rumble command from a game.
	SetRumbleCallback(func(strong, weak byte))
	// Close tears down the virtual device.
	Close() error
}

// unavailableDriver is the zero-value Driver used when no platform binding
// has been wired in: every call reports the surface as unavailable rather
// than panicking or silently discarding frames.
type unavailableDriver struct {
	reason string
}

func (u unavailableDriver) Available() bool           { return false }
func (u unavailableDriver) UnavailableReason() string { return u.reason }
func (u unavailableDriver) UpdateState(slot.Frame) error {
	return gcerr.ErrEmulationUnavailable
}
func (u unavailableDriver) SetRumbleCallback(func(strong, weak byte)) {}
func (u unavailableDriver) Close() error                              { return nil }

// DefaultUnavailableReason is used when no more specific reason is given to
// NewUnavailable.
const DefaultUnavailableReason = "no Xbox-style virtual gamepad driver is installed on this host"

// NewUnavailable returns a Driver that always reports unavailable, for
// platforms or builds with no virtual-gamepad binding compiled in.
func NewUnavailable(reason string) Driver {
	if reason == "" {
		reason = DefaultUnavailableReason
	}
	return unavailableDriver{reason: reason}
}

// Surface adapts a Driver to slot.Surface.
type Surface struct {
	mu     sync.Mutex
	driver Driver
}

// New wraps driver as a slot.Surface. Pass xboxpad.NewUnavailable(...) when
// no platform driver is compiled in.
func New(driver Driver) *Surface {
	if driver == nil {
		driver = NewUnavailable("")
	}
	return &Surface{driver: driver}
}

// IsAvailable reports whether the underlying driver can be used.
func (s *Surface) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver.Available()
}

// UnavailableReason explains why IsAvailable is false.
func (s *Surface) UnavailableReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver.UnavailableReason()
}

// Push forwards the frame to the driver, or reports
// gcerr.ErrEmulationUnavailable when the driver can't accept it.
func (s *Surface) Push(frame slot.Frame) error {
	s.mu.Lock()
	driver := s.driver
	s.mu.Unlock()

	if !driver.Available() {
		return gcerr.ErrEmulationUnavailable
	}
	return driver.UpdateState(frame)
}

// SetRumble is a no-op placeholder: rumble flows the other direction on
// this surface (OS → SetRumbleCallback), matching the Driver's injected
// callback shape rather than a push API.
func (s *Surface) SetRumble(strong, weak byte) error {
	return nil
}

// Close tears down the underlying driver.
func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver.Close()
}
