// Package pipe implements the named-pipe virtual-pad backend: a POSIX FIFO
// written with one "SET <token> <value>" line per changed axis or trigger and
// one "PRESS <token>" / "RELEASE <token>" line per changed button, consumed
// by the target emulator's pipe-input device.
package pipe

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dalmatheo/gc-controller/internal/gcerr"
	"github.com/dalmatheo/gc-controller/internal/slot"
)

// Path is the fixed, documented FIFO path created proactively at startup so
// a downstream emulator can list the device before the writer attaches.
const Path = "/tmp/gc_controller_pipe"

const buttonBitCount = 32

// buttonTokens names the token emitted for each bit of slot.Frame's Buttons
// mask (see slot.Button* constants). Unused bits are left empty and never
// emitted.
var buttonTokens = [buttonBitCount]string{}

func init() {
	set := func(bit uint32, token string) {
		for i := 0; i < buttonBitCount; i++ {
			if uint32(1)<<uint(i) == bit {
				buttonTokens[i] = token
				return
			}
		}
	}
	set(slot.ButtonA, "A")
	set(slot.ButtonB, "B")
	set(slot.ButtonX, "X")
	set(slot.ButtonY, "Y")
	set(slot.ButtonStart, "START")
	set(slot.ButtonZ, "Z")
	set(slot.ButtonDPadUp, "DPAD_UP")
	set(slot.ButtonDPadDown, "DPAD_DOWN")
	set(slot.ButtonDPadLeft, "DPAD_LEFT")
	set(slot.ButtonDPadRight, "DPAD_RIGHT")
	set(slot.ButtonL, "L_DIGITAL")
	set(slot.ButtonR, "R_DIGITAL")
	set(slot.ButtonZL, "ZL")
	set(slot.ButtonHome, "HOME")
	set(slot.ButtonCapture, "CAPTURE")
	set(slot.ButtonChat, "CHAT")
	set(slot.ButtonGR, "GR")
	set(slot.ButtonGL, "GL")
}

// Surface writes normalized frames to a FIFO as SET and PRESS/RELEASE lines. It implements
// slot.Surface.
type Surface struct {
	log  *logrus.Entry
	path string

	mu   sync.Mutex
	file *os.File

	lastButtons uint32
	lastLX      float64
	lastLY      float64
	lastRX      float64
	lastRY      float64
	lastTL      byte
	lastTR      byte
	haveLast    bool
}

// EnsureFIFO creates the named pipe at path if it doesn't already exist.
// Safe to call repeatedly; called proactively at startup so the FIFO is
// visible to the emulator before any writer opens it.
func EnsureFIFO(path string) error {
	err := unix.Mkfifo(path, 0o666)
	if err == nil || err == unix.EEXIST {
		return nil
	}
	return fmt.Errorf("%w: create fifo %s: %v", gcerr.ErrPipeNotReady, path, err)
}

// New returns a Surface bound to path. It does not open the pipe; the first
// Push call opens it (non-blocking) so construction never blocks waiting
// for a reader.
func New(path string, log *logrus.Entry) *Surface {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if path == "" {
		path = Path
	}
	return &Surface{log: log, path: path}
}

// Push emits one line per field that changed since the last Push (SET for
// axes and triggers, PRESS/RELEASE for buttons). If no
// reader is attached, the underlying open/write returns ENXIO, which is
// wrapped as gcerr.ErrPipeNotReady and surfaced verbatim so the orchestrator
// can present the "emulator is not reading the pipe" remediation message.
func (s *Surface) Push(frame slot.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureOpen(); err != nil {
		return err
	}

	lines := s.diffLines(frame)
	if len(lines) == 0 {
		return nil
	}

	for _, line := range lines {
		if _, err := s.file.WriteString(line); err != nil {
			s.file.Close()
			s.file = nil
			if errors.Is(err, unix.ENXIO) {
				return fmt.Errorf("%w: no reader attached on %s", gcerr.ErrPipeNotReady, s.path)
			}
			return fmt.Errorf("%w: write %s: %v", gcerr.ErrTransport, s.path, err)
		}
	}
	return nil
}

func (s *Surface) ensureOpen() error {
	if s.file != nil {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, unix.ENXIO) || os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", gcerr.ErrPipeNotReady, s.path)
		}
		return fmt.Errorf("%w: open %s: %v", gcerr.ErrTransport, s.path, err)
	}
	s.file = f
	return nil
}

func (s *Surface) diffLines(frame slot.Frame) []string {
	var lines []string

	if !s.haveLast || frame.LeftStick.X != s.lastLX {
		lines = append(lines, fmt.Sprintf("SET STICK_L_X %.4f\n", frame.LeftStick.X))
	}
	if !s.haveLast || frame.LeftStick.Y != s.lastLY {
		lines = append(lines, fmt.Sprintf("SET STICK_L_Y %.4f\n", frame.LeftStick.Y))
	}
	if !s.haveLast || frame.RightStick.X != s.lastRX {
		lines = append(lines, fmt.Sprintf("SET STICK_R_X %.4f\n", frame.RightStick.X))
	}
	if !s.haveLast || frame.RightStick.Y != s.lastRY {
		lines = append(lines, fmt.Sprintf("SET STICK_R_Y %.4f\n", frame.RightStick.Y))
	}
	if !s.haveLast || frame.TriggerLeft != s.lastTL {
		lines = append(lines, fmt.Sprintf("SET TRIGGER_L %.4f\n", float64(frame.TriggerLeft)/255.0))
	}
	if !s.haveLast || frame.TriggerRight != s.lastTR {
		lines = append(lines, fmt.Sprintf("SET TRIGGER_R %.4f\n", float64(frame.TriggerRight)/255.0))
	}

	changed := frame.Buttons ^ s.lastButtons
	if !s.haveLast {
		changed = frame.Buttons | s.lastButtons
	}
	for bit := 0; bit < buttonBitCount; bit++ {
		mask := uint32(1) << uint(bit)
		if changed&mask == 0 {
			continue
		}
		token := buttonTokens[bit]
		if token == "" {
			continue
		}
		if frame.Buttons&mask != 0 {
			lines = append(lines, fmt.Sprintf("PRESS %s\n", token))
		} else {
			lines = append(lines, fmt.Sprintf("RELEASE %s\n", token))
		}
	}

	s.lastButtons = frame.Buttons
	s.lastLX, s.lastLY = frame.LeftStick.X, frame.LeftStick.Y
	s.lastRX, s.lastRY = frame.RightStick.X, frame.RightStick.Y
	s.lastTL, s.lastTR = frame.TriggerLeft, frame.TriggerRight
	s.haveLast = true

	return lines
}

// SetRumble is a no-op: the pipe protocol is output-only, with no rumble
// feedback path.
func (s *Surface) SetRumble(strong, weak byte) error {
	return nil
}

// Close releases the open pipe file descriptor, if any.
func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
