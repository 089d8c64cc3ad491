// Package orchestrator wires together the settings store, calibration,
// virtual-pad surfaces, and connection managers into a running four-slot
// controller service: a USB scan loop, per-slot BLE reconnect loops, and
// context-driven shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dalmatheo/gc-controller/internal/blesw2"
	"github.com/dalmatheo/gc-controller/internal/gcerr"
	"github.com/dalmatheo/gc-controller/internal/settings"
	"github.com/dalmatheo/gc-controller/internal/slot"
	"github.com/dalmatheo/gc-controller/internal/usbhid"
	"github.com/dalmatheo/gc-controller/internal/virtualpad/dsupad"
	"github.com/dalmatheo/gc-controller/internal/virtualpad/pipe"
	"github.com/dalmatheo/gc-controller/internal/virtualpad/xboxpad"
)

const (
	usbScanInterval = 2 * time.Second
	bleRetryDelay   = 2 * time.Second
	hidReadTimeout  = 8 * time.Millisecond
	bleReadTimeout  = 100 * time.Millisecond
	maxSlots        = 4
)

// Status is a UI-facing notification. The core never calls UI code
// directly: the orchestrator only ever enqueues Status values onto a
// buffered channel (32 entries) the external UI drains. When that buffer is
// full a new Status is dropped; queued updates are not coalesced.
type Status struct {
	SlotIndex int
	Message   string
}

// Orchestrator owns the settings store, the four controller slots, and the
// background goroutines that acquire devices and feed them.
type Orchestrator struct {
	log   *logrus.Entry
	store *settings.Store

	slots [maxSlots]*slot.Slot

	xboxDriver xboxpad.Driver

	statusCh chan Status

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	usbDevice   [maxSlots]*usbhid.Device // only index 0 is ever populated: wired path is single-port
	usbDeviceMu sync.Mutex
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithXboxDriver injects the platform Xbox-style virtual-gamepad driver.
// Without it, that backend always reports unavailable.
func WithXboxDriver(d xboxpad.Driver) Option {
	return func(o *Orchestrator) { o.xboxDriver = d }
}

// New loads settings from dir and builds four idle slots. Callers must call
// Run to start the background workers.
func New(dir string, log *logrus.Entry, opts ...Option) (*Orchestrator, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	store := settings.New(dir, log)
	if err := store.Load(); err != nil {
		log.WithError(err).Warn("settings load failed; continuing with defaults")
	}

	o := &Orchestrator{
		log:      log,
		store:    store,
		statusCh: make(chan Status, 32),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	for i := 0; i < maxSlots; i++ {
		o.slots[i] = slot.New(i, slotCalibrationFrom(store, i), log)
	}
	return o, nil
}

func slotCalibrationFrom(store *settings.Store, index int) slot.SlotCalibration {
	sc := store.Slots[index]
	return slot.SlotCalibration{
		LeftStick:    sc.LeftStick,
		RightStick:   sc.RightStick,
		TriggerLeft:  sc.TriggerLeft,
		TriggerRight: sc.TriggerRight,
	}
}

// Status returns the channel the external UI should drain for status
// updates. Never blocks the real-time path: sends are best-effort and an
// update that finds the buffer full is dropped.
func (o *Orchestrator) Status() <-chan Status { return o.statusCh }

func (o *Orchestrator) postStatus(slotIndex int, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	o.log.WithField("slot", slotIndex).Info(msg)
	select {
	case o.statusCh <- Status{SlotIndex: slotIndex, Message: msg}:
	default:
	}
}

// Slot returns the runtime state for index, or nil if out of range.
func (o *Orchestrator) Slot(index int) *slot.Slot {
	if index < 0 || index >= maxSlots {
		return nil
	}
	return o.slots[index]
}

// BindEmulation attaches the virtual-pad surface matching mode to slot
// index, replacing any previously bound surface.
func (o *Orchestrator) BindEmulation(index int, mode settings.EmulationMode) error {
	s := o.Slot(index)
	if s == nil {
		return fmt.Errorf("slot %d out of range", index)
	}

	switch mode {
	case settings.EmulationDSU:
		surf, err := dsupad.New(index, o.log)
		if err != nil {
			return fmt.Errorf("%w: %v", gcerr.ErrEmulationUnavailable, err)
		}
		surf.SetRumbleCallback(func(strong, weak byte) {
			o.forwardRumble(index, strong, weak)
		})
		return s.BindSurface(surf)
	case settings.EmulationDolphinPipe:
		if err := pipe.EnsureFIFO(pipe.Path); err != nil {
			return err
		}
		return s.BindSurface(pipe.New(pipe.Path, o.log))
	case settings.EmulationXbox360:
		surf := xboxpad.New(o.xboxDriver)
		if !surf.IsAvailable() {
			return fmt.Errorf("%w: %s", gcerr.ErrEmulationUnavailable, surf.UnavailableReason())
		}
		return s.BindSurface(surf)
	default:
		return fmt.Errorf("unknown emulation mode %q", mode)
	}
}

// forwardRumble relays a virtual-pad rumble request to whichever physical
// transport currently owns the slot. Only the USB path has a concrete
// rumble write; a slot streaming over BLE has no wired rumble sink yet
// (blesw2.Device.SetRumbleCallback exists but the vibration
// characteristic's payload format is not yet known), so the BLE case is a
// deliberate no-op.
func (o *Orchestrator) forwardRumble(index int, strong, weak byte) {
	if index != 0 {
		return // only slot 0 can ever be the wired USB port
	}
	o.usbDeviceMu.Lock()
	dev := o.usbDevice[0]
	o.usbDeviceMu.Unlock()
	if dev == nil {
		return
	}
	if err := dev.SetRumble(strong, weak); err != nil {
		o.log.WithError(err).WithField("slot", index).Debug("rumble write failed")
	}
}

// Run starts the USB scan loop and, when auto_connect is set, one BLE
// connect/reconnect loop per device in the known-BLE-devices map. It blocks
// until ctx is cancelled or Stop is called, then tears down every slot.
func (o *Orchestrator) Run(ctx context.Context) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.usbScanLoop(ctx)
	}()

	if o.store.Global.AutoConnect {
		for addr := range o.store.Global.KnownBLEDevices {
			o.wg.Add(1)
			go func(addr string) {
				defer o.wg.Done()
				o.bleConnectLoop(ctx, addr)
			}(addr)
		}
	}

	select {
	case <-ctx.Done():
	case <-o.stop:
	}
	o.Stop()
}

// Stop signals every background worker to exit and closes bound surfaces.
// Idempotent.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stop)
	})
	for _, s := range o.slots {
		if s != nil {
			s.StopStreaming()
		}
	}
	o.wg.Wait()
	for _, s := range o.slots {
		if s == nil {
			continue
		}
		_ = s.SetRumble(0, 0)
		_ = s.BindSurface(nil) // closes the bound surface, if any
	}
}

// SaveSettings persists the current settings document, always in v3 shape.
func (o *Orchestrator) SaveSettings() error {
	return o.store.Save()
}

// usbScanLoop polls for the wired adapter on slot 0 every usbScanInterval.
// Only slot 0 is ever fed by the wired path.
func (o *Orchestrator) usbScanLoop(ctx context.Context) {
	ticker := time.NewTicker(usbScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			o.usbDeviceMu.Lock()
			alreadyConnected := o.usbDevice[0] != nil
			o.usbDeviceMu.Unlock()
			if alreadyConnected {
				continue
			}
			o.tryConnectUSB(ctx)
		}
	}
}

func (o *Orchestrator) tryConnectUSB(ctx context.Context) {
	dev, err := usbhid.Connect(o.log, usbhid.WithStatus(func(msg string) {
		o.postStatus(0, "%s", msg)
	}))
	if err != nil {
		return // DeviceNotFound is the normal "not plugged in yet" case
	}

	o.usbDeviceMu.Lock()
	o.usbDevice[0] = dev
	o.usbDeviceMu.Unlock()

	s := o.slots[0]
	s.SetMode(slot.ModeStreamingUSB)
	o.postStatus(0, "Controller connected (USB)")

	stopCh := s.BeginStreaming()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.usbReadLoop(ctx, s, dev, stopCh)
	}()
}

// usbReadLoop reads fixed-size HID reports until the device signals it is
// gone or the orchestrator stops, then tears the handle down and returns
// control to usbScanLoop to retry.
func (o *Orchestrator) usbReadLoop(ctx context.Context, s *slot.Slot, dev *usbhid.Device, stopCh <-chan struct{}) {
	defer func() {
		dev.Close()
		o.usbDeviceMu.Lock()
		o.usbDevice[0] = nil
		o.usbDeviceMu.Unlock()
		s.SetMode(slot.ModeDisconnected)
		o.postStatus(s.Index, "Controller disconnected — reconnecting...")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-stopCh:
			return
		default:
		}

		raw, err := dev.ReadTimeout(hidReadTimeout)
		if err != nil {
			if errors.Is(err, usbhid.ErrReadTimeout) {
				continue
			}
			if errors.Is(err, gcerr.ErrProtocol) {
				continue // short/garbled report: keep polling, not a disconnect
			}
			return // gcerr.ErrTransport: device is gone
		}
		if err := s.PushFrame(raw); err != nil {
			o.log.WithError(err).WithField("slot", s.Index).Debug("push frame failed")
		}
	}
}

// bleConnectLoop connects to addr, streams until disconnect, then waits
// bleRetryDelay and tries again. The slot's bound surface survives the
// reconnect, so the prior emulation mode resumes on success.
func (o *Orchestrator) bleConnectLoop(ctx context.Context, addr string) {
	s := o.findOrAssignBLESlot(addr)
	if s == nil {
		o.log.WithField("ble_addr", addr).Warn("no free slot for known BLE device")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		default:
		}

		s.SetMode(slot.ModeConnectingBLE)
		dev, err := blesw2.Connect(ctx, addr, s.Index, nil, nil, o.log)
		if err != nil {
			o.postStatus(s.Index, "BLE connect failed, retrying")
			if !o.sleepOrStop(ctx, bleRetryDelay) {
				return
			}
			continue
		}

		s.SetMode(slot.ModeStreamingBLE)
		o.postStatus(s.Index, "Controller connected (BLE)")
		o.bleReadLoop(ctx, s, dev, s.BeginStreaming())

		dev.Close()
		s.SetMode(slot.ModeReconnectingBLE)
		o.postStatus(s.Index, "Controller disconnected — reconnecting...")
		if !o.sleepOrStop(ctx, bleRetryDelay) {
			return
		}
	}
}

func (o *Orchestrator) findOrAssignBLESlot(addr string) *slot.Slot {
	for _, s := range o.slots {
		if s.BLEAddress == addr {
			return s
		}
	}
	for _, s := range o.slots {
		if s.CurrentMode() == slot.ModeDisconnected && s.BLEAddress == "" {
			s.BLEAddress = addr
			return s
		}
	}
	return nil
}

func (o *Orchestrator) bleReadLoop(ctx context.Context, s *slot.Slot, dev *blesw2.Device, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-stopCh:
			return
		case <-dev.Disconnected():
			return
		default:
		}

		raw, err := dev.ReadTimeout(bleReadTimeout)
		if err != nil {
			if errors.Is(err, blesw2.ErrReadTimeout) {
				continue
			}
			return // link gone
		}
		if err := s.PushFrame(raw); err != nil {
			o.log.WithError(err).WithField("slot", s.Index).Debug("push frame failed")
		}
	}
}

func (o *Orchestrator) sleepOrStop(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-o.stop:
		return false
	}
}
