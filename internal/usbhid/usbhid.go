// Package usbhid implements the USB-HID connection manager for the
// GameCube-family controller adapter: enumeration, kernel-driver detach,
// config/interface claim, the fixed init+LED report writes, hidraw node
// resolution, and the blocking HID read loop.
package usbhid

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"

	"github.com/dalmatheo/gc-controller/internal/gcerr"
	"github.com/dalmatheo/gc-controller/internal/slot"
)

const (
	// VendorID and ProductID identify the Nintendo GameCube USB controller
	// adapter (the four-port Wii U/Switch adapter).
	VendorID  = 0x057E
	ProductID = 0x0337

	usbInterfaceNumber = 1
	outEndpointAddress = 0x02

	writeTimeout = 2000 * time.Millisecond

	reportSize    = 37 // 1 report-ID byte + 4 ports x 9 bytes
	portBlockSize = 9
	portCount     = 4
	readPort      = 0 // only port 0 is read by the wired path
)

// initReport and ledReport are the fixed byte sequences written to endpoint
// 0x02 to start input streaming and drive the adapter's rumble-capable-port
// LEDs. Values are the adapter's well-known initialization/poll commands.
var (
	initReport = []byte{0x13}
	ledReport  = []byte{0x11, 0x00, 0x00, 0x00, 0x00}
)

// Device is an open connection to the GameCube USB adapter.
type Device struct {
	log *logrus.Entry

	ctx    *gousb.Context
	usbDev *gousb.Device

	hidraw *os.File
	buffer [reportSize]byte

	rumbleCounter byte
}

// ProgressFunc receives connection progress percentages as Connect advances
// through its fixed step sequence (10, 30, 50, 70, 90, 100).
type ProgressFunc func(percent int)

// StatusFunc receives a human-readable message for each non-fatal step
// failure during Connect.
type StatusFunc func(msg string)

// Option configures a Connect call.
type Option func(*connectOptions)

type connectOptions struct {
	progress ProgressFunc
	status   StatusFunc
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(o *connectOptions) { o.progress = fn }
}

// WithStatus registers a status callback for non-fatal step failures.
func WithStatus(fn StatusFunc) Option {
	return func(o *connectOptions) { o.status = fn }
}

// Connect locates the adapter by VID/PID, detaches any kernel driver, claims
// the interface, writes the init and LED reports, releases the interface,
// then opens the resolved hidraw node for reading. Only the initial
// enumeration and the final hidraw open abort the connection; every failure
// in between is surfaced through the status callback and skipped, since an
// adapter that was initialized on a previous run streams without them.
func Connect(log *logrus.Entry, opts ...Option) (*Device, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	var co connectOptions
	for _, opt := range opts {
		opt(&co)
	}
	progress := func(pct int) {
		if co.progress != nil {
			co.progress(pct)
		}
	}
	status := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		log.Warn(msg)
		if co.status != nil {
			co.status(msg)
		}
	}

	ctx := gousb.NewContext()
	usbDev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(VendorID), gousb.ID(ProductID))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: open usb device: %v", gcerr.ErrDeviceNotFound, err)
	}
	if usbDev == nil {
		ctx.Close()
		return nil, gcerr.ErrDeviceNotFound
	}
	progress(10)

	if err := usbDev.SetAutoDetach(true); err != nil {
		log.WithError(err).Debug("auto-detach kernel driver: already detached is success")
	}

	cfg, intf, epOut, err := claimInterface(usbDev, usbInterfaceNumber)
	if err != nil {
		status("claim interface %d failed: %v", usbInterfaceNumber, err)
	}
	progress(30)

	if epOut != nil {
		if err := writeReport(epOut, initReport); err != nil {
			status("init report write failed: %v", err)
		}
		progress(50)
		time.Sleep(15 * time.Millisecond)
		if err := writeReport(epOut, ledReport); err != nil {
			status("led report write failed: %v", err)
		}
		progress(70)
	} else {
		progress(50)
		progress(70)
	}
	// Release the interface before opening the HID node; the hidraw driver
	// owns the device from here on.
	if intf != nil {
		intf.Close()
	}
	if cfg != nil {
		cfg.Close()
	}

	bus, addr := int(usbDev.Desc.Bus), int(usbDev.Desc.Address)
	hidPath, err := GetHidrawForUSB(bus, addr)
	if err != nil {
		usbDev.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: resolve hidraw node: %v", gcerr.ErrDeviceNotFound, err)
	}
	progress(90)

	hidraw, err := os.OpenFile(hidPath, os.O_RDWR, 0)
	if err != nil {
		usbDev.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: open hidraw %s: %v", gcerr.ErrDeviceNotFound, hidPath, err)
	}
	progress(100)

	return &Device{
		log:    log,
		ctx:    ctx,
		usbDev: usbDev,
		hidraw: hidraw,
	}, nil
}

// writeReport writes one report to the out endpoint, bounded by the fixed
// write timeout.
func writeReport(ep *gousb.OutEndpoint, report []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := ep.WriteContext(ctx, report)
	return err
}

func claimInterface(dev *gousb.Device, ifaceNum int) (*gousb.Config, *gousb.Interface, *gousb.OutEndpoint, error) {
	cfg, err := dev.Config(1)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("set config: %w", err)
	}

	intf, err := cfg.Interface(ifaceNum, 0)
	if err != nil {
		cfg.Close()
		return nil, nil, nil, fmt.Errorf("claim interface %d: %w", ifaceNum, err)
	}

	var epOut *gousb.OutEndpoint
	for _, e := range intf.Setting.Endpoints {
		if e.Direction == gousb.EndpointDirectionOut && e.Address == outEndpointAddress {
			epOut, err = intf.OutEndpoint(e.Number)
			if err != nil {
				intf.Close()
				cfg.Close()
				return nil, nil, nil, err
			}
		}
	}
	if epOut == nil {
		intf.Close()
		cfg.Close()
		return nil, nil, nil, fmt.Errorf("no output endpoint %#x found", outEndpointAddress)
	}
	return cfg, intf, epOut, nil
}

// Close closes the hidraw handle and the USB device. Idempotent.
func (d *Device) Close() error {
	var err error
	if d.hidraw != nil {
		err = d.hidraw.Close()
		d.hidraw = nil
	}
	if d.usbDev != nil {
		d.usbDev.Close()
		d.usbDev = nil
	}
	if d.ctx != nil {
		d.ctx.Close()
		d.ctx = nil
	}
	return err
}

// Read blocks for one fixed-size HID report and decodes port 0's
// substructure into a slot.RawInput. A read error signalling the device is
// gone (I/O error, broken pipe, "not connected") is wrapped with
// gcerr.ErrTransport so callers can distinguish it from a short/garbled
// report.
func (d *Device) Read() (slot.RawInput, error) {
	n, err := d.hidraw.Read(d.buffer[:])
	if err != nil {
		return slot.RawInput{}, fmt.Errorf("%w: read hidraw: %v", gcerr.ErrTransport, err)
	}
	if n < 1+portBlockSize {
		return slot.RawInput{}, fmt.Errorf("%w: short report (%d bytes)", gcerr.ErrProtocol, n)
	}
	return decodePort(d.buffer[:n], readPort), nil
}

// ErrReadTimeout means no report arrived within ReadTimeout's window. It is
// deliberately distinct from gcerr.ErrTransport so callers can tell "poll
// again" apart from "the device is gone".
var ErrReadTimeout = errors.New("hid read timeout")

// ReadTimeout reads one report, giving up after timeout.
func (d *Device) ReadTimeout(timeout time.Duration) (slot.RawInput, error) {
	type result struct {
		in  slot.RawInput
		err error
	}
	ch := make(chan result, 1)
	go func() {
		in, err := d.Read()
		ch <- result{in, err}
	}()

	select {
	case res := <-ch:
		return res.in, res.err
	case <-time.After(timeout):
		return slot.RawInput{}, ErrReadTimeout
	}
}

const (
	rumbleReportSize = 64
	rumbleCmdByte    = 0x02
)

// SetRumble writes one rumble report to the hidraw handle for port 0: a
// command byte, a 4-bit rolling counter in the low nibble of report[1]
// (mirrored at byte 17 for the adapter's second rumble channel), and the
// strong/weak motor bytes. The counter keeps the adapter from coalescing
// repeated identical writes.
func (d *Device) SetRumble(strong, weak byte) error {
	report := make([]byte, rumbleReportSize)
	report[0] = rumbleCmdByte
	d.rumbleCounter = (d.rumbleCounter + 1) & 0x0F
	report[1] = 0x50 | d.rumbleCounter
	report[17] = report[1]
	report[2] = strong
	report[3] = weak
	report[18] = strong
	report[19] = weak

	n, err := d.hidraw.Write(report)
	if err != nil {
		return fmt.Errorf("%w: write rumble report: %v", gcerr.ErrTransport, err)
	}
	if n != len(report) {
		return fmt.Errorf("%w: short rumble write (%d/%d bytes)", gcerr.ErrTransport, n, len(report))
	}
	return nil
}

// PortConnected reports whether the given port's status byte indicates an
// attached controller. Bit 0x10 is the adapter's standard "device
// connected" flag.
func PortConnected(report []byte, port int) bool {
	off := 1 + port*portBlockSize
	if off >= len(report) {
		return false
	}
	return report[off]&0x10 != 0
}

// decodePort extracts one port's 9-byte substructure (status byte, two
// button bytes, LX, LY, RX, RY, LT, RT) into a slot.RawInput.
func decodePort(report []byte, port int) slot.RawInput {
	off := 1 + port*portBlockSize
	if off+portBlockSize > len(report) {
		return slot.RawInput{}
	}

	buttonsLo := report[off+1]
	buttonsHi := report[off+2]
	buttons := uint32(buttonsLo) | uint32(buttonsHi)<<8

	return slot.RawInput{
		Buttons:      buttons,
		LX:           int(report[off+3]),
		LY:           int(report[off+4]),
		RX:           int(report[off+5]),
		RY:           int(report[off+6]),
		TriggerLeft:  int(report[off+7]),
		TriggerRight: int(report[off+8]),
	}
}

// GetHidrawForUSB finds the /dev/hidrawN path for a specific USB bus/device
// address by walking sysfs.
func GetHidrawForUSB(targetBus, targetAddr int) (string, error) {
	base := "/sys/class/hidraw"
	entries, err := ioutil.ReadDir(base)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", base, err)
	}

	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "hidraw") {
			continue
		}
		hidPath := filepath.Join(base, entry.Name(), "device")
		if matchesUSBDevice(hidPath, targetBus, targetAddr) {
			return "/dev/" + entry.Name(), nil
		}
	}
	return "", fmt.Errorf("no hidraw device found for usb bus %d addr %d", targetBus, targetAddr)
}

func matchesUSBDevice(startPath string, targetBus, targetAddr int) bool {
	realPath, err := filepath.EvalSymlinks(startPath)
	if err != nil {
		return false
	}

	dir := realPath
	for i := 0; i < 6; i++ {
		busFile := filepath.Join(dir, "busnum")
		devFile := filepath.Join(dir, "devnum")
		if fileExists(busFile) && fileExists(devFile) {
			bus, _ := readIntFile(busFile)
			addr, _ := readIntFile(devFile)
			return bus == targetBus && addr == targetAddr
		}
		dir = filepath.Clean(filepath.Join(dir, ".."))
		if dir == "/" || dir == "." {
			break
		}
	}
	return false
}

func readIntFile(path string) (int, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func fileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
