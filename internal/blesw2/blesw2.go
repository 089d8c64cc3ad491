// Package blesw2 implements the BLE connection manager for the wireless
// "NSO GameCube" controller: scanning, connecting, SMP pairing, MTU
// negotiation, and the proprietary SW2 command/notification handshake that
// must complete before the controller streams input. SW2 is the protocol
// variant this controller speaks over BLE; it is distinct from the original
// Switch Pro Controller protocol.
package blesw2

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/dalmatheo/gc-controller/internal/gcerr"
	"github.com/dalmatheo/gc-controller/internal/slot"
)

// ErrReadTimeout means no input notification arrived within ReadTimeout's
// window. Distinct from gcerr.ErrTransport so callers can tell "keep
// streaming" apart from "the link is gone", the same distinction
// usbhid.ErrReadTimeout draws for the wired path.
var ErrReadTimeout = errors.New("ble read timeout")

// bleClient is the subset of ble.Client this package depends on, narrowed
// so tests can exercise the handshake against a fake without a real
// Bluetooth adapter. A live ble.Client (returned by ble.Dial) satisfies it.
type bleClient interface {
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ExchangeMTU(rxMTU int) (int, error)
	CancelConnection() error
}

func characteristicAt(handle uint16) *ble.Characteristic {
	return &ble.Characteristic{Handle: handle, ValueHandle: handle}
}

// Device is an open, handshaken BLE connection to one wireless controller.
type Device struct {
	log    *logrus.Entry
	client bleClient
	addr   string

	respMu  sync.Mutex
	waiters map[chan []byte]struct{}

	reports      chan slot.RawInput
	disconnected <-chan struct{}

	rumbleMu sync.Mutex
	rumbleCB func(strong, weak byte)
}

// Disconnected returns a channel that closes when the underlying link drops,
// letting callers distinguish "no report arrived yet" from "the link is
// gone" instead of relying on ReadTimeout alone. go-ble's Client exposes
// this, but the narrowed bleClient test seam doesn't, so the optional
// interface is checked once at dial time.
func (d *Device) Disconnected() <-chan struct{} {
	return d.disconnected
}

// Connect performs the full connection sequence against addr: scan,
// connect, pair, exchange MTU, enable the proprietary service, read device
// info, run the four-substep pairing handshake, read the pairing block,
// attempt link encryption, set the player LED, and finally enable input
// notifications. slotIndex selects the player-LED bitmap entry.
//
// dial and pairer are injected so tests can exercise the sequence without a
// real adapter; production callers pass DialContext and a platform Pairer
// (or nil for noopPairer).
func Connect(ctx context.Context, addr string, slotIndex int, dial DialFunc, pairer Pairer, log *logrus.Entry) (*Device, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if pairer == nil {
		pairer = noopPairer{}
	}
	if dial == nil {
		dial = DialContext
	}
	addr = slot.NormalizeBLEAddress(addr)
	log = log.WithField("ble_addr", addr)

	client, err := dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", gcerr.ErrTransport, addr, err)
	}

	d := &Device{
		log:     log,
		client:  client,
		addr:    addr,
		waiters: map[chan []byte]struct{}{},
		reports: make(chan slot.RawInput, notifyQueueDepth),
	}
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		d.disconnected = dc.Disconnected()
	} else {
		never := make(chan struct{})
		d.disconnected = never
	}

	if err := d.handshake(ctx, slotIndex, pairer); err != nil {
		client.CancelConnection()
		return nil, err
	}
	return d, nil
}

// DialFunc connects to addr and returns a client satisfying bleClient.
// Production code passes DialContext; tests inject a fake.
type DialFunc func(ctx context.Context, addr string) (bleClient, error)

// DialContext scans for addr with an advertisement filter, then connects
// and returns the live client. go-ble's portable Client interface doesn't
// expose connection-interval tuning, so the host stack's defaults apply.
func DialContext(ctx context.Context, addr string) (bleClient, error) {
	scanCtx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()
	if err := ble.Scan(scanCtx, false, func(ble.Advertisement) {}, advertisementFilter(addr)); err != nil && err != context.DeadlineExceeded {
		return nil, err
	}

	dialCtx, cancel2 := context.WithTimeout(ctx, connectTimeout)
	defer cancel2()
	return ble.Dial(dialCtx, ble.NewAddr(addr))
}

func advertisementFilter(addr string) ble.AdvFilter {
	want := strings.ToUpper(addr)
	return func(a ble.Advertisement) bool {
		return strings.ToUpper(a.Addr().String()) == want
	}
}

// handshake drives the post-dial sequence over an already-dialed client:
// pairing through input-notification enable. A write or subscribe failure
// while enabling the proprietary service or the command-response channel is
// fatal, as is a failure of the final input-notification step; a pairing or
// MTU failure, or a command timeout in between, is logged and skipped.
func (d *Device) handshake(ctx context.Context, slotIndex int, pairer Pairer) error {
	if err := pairer.Pair(d.addr, DefaultPairingConfig); err != nil {
		d.log.WithError(err).Warn("SMP pairing failed; peripheral state machine may reject transparently, continuing")
	}

	if _, err := d.client.ExchangeMTU(requestedMTU); err != nil {
		d.log.WithError(err).Warn("MTU exchange failed; input notifications may be truncated")
	}

	if err := d.client.WriteCharacteristic(characteristicAt(handleServiceEnable), cccdEnable, false); err != nil {
		return fmt.Errorf("%w: enable proprietary service: %v", gcerr.ErrProtocol, err)
	}

	if err := d.client.WriteCharacteristic(characteristicAt(handleCommandRespCCCD), cccdEnable, false); err != nil {
		return fmt.Errorf("%w: enable command-response CCCD: %v", gcerr.ErrProtocol, err)
	}
	if err := d.client.Subscribe(characteristicAt(handleCommandRespNotify), false, d.onCommandResponse); err != nil {
		return fmt.Errorf("%w: subscribe command-response: %v", gcerr.ErrProtocol, err)
	}

	if _, err := d.readSPI(ctx, spiAddrDeviceInfo, 64); err != nil {
		d.log.WithError(err).Warn("read device info failed; continuing")
	}

	if err := d.pair(ctx); err != nil {
		d.log.WithError(err).Warn("proprietary pairing handshake failed; continuing")
	}

	pairingBlock, err := d.readSPI(ctx, spiAddrPairingBlock, 64)
	if err != nil {
		d.log.WithError(err).Warn("read pairing block failed; encryption attempts skipped")
	} else if !pairer.AlreadyEncrypted() {
		d.attemptEncryption(pairer, pairingBlock)
	}

	if err := d.setPlayerLED(ctx, slotIndex); err != nil {
		d.log.WithError(err).Warn("set player LED failed; continuing")
	}

	return d.enableInputNotifications()
}

func (d *Device) attemptEncryption(pairer Pairer, pairingBlock []byte) {
	if len(pairingBlock) < pairingBlockLTKOffset+pairingBlockLTKLen {
		d.log.Warn("pairing block too short to extract LTK")
		return
	}
	var ltk [16]byte
	copy(ltk[:], pairingBlock[pairingBlockLTKOffset:pairingBlockLTKOffset+pairingBlockLTKLen])

	var ediv uint16
	var rand uint64
	if len(pairingBlock) >= pairingBlockEDIVRandOffset+pairingBlockEDIVRandLen {
		edivRand := pairingBlock[pairingBlockEDIVRandOffset : pairingBlockEDIVRandOffset+pairingBlockEDIVRandLen]
		ediv = uint16(edivRand[0]) | uint16(edivRand[1])<<8
		for i := 0; i < 8 && 2+i < len(edivRand); i++ {
			rand |= uint64(edivRand[2+i]) << (8 * i)
		}
	}

	for _, attempt := range encryptionAttempts(ediv, rand, ltk) {
		if err := pairer.Encrypt(attempt); err == nil {
			d.log.Debug("LE link encryption succeeded")
			return
		}
	}
	d.log.Warn("all LE link encryption strategies failed")
}

// playerLEDTable maps slot index to the SW2 player-LED bitmap.
var playerLEDTable = [4]byte{0x01, 0x02, 0x04, 0x08}

func (d *Device) setPlayerLED(ctx context.Context, slotIndex int) error {
	bitmap := playerLEDTable[0]
	if slotIndex >= 0 && slotIndex < len(playerLEDTable) {
		bitmap = playerLEDTable[slotIndex]
	}
	_, err := d.sendCommand(ctx, cmdLED, 0x00, []byte{bitmap})
	return err
}

func (d *Device) enableInputNotifications() error {
	if err := d.client.Subscribe(characteristicAt(handleInputNotify), false, d.onInputNotification); err != nil {
		return fmt.Errorf("%w: subscribe input notifications: %v", gcerr.ErrProtocol, err)
	}
	if err := d.client.WriteCharacteristic(characteristicAt(handleInputCCCD), cccdEnable, false); err != nil {
		return fmt.Errorf("%w: enable input CCCD: %v", gcerr.ErrProtocol, err)
	}
	// Disabling command-response notifications is required to unblock input
	// streaming.
	if err := d.client.WriteCharacteristic(characteristicAt(handleCommandRespCCCD), cccdDisable, false); err != nil {
		return fmt.Errorf("%w: disable command-response CCCD: %v", gcerr.ErrProtocol, err)
	}
	return nil
}

// readSPI issues an SPI-flash read command for size bytes at addr and
// returns the response payload.
func (d *Device) readSPI(ctx context.Context, addr uint32, size byte) ([]byte, error) {
	return d.sendCommand(ctx, cmdSPIRead, 0x10, spiReadPayload(addr, size))
}

// pair runs the four-substep proprietary pairing handshake (cmd 0x15):
// host address + address-minus-one, two challenge values, finalize token.
func (d *Device) pair(ctx context.Context) error {
	hostAddr := parseMACBytes(d.addr)
	addrMinusOne := hostAddr
	addrMinusOne[5]--

	steps := [][]byte{
		append(append([]byte{}, hostAddr[:]...), addrMinusOne[:]...), // 8a
		pairingChallenge1[:], // 8b
		pairingChallenge2[:], // 8c
		pairingFinalize[:],   // 8d
	}
	for i, payload := range steps {
		if _, err := d.sendCommand(ctx, cmdPair, byte(i+1), payload); err != nil {
			return fmt.Errorf("pairing substep %d: %w", i+1, err)
		}
	}
	return nil
}

// pairingChallenge1/2 and pairingFinalize are fixed cryptographic values
// the controller expects during the handshake. Their actual bytes are a
// controller-specific secret not reproduced here; the zero placeholders
// keep the handshake's step count and framing correct.
var (
	pairingChallenge1 [16]byte
	pairingFinalize   [9]byte
	pairingChallenge2 [16]byte
)

func parseMACBytes(addr string) [6]byte {
	var out [6]byte
	parts := strings.Split(addr, ":")
	for i := 0; i < 6 && i < len(parts); i++ {
		var b byte
		fmt.Sscanf(parts[i], "%02X", &b)
		out[i] = b
	}
	return out
}

// sendCommand writes an SW2 command frame to the command channel and blocks
// for its response on the command-response notification handle, with a 3 s
// timeout.
func (d *Device) sendCommand(ctx context.Context, cmd, subcmd byte, payload []byte) ([]byte, error) {
	wait := d.registerWaiter()
	defer d.unregisterWaiter(wait)

	frame := buildCommandFrame(cmd, subcmd, payload)
	if err := d.client.WriteCharacteristic(characteristicAt(handleCommand), frame, true); err != nil {
		return nil, fmt.Errorf("%w: write command %#x: %v", gcerr.ErrProtocol, cmd, err)
	}

	select {
	case resp := <-wait:
		return resp, nil
	case <-time.After(commandTimeout):
		return nil, fmt.Errorf("%w: command %#x timed out", gcerr.ErrProtocol, cmd)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Device) registerWaiter() chan []byte {
	ch := make(chan []byte, 1)
	d.respMu.Lock()
	d.waiters[ch] = struct{}{}
	d.respMu.Unlock()
	return ch
}

func (d *Device) unregisterWaiter(ch chan []byte) {
	d.respMu.Lock()
	delete(d.waiters, ch)
	d.respMu.Unlock()
}

// onCommandResponse fans one command-response notification out to every
// outstanding waiter (in practice exactly one, since commands are sent
// serially by the orchestrator).
func (d *Device) onCommandResponse(data []byte) {
	d.respMu.Lock()
	defer d.respMu.Unlock()
	for ch := range d.waiters {
		select {
		case ch <- data:
		default:
		}
	}
}

// onInputNotification decodes one 63-byte input report and pushes it onto
// the bounded notification queue, dropping the oldest entry on overflow so
// the queue never grows unbounded.
func (d *Device) onInputNotification(data []byte) {
	raw, ok := decodeInputReport(data)
	if !ok {
		return
	}
	select {
	case d.reports <- raw:
	default:
		select {
		case <-d.reports:
		default:
		}
		select {
		case d.reports <- raw:
		default:
		}
	}
}

// ReadTimeout blocks on the notification queue for up to timeout, returning
// the next decoded sample.
func (d *Device) ReadTimeout(timeout time.Duration) (slot.RawInput, error) {
	select {
	case raw := <-d.reports:
		return raw, nil
	case <-time.After(timeout):
		return slot.RawInput{}, ErrReadTimeout
	}
}

// SetRumbleCallback registers a callback invoked when the orchestrator
// wants to drive the vibration characteristic (handle 0x0012). The payload
// format for that handle is not yet known, so this seam is wired to nothing
// by default.
func (d *Device) SetRumbleCallback(cb func(strong, weak byte)) {
	d.rumbleMu.Lock()
	defer d.rumbleMu.Unlock()
	d.rumbleCB = cb
}

// Close unsubscribes and tears down the connection.
func (d *Device) Close() error {
	_ = d.client.Unsubscribe(characteristicAt(handleInputNotify), false)
	_ = d.client.Unsubscribe(characteristicAt(handleCommandRespNotify), false)
	return d.client.CancelConnection()
}
