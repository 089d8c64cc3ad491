package blesw2

import (
	"time"

	"github.com/dalmatheo/gc-controller/internal/slot"
)

// Fixed ATT handles for the SW2 proprietary service. These are protocol
// constants, not discovered via GATT service/characteristic UUIDs; the
// controller's attribute table is stable across firmware revisions.
const (
	handleServiceEnable     = 0x0005
	handleInputNotify       = 0x000A
	handleInputCCCD         = 0x000B
	handleCommand           = 0x0014
	handleCommandRespNotify = 0x001A
	handleCommandRespCCCD   = 0x001B
	handleVibration         = 0x0012 // payload format not yet known; unused
)

// SW2 command ids (byte 0 of every command frame).
const (
	cmdSPIRead = 0x02
	cmdLED     = 0x09
	cmdFeature = 0x0C
	cmdPair    = 0x15
)

// SPI flash addresses read during the handshake.
const (
	spiAddrDeviceInfo   = 0x00013000
	spiAddrPairingBlock = 0x001FA000
)

// Byte offsets of fields inside the 64-byte pairing block read at
// spiAddrPairingBlock: the Long-Term Key and the candidate EDIV/Rand pair
// used for LE link encryption.
const (
	pairingBlockLTKOffset      = 0x1A
	pairingBlockLTKLen         = 16
	pairingBlockEDIVRandOffset = 0x0E
	pairingBlockEDIVRandLen    = 12
)

// cccdEnable/cccdDisable are the two-byte values written to the service
// enable handle and both CCCDs (notifications on, little endian).
var (
	cccdEnable  = []byte{0x01, 0x00}
	cccdDisable = []byte{0x00, 0x00}
)

const (
	commandTimeout   = 3 * time.Second
	connectTimeout   = 10 * time.Second
	scanTimeout      = 30 * time.Second
	requestedMTU     = 512
	inputReportSize  = 63
	notifyQueueDepth = 64
)

// buildCommandFrame assembles one SW2 command frame: the fixed 8-byte
// prefix `[cmd, 0x91, 0x01, subcmd, 0x00, len, 0x00, 0x00]` followed by the
// subcommand payload. The length byte counts the payload plus one.
func buildCommandFrame(cmd, subcmd byte, payload []byte) []byte {
	frame := make([]byte, 8+len(payload))
	frame[0] = cmd
	frame[1] = 0x91
	frame[2] = 0x01
	frame[3] = subcmd
	frame[4] = 0x00
	frame[5] = byte(len(payload) + 1)
	frame[6] = 0x00
	frame[7] = 0x00
	copy(frame[8:], payload)
	return frame
}

// spiReadPayload builds the SPI-read subcommand payload for the given
// 32-bit flash address:
// `[size, 0x7E, 0x00, 0x00, addr_lo, addr_mid_lo, addr_mid_hi, addr_hi]`.
func spiReadPayload(addr uint32, size byte) []byte {
	return []byte{
		size, 0x7E, 0x00, 0x00,
		byte(addr), byte(addr >> 8), byte(addr >> 16), byte(addr >> 24),
	}
}

// decodeInputReport parses one 63-byte BLE input notification into a
// slot.RawInput sample. Layout mirrors the USB adapter's in-report fields
// (button bitmap, four stick bytes, two trigger bytes) plus the
// wireless-only extended button byte.
func decodeInputReport(report []byte) (slot.RawInput, bool) {
	if len(report) < inputReportSize {
		return slot.RawInput{}, false
	}
	buttons := uint32(report[0]) | uint32(report[1])<<8
	extended := uint32(report[2])
	return slot.RawInput{
		Buttons:      buttons | extended<<16,
		LX:           int(report[3]),
		LY:           int(report[4]),
		RX:           int(report[5]),
		RY:           int(report[6]),
		TriggerLeft:  int(report[7]),
		TriggerRight: int(report[8]),
	}, true
}
