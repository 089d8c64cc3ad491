package usbhid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodePortExtractsButtonsAndAxes(t *testing.T) {
	report := make([]byte, reportSize)
	off := 1 + 0*portBlockSize
	report[off] = 0x10 // connected flag
	report[off+1] = 0x01
	report[off+2] = 0x02
	report[off+3] = 128
	report[off+4] = 129
	report[off+5] = 130
	report[off+6] = 131
	report[off+7] = 40
	report[off+8] = 200

	raw := decodePort(report, 0)
	assert.Equal(t, uint32(0x0201), raw.Buttons)
	assert.Equal(t, 128, raw.LX)
	assert.Equal(t, 129, raw.LY)
	assert.Equal(t, 130, raw.RX)
	assert.Equal(t, 131, raw.RY)
	assert.Equal(t, 40, raw.TriggerLeft)
	assert.Equal(t, 200, raw.TriggerRight)
}

func TestDecodePortOutOfRangeReturnsZeroValue(t *testing.T) {
	raw := decodePort(make([]byte, 3), 0)
	assert.Equal(t, uint32(0), raw.Buttons)
}

func TestPortConnectedReadsStatusBit(t *testing.T) {
	report := make([]byte, reportSize)
	report[1+2*portBlockSize] = 0x10
	assert.True(t, PortConnected(report, 2))
	assert.False(t, PortConnected(report, 1))
}

func TestPortConnectedOutOfRangeIsFalse(t *testing.T) {
	assert.False(t, PortConnected(make([]byte, 2), 3))
}
