package dsupad

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalmatheo/gc-controller/internal/calibration"
	"github.com/dalmatheo/gc-controller/internal/slot"
)

func TestAxisByteCentersAtNeutral(t *testing.T) {
	assert.Equal(t, byte(128), axisByte(0))
}

func TestAxisByteFullDeflection(t *testing.T) {
	assert.Equal(t, byte(255), axisByte(1))
	assert.Equal(t, byte(0), axisByte(-1))
}

func TestAxisByteInvertedFlipsY(t *testing.T) {
	assert.Equal(t, byte(255), axisByteInverted(-1))
	assert.Equal(t, byte(0), axisByteInverted(1))
}

// dsuRequest builds a client packet: the "DSUC" magic, a header whose other
// fields stay zero, then the message type and payload.
func dsuRequest(msgType uint32, payload ...byte) []byte {
	pkt := make([]byte, 20+len(payload))
	copy(pkt[0:4], "DSUC")
	binary.LittleEndian.PutUint32(pkt[16:20], msgType)
	copy(pkt[20:], payload)
	return pkt
}

func dialServer(t *testing.T, s *Surface) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.Port()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPushSetsButtonBitsAndPressure(t *testing.T) {
	s, err := New(0, nil)
	require.NoError(t, err)
	defer s.Close()
	conn := dialServer(t, s)

	frame := slot.Frame{
		Buttons:    slot.ButtonA | slot.ButtonDPadUp,
		LeftStick:  calibration.Point{},
		RightStick: calibration.Point{},
	}
	// The subscription is registered by the listener goroutine, so subscribe
	// and push until a data packet comes back.
	buf := make([]byte, 256)
	n := 0
	for i := 0; i < 20 && n == 0; i++ {
		_, err := conn.Write(dsuRequest(0x00100002))
		require.NoError(t, err)
		require.NoError(t, s.Push(frame))
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _ = conn.Read(buf)
	}
	require.Equal(t, 100, n) // 16-byte header + 84-byte pad-data payload
	pad := buf[16:n]
	assert.Equal(t, byte(1<<4), pad[20]) // buttons1: D-pad up
	assert.Equal(t, byte(1<<6), pad[21]) // buttons2: Cross (A)
	assert.Equal(t, byte(255), pad[31])  // D-pad up pressure
	assert.Equal(t, byte(255), pad[33])  // Cross pressure
}

func TestCloseDisconnectsSlot(t *testing.T) {
	keep, err := New(0, nil) // keeps the shared server running after s closes
	require.NoError(t, err)
	defer keep.Close()

	s, err := New(1, nil)
	require.NoError(t, err)
	conn := dialServer(t, s)

	// portState sends a port-info request for slot 1 and returns the slot
	// state byte of the reply (2 connected, 0 not connected).
	portState := func() byte {
		_, err := conn.Write(dsuRequest(0x00100001, 1, 0, 0, 0, 1))
		require.NoError(t, err)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, 16+6)
		return buf[16+5]
	}

	assert.Equal(t, byte(2), portState())
	require.NoError(t, s.Close())
	assert.Equal(t, byte(0), portState())
}
