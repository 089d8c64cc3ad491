package dsu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := newServer(nil)
	require.NoError(t, err)
	s.serverID = 42
	return s
}

func TestBuildHeaderCRCVerifies(t *testing.T) {
	s := newTestServer(t)
	packet := s.buildVersionResponse()
	assert.True(t, VerifyCRC(packet))
}

func TestCorruptedPacketFailsCRC(t *testing.T) {
	s := newTestServer(t)
	packet := s.buildVersionResponse()
	packet[len(packet)-1] ^= 0xFF
	assert.False(t, VerifyCRC(packet))
}

func TestDataPacketCRCVerifies(t *testing.T) {
	s := newTestServer(t)
	s.slotConnected[0] = true
	s.slotState[0] = SlotState{LX: 200, LY: 50, RX: 10, RY: 10}
	s.slotCounter[0] = 7
	packet := s.buildDataPacket(0)
	assert.True(t, VerifyCRC(packet))
}

func TestUpdateSlotIncrementsCounter(t *testing.T) {
	s := newTestServer(t)
	s.UpdateSlot(1, SlotState{LX: 128, LY: 128, RX: 128, RY: 128})
	s.UpdateSlot(1, SlotState{LX: 0, LY: 0, RX: 0, RY: 0})

	s.slotMu.Lock()
	counter := s.slotCounter[1]
	s.slotMu.Unlock()
	assert.Equal(t, uint32(2), counter)
}

func TestSetSlotConnectedFalseResetsState(t *testing.T) {
	s := newTestServer(t)
	s.UpdateSlot(2, SlotState{LX: 255, LY: 255, RX: 255, RY: 255})
	s.SetSlotConnected(2, false)

	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	assert.Equal(t, NeutralSlotState(), s.slotState[2])
	assert.Equal(t, uint32(0), s.slotCounter[2])
	assert.False(t, s.slotConnected[2])
}

func TestSubscriberExpiresAfterTTL(t *testing.T) {
	s := newTestServer(t)
	s.subMu.Lock()
	s.subscribers["127.0.0.1:9999"] = subscriber{expires: time.Now().Add(-time.Second)}
	s.subMu.Unlock()

	s.broadcast(s.buildVersionResponse())

	s.subMu.Lock()
	defer s.subMu.Unlock()
	assert.NotContains(t, s.subscribers, "127.0.0.1:9999")
}

func TestSubscriberSurvivesWithinTTL(t *testing.T) {
	s := newTestServer(t)
	s.subMu.Lock()
	s.subscribers["127.0.0.1:9999"] = subscriber{expires: time.Now().Add(time.Hour)}
	s.subMu.Unlock()

	s.conn = nil // send() is a no-op with conn == nil; this test only checks TTL bookkeeping
	s.broadcast(s.buildVersionResponse())

	s.subMu.Lock()
	defer s.subMu.Unlock()
	assert.Contains(t, s.subscribers, "127.0.0.1:9999")
}

func TestAcquireReleaseRefcounts(t *testing.T) {
	s1, err := Acquire(nil)
	require.NoError(t, err)
	s2, err := Acquire(nil)
	require.NoError(t, err)
	assert.Same(t, s1, s2)

	Release()
	assert.NotNil(t, singletonInstance)

	Release()
	assert.Nil(t, singletonInstance)
}

func TestNeutralSlotStateCentersSticks(t *testing.T) {
	st := NeutralSlotState()
	assert.Equal(t, byte(128), st.LX)
	assert.Equal(t, byte(128), st.LY)
	assert.Equal(t, byte(128), st.RX)
	assert.Equal(t, byte(128), st.RY)
}
