// Package dsu implements a cemuhook/DSU protocol UDP server: a process-wide,
// refcounted singleton that streams up to four controller slots' state to
// subscribed emulator clients over loopback UDP.
package dsu

import (
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	magicServer = "DSUS"
	magicClient = "DSUC"

	protocolVersion = 1001

	msgTypeVersion = 0x00100000
	msgTypePorts   = 0x00100001
	msgTypeData    = 0x00100002

	headerSize = 16

	// ModelDS4 / ConnTypeUSB / BatteryFull are the fixed shared-response
	// constants cemuhook clients expect; GameCube-family controllers are
	// reported as a USB-connected DS4-shaped pad.
	ModelDS4    = 2
	ConnTypeUSB = 1
	BatteryFull = 5

	basePort        = 26760
	maxPortAttempts = 5

	subscriberTTL = 5 * time.Second
	recvTimeout   = 500 * time.Millisecond
)

// SlotState mirrors the pad-data payload fields one slot contributes to the
// 84-byte data packet. All byte fields are already in their wire-ready
// 0-255 domain.
type SlotState struct {
	Buttons1  byte // Share, L3, R3, Options, DPad (up/right/down/left)
	Buttons2  byte // L2, R2, L1, R1, Triangle, Circle, Cross, Square
	PSButton  byte
	Touch     byte
	LX, LY    byte
	RX, RY    byte
	DPadLeft  byte // analog pressure, 0 or 255
	DPadDown  byte
	DPadRight byte
	DPadUp    byte
	Square    byte
	Cross     byte
	Circle    byte
	Triangle  byte
	R1        byte
	L1        byte
	LTrigger  byte
	RTrigger  byte
}

// NeutralSlotState returns a slot state with sticks centered and everything
// else released.
func NeutralSlotState() SlotState {
	return SlotState{LX: 128, LY: 128, RX: 128, RY: 128}
}

type subscriber struct {
	expires time.Time
}

// Server is the singleton UDP listener. Construct via Acquire/Release, not
// directly, so the process-wide refcount stays correct.
type Server struct {
	log *logrus.Entry

	serverID uint32

	conn    net.PacketConn
	port    int
	stop    chan struct{}
	stopped chan struct{}

	subMu       sync.Mutex
	subscribers map[string]subscriber

	slotMu        sync.Mutex
	slotConnected [4]bool
	slotState     [4]SlotState
	slotCounter   [4]uint32 // single-writer per slot; no lock needed for the increment itself

	rumbleMu sync.Mutex
	rumbleCB [4]func(strong, weak byte)
}

var (
	singletonMu       sync.Mutex
	singletonInstance *Server
	singletonRefcount int
)

// Acquire increments the process-wide refcount, starting the server on the
// first caller, and returns the shared instance.
func Acquire(log *logrus.Entry) (*Server, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singletonInstance == nil {
		s, err := newServer(log)
		if err != nil {
			return nil, err
		}
		if err := s.start(); err != nil {
			return nil, err
		}
		singletonInstance = s
	}
	singletonRefcount++
	return singletonInstance, nil
}

// Release decrements the refcount, tearing the server down once it reaches
// zero.
func Release() {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	singletonRefcount--
	if singletonRefcount <= 0 {
		singletonRefcount = 0
		if singletonInstance != nil {
			singletonInstance.stopServer()
			singletonInstance = nil
		}
	}
}

func newServer(log *logrus.Entry) (*Server, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		log:         log,
		serverID:    uint32(time.Now().Unix()),
		subscribers: map[string]subscriber{},
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}, nil
}

// start binds 127.0.0.1 starting at basePort, trying up to maxPortAttempts
// consecutive ports on EADDRINUSE, and launches the listener goroutine.
func (s *Server) start() error {
	var conn net.PacketConn
	var port int
	var lastErr error

	for i := 0; i < maxPortAttempts; i++ {
		port = basePort + i
		c, err := net.ListenPacket("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err == nil {
			conn = c
			break
		}
		lastErr = err
	}
	if conn == nil {
		return lastErr
	}

	s.conn = conn
	s.port = port
	s.log.WithField("port", port).Info("DSU server listening")

	go s.listenLoop()
	return nil
}

// Port returns the UDP port the server is bound to.
func (s *Server) Port() int { return s.port }

func (s *Server) stopServer() {
	close(s.stop)
	<-s.stopped
	if s.conn != nil {
		s.conn.Close()
	}
	s.log.Info("DSU server stopped")
}

func (s *Server) listenLoop() {
	defer close(s.stopped)

	buf := make([]byte, 1024)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		s.conn.SetReadDeadline(time.Now().Add(recvTimeout))
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			continue
		}
		s.handlePacket(buf[:n], addr)
	}
}

func (s *Server) handlePacket(data []byte, addr net.Addr) {
	if len(data) < headerSize || string(data[0:4]) != magicClient {
		return
	}
	if len(data) < headerSize+4 {
		return
	}
	msgType := binary.LittleEndian.Uint32(data[headerSize : headerSize+4])

	switch msgType {
	case msgTypeVersion:
		s.send(s.buildVersionResponse(), addr)
	case msgTypePorts:
		s.handlePortsRequest(data, addr)
	case msgTypeData:
		s.subMu.Lock()
		s.subscribers[addr.String()] = subscriber{expires: time.Now().Add(subscriberTTL)}
		s.subMu.Unlock()
	}
}

func (s *Server) handlePortsRequest(data []byte, addr net.Addr) {
	const payloadOffset = headerSize + 4 // message_type(4)
	if len(data) < payloadOffset+4 {
		return
	}
	numPads := int(binary.LittleEndian.Uint32(data[payloadOffset : payloadOffset+4]))
	if numPads > 4 {
		numPads = 4
	}
	slotsOffset := payloadOffset + 4
	for i := 0; i < numPads; i++ {
		if slotsOffset+i >= len(data) {
			break
		}
		slot := int(data[slotsOffset+i])
		if slot < 0 || slot >= 4 {
			continue
		}
		s.slotMu.Lock()
		connected := s.slotConnected[slot]
		s.slotMu.Unlock()
		s.send(s.buildPortInfo(slot, connected), addr)
	}
}

func (s *Server) send(packet []byte, addr net.Addr) {
	if s.conn == nil {
		return
	}
	_, _ = s.conn.WriteTo(packet, addr) // per-subscriber send errors are swallowed
}

// SetSlotConnected marks a slot connected/disconnected, resetting its state
// and packet counter on disconnect.
func (s *Server) SetSlotConnected(slot int, connected bool) {
	s.slotMu.Lock()
	defer s.slotMu.Unlock()
	s.slotConnected[slot] = connected
	if !connected {
		s.slotState[slot] = NeutralSlotState()
		s.slotCounter[slot] = 0
	}
}

// SetRumbleCallback stores a rumble callback for this slot. handlePacket
// decodes no client rumble message, so the server never invokes it.
func (s *Server) SetRumbleCallback(slot int, cb func(strong, weak byte)) {
	s.rumbleMu.Lock()
	defer s.rumbleMu.Unlock()
	s.rumbleCB[slot] = cb
}

// UpdateSlot pushes new state for a slot, incrementing its packet counter
// and pushing a fresh data packet to every active subscriber.
func (s *Server) UpdateSlot(slot int, state SlotState) {
	s.slotMu.Lock()
	s.slotState[slot] = state
	s.slotCounter[slot]++ // single-writer per slot, no lock needed for this line itself
	packet := s.buildDataPacket(slot)
	s.slotMu.Unlock()

	s.broadcast(packet)
}

func (s *Server) broadcast(packet []byte) {
	now := time.Now()
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for key, sub := range s.subscribers {
		if sub.expires.Before(now) {
			delete(s.subscribers, key)
			continue
		}
		addr, err := net.ResolveUDPAddr("udp4", key)
		if err != nil {
			continue
		}
		s.send(packet, addr)
	}
}
