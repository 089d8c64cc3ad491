package blesw2

// PairingConfig pins the SMP Legacy "Just Works" parameters this controller
// requires. The peripheral rejects standard bidirectional key distribution,
// so the asymmetric shape is a hard protocol requirement, not a tuning knob.
type PairingConfig struct {
	SecureConnections bool // sc=false
	MITM              bool // mitm=false
	Bonding           bool // bonding=true
	InitiatorKeyDist  KeyDist
	ResponderKeyDist  KeyDist
}

// KeyDist models the SMP key-distribution bitmap's two bits this protocol
// cares about.
type KeyDist struct {
	EncryptionKey bool
	IdentityKey   bool
}

// DefaultPairingConfig is the fixed configuration the controller accepts:
// IO NoInputNoOutput, initiator distributes identity only, responder
// distributes encryption only.
var DefaultPairingConfig = PairingConfig{
	SecureConnections: false,
	MITM:              false,
	Bonding:           true,
	InitiatorKeyDist:  KeyDist{IdentityKey: true},
	ResponderKeyDist:  KeyDist{EncryptionKey: true},
}

// EncryptionAttempt is one (EDIV, Rand, LTK) tuple tried during LE link
// encryption.
type EncryptionAttempt struct {
	EDIV uint16
	Rand uint64
	LTK  [16]byte
}

// encryptionAttempts builds the three strategies tried in order until one
// succeeds: SPI-extracted EDIV/Rand with the LTK as read, then
// EDIV=0/Rand=0 with that same LTK, then EDIV=0/Rand=0 with the LTK
// byte-reversed.
func encryptionAttempts(ediv uint16, rand uint64, ltk [16]byte) []EncryptionAttempt {
	reversed := ltk
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	return []EncryptionAttempt{
		{EDIV: ediv, Rand: rand, LTK: ltk},
		{EDIV: 0, Rand: 0, LTK: ltk},
		{EDIV: 0, Rand: 0, LTK: reversed},
	}
}

// Pairer performs the platform-level SMP pairing and LE link encryption
// that sit beneath go-ble's portable Client interface. go-ble exposes GATT
// read/write/subscribe uniformly across platforms but leaves pairing and
// link encryption to the host Bluetooth stack (bluez on Linux, CoreBluetooth
// on Darwin). This is the kind of platform-specific capability
// xboxpad.Driver abstracts for the virtual-gamepad surface, so this package
// follows the same injected-collaborator shape.
type Pairer interface {
	// Pair initiates SMP Legacy Just Works pairing with cfg. The peripheral
	// may reject pairing if it believes it is already bonded; that is
	// non-fatal, so implementations should only return an error for a
	// genuine transport failure.
	Pair(addr string, cfg PairingConfig) error
	// AlreadyEncrypted reports whether SMP pairing already brought the link
	// to an encrypted state, letting step 10 skip its own attempts.
	AlreadyEncrypted() bool
	// Encrypt attempts LE link encryption with one (EDIV, Rand, LTK) tuple.
	Encrypt(attempt EncryptionAttempt) error
}

// noopPairer is used when no platform Pairer is wired in: Pair and Encrypt
// both report success-by-assumption (matching "peripheral's internal state
// machine may reject pairing transparently" being non-fatal) so the rest of
// the handshake can proceed against a link the host stack already secured
// out of band, e.g. via prior OS-level bonding.
type noopPairer struct{}

func (noopPairer) Pair(string, PairingConfig) error { return nil }
func (noopPairer) AlreadyEncrypted() bool           { return false }
func (noopPairer) Encrypt(EncryptionAttempt) error  { return nil }
