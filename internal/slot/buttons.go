package slot

// Button bit positions for Frame.Buttons, the canonical transport-agnostic
// GameCube-family button mask every virtual-pad backend translates from.
// Ordered to mirror the USB adapter's in-report button-byte order.
const (
	ButtonA = 1 << iota
	ButtonB
	ButtonX
	ButtonY
	ButtonStart
	ButtonZ
	ButtonDPadUp
	ButtonDPadDown
	ButtonDPadLeft
	ButtonDPadRight
	ButtonL
	ButtonR

	// Extended buttons present only on the wireless (BLE/SW2) variant.
	ButtonZL
	ButtonHome
	ButtonCapture
	ButtonChat
	ButtonGR
	ButtonGL
)
