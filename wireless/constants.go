package wireless

import "time"

// Link timing constants
const (
	HandshakeTimeout = 60 * time.Second // Registration + connect must finish within this
	ExchangeTimeout  = 10 * time.Second // getInfo round trip when ctx has no deadline
	WriteTimeout     = 5 * time.Second  // Per-message write deadline
	HandoffTimeout   = 5 * time.Second  // How long a connected device waits for a discovery call
)

// Advertisement defaults
const (
	DefaultPort        = 9309
	DefaultServiceType = "_cma._tcp"
	DefaultDomain      = "local."
	PinLength          = 8
	MaxPinAttempts     = 3 // Wrong confirmations before the socket is closed
)
