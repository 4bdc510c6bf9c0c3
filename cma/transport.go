// Package cma manages the connection lifecycle between the host and a
// handheld device: per-transport discovery loops, the process-wide single
// session gate, the wireless pairing handshake, and the device event loop.
package cma

import (
	"context"
	"fmt"
)

// TransportKind identifies the link a device was reached over.
type TransportKind int

const (
	TransportUSB TransportKind = iota
	TransportWireless
)

func (k TransportKind) String() string {
	switch k {
	case TransportUSB:
		return "usb"
	case TransportWireless:
		return "wireless"
	default:
		return fmt.Sprintf("transport(%d)", int(k))
	}
}

// ParseTransportKind maps "usb" or "wireless" to a TransportKind.
func ParseTransportKind(s string) (TransportKind, error) {
	switch s {
	case "usb":
		return TransportUSB, nil
	case "wireless", "wifi":
		return TransportWireless, nil
	default:
		return 0, fmt.Errorf("unknown transport %q", s)
	}
}

// DiscoveryConfig configures wireless discovery. A copy is taken when a
// discovery loop starts, so later changes by the caller have no effect.
type DiscoveryConfig struct {
	// Port is the broadcast/request port the host listens on.
	Port int
	// ServiceName is the advertised host name devices see.
	ServiceName string
	// ServiceType is the mDNS service type, e.g. "_cma._tcp".
	ServiceType string
	// Domain is the mDNS domain, usually "local.".
	Domain string
}

// EventKind classifies a device event for the read loop.
type EventKind int

const (
	// EventGeneric is queued to the dispatcher.
	EventGeneric EventKind = iota
	// EventTerminate ends the read loop.
	EventTerminate
	// EventCancelTask is handled inline on the reading goroutine.
	EventCancelTask
)

func (k EventKind) String() string {
	switch k {
	case EventTerminate:
		return "terminate"
	case EventCancelTask:
		return "cancelTask"
	default:
		return "generic"
	}
}

// EventCodes maps raw device event codes onto the kinds the read loop
// handles inline.
type EventCodes struct {
	Terminate  uint16
	CancelTask uint16
}

// DefaultEventCodes are the vendor codes used by the handheld firmware.
var DefaultEventCodes = EventCodes{
	Terminate:  0xC126,
	CancelTask: 0xC108,
}

// Kind classifies code.
func (c EventCodes) Kind(code uint16) EventKind {
	switch code {
	case c.Terminate:
		return EventTerminate
	case c.CancelTask:
		return EventCancelTask
	default:
		return EventGeneric
	}
}

// ParseEventKind maps "terminate" and "cancelTask" to their kinds and
// anything else to EventGeneric.
func ParseEventKind(s string) EventKind {
	switch s {
	case "terminate":
		return EventTerminate
	case "cancelTask":
		return EventCancelTask
	default:
		return EventGeneric
	}
}

// MaxEventParams is the number of integer parameters an event carries.
const MaxEventParams = 3

// Event is a single device-originated notification.
type Event struct {
	Kind          EventKind
	Code          uint16
	TransactionID uint32
	Params        []uint32
}

// Param returns the i-th parameter, or zero when absent.
func (e Event) Param(i int) uint32 {
	if i < 0 || i >= len(e.Params) {
		return 0
	}
	return e.Params[i]
}

func (e Event) String() string {
	return fmt.Sprintf("%s event 0x%04x params=%v", e.Kind, e.Code, e.Params)
}

// Handle is an attached device, valid from discovery until Release.
type Handle interface {
	// ReadEvent blocks until the device sends the next event.
	ReadEvent(ctx context.Context) (Event, error)

	// SendEndOfConnection tells the device the host is closing the session.
	SendEndOfConnection(ctx context.Context) error

	// Release frees the underlying transport resources.
	Release() error

	// Identification returns a human-readable device identifier.
	Identification() string
}

// USBFinder looks for an attached USB device.
type USBFinder interface {
	// FindUSBDevice returns (nil, nil) when no device is present.
	FindUSBDevice(ctx context.Context) (Handle, error)
}

// DeviceWaiter is implemented by finders that can report device arrival
// instead of being polled. WaitDevice returns when a device may be present
// or ctx is done.
type DeviceWaiter interface {
	WaitDevice(ctx context.Context) error
}

// WirelessFinder accepts a device over the wireless link, running the
// registration handshake through hs when the device asks to pair.
type WirelessFinder interface {
	FindWirelessDevice(ctx context.Context, cfg DiscoveryConfig, hs Handshake) (Handle, error)

	// CancelDiscovery interrupts a FindWirelessDevice call in progress.
	CancelDiscovery()
}

// Broadcaster advertises whether the host accepts new connections.
type Broadcaster interface {
	SetAvailable(available bool)
}

// Handshake receives the pairing callbacks of the wireless registration.
type Handshake interface {
	// ApproveDevice decides whether a registration attempt is accepted.
	ApproveDevice(deviceID string) bool

	// GeneratePin stores the tentative identity of req, publishes a PIN
	// to the user and returns it. req.Err is set to PairingOK.
	GeneratePin(req *PairingRequest) int

	// RegistrationComplete is called once the device confirmed the PIN.
	RegistrationComplete()
}

// DeviceIdentity is the result of the capability exchange.
type DeviceIdentity struct {
	// OnlineID is empty when the device did not report one.
	OnlineID string
	Model    string
	Firmware string
}

// Exchanger performs the capability/identity exchange with a device.
type Exchanger interface {
	ExchangeInfo(ctx context.Context, h Handle) (DeviceIdentity, error)
}

// InfoExchanger is implemented by handles that carry their own exchange.
type InfoExchanger interface {
	ExchangeInfo(ctx context.Context) (DeviceIdentity, error)
}

// HandleExchanger delegates the exchange to handles implementing
// InfoExchanger. Other handles produce an empty identity.
type HandleExchanger struct{}

func (HandleExchanger) ExchangeInfo(ctx context.Context, h Handle) (DeviceIdentity, error) {
	if ex, ok := h.(InfoExchanger); ok {
		return ex.ExchangeInfo(ctx)
	}
	return DeviceIdentity{}, nil
}

// IdentityStore persists the last known online identifier.
type IdentityStore interface {
	LastOnlineID() (string, error)
	SetLastOnlineID(id string) error
}
