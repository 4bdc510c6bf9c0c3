package cma

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"time"
)

// PairingErrorCode is returned to the handshake alongside a PIN.
type PairingErrorCode int

const (
	PairingOK PairingErrorCode = iota
	PairingRejected
	PairingRandomFailure
)

// PairingRequest is the in-flight registration attempt of one device.
type PairingRequest struct {
	DeviceName string
	MACAddress string
	// OnlineID is the tentative identifier. When empty the device name is
	// used, matching what handhelds report during registration.
	OnlineID string
	PIN      int
	Err      PairingErrorCode
}

// PairingController implements Handshake. It keeps only the tentative
// identifier of the latest GeneratePin call.
type PairingController struct {
	store    IdentityStore
	notifier Notifier
	logger   *slog.Logger
	random   io.Reader

	mu        sync.Mutex
	tentative string
	device    PairingRecord
	pending   bool
}

// PairingRecord describes one completed registration.
type PairingRecord struct {
	OnlineID   string    `json:"onlineId"`
	DeviceName string    `json:"deviceName"`
	MACAddress string    `json:"macAddress,omitempty"`
	PairedAt   time.Time `json:"pairedAt"`
}

// PairingRecorder is implemented by stores that keep a pairing history.
type PairingRecorder interface {
	RecordPairing(PairingRecord) error
}

// PairingOption customizes a PairingController.
type PairingOption func(*PairingController)

// WithRandomSource replaces crypto/rand as the PIN source.
func WithRandomSource(r io.Reader) PairingOption {
	return func(p *PairingController) { p.random = r }
}

// NewPairingController creates a controller persisting into store and
// publishing PINs through notifier.
func NewPairingController(store IdentityStore, notifier Notifier, logger *slog.Logger, opts ...PairingOption) *PairingController {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &PairingController{
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "pairing"),
		random:   rand.Reader,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ApproveDevice accepts every device.
// TODO: consult the paired-device history once allow-listing is configurable.
func (p *PairingController) ApproveDevice(deviceID string) bool {
	p.logger.Info("Got connection request", "device_id", deviceID)
	return true
}

// GeneratePin replaces any previous tentative state with req's, then
// publishes and returns a fresh eight digit PIN. It never waits on the user.
func (p *PairingController) GeneratePin(req *PairingRequest) int {
	tentative := req.OnlineID
	if tentative == "" {
		tentative = req.DeviceName
	}

	p.mu.Lock()
	p.tentative = tentative
	p.device = PairingRecord{OnlineID: tentative, DeviceName: req.DeviceName, MACAddress: req.MACAddress}
	p.pending = true
	p.mu.Unlock()

	p.logger.Info("Registration request", "device", req.DeviceName, "mac", req.MACAddress)

	pin, err := p.newPin()
	if err != nil {
		p.logger.Error("Failed to generate PIN", "error", err)
		req.Err = PairingRandomFailure
		return 0
	}
	req.PIN = pin
	req.Err = PairingOK

	p.logger.Info("Registration PIN generated", "device", req.DeviceName, "pin", Notification{PIN: pin}.PinString())
	p.notifier.Notify(PinReceived(req.DeviceName, pin))
	return pin
}

// RegistrationComplete persists the tentative identifier as the last known
// online id and announces completion.
func (p *PairingController) RegistrationComplete() {
	p.mu.Lock()
	id, rec, pending := p.tentative, p.device, p.pending
	p.tentative, p.device, p.pending = "", PairingRecord{}, false
	p.mu.Unlock()

	p.logger.Info("Registration completed", "online_id", id)
	if pending && p.store != nil {
		if err := p.store.SetLastOnlineID(id); err != nil {
			p.logger.Warn("Failed to persist online id", "error", err)
		}
		if recorder, ok := p.store.(PairingRecorder); ok {
			rec.PairedAt = time.Now()
			if err := recorder.RecordPairing(rec); err != nil {
				p.logger.Warn("Failed to record pairing", "error", err)
			}
		}
	}
	p.notifier.Notify(PairingComplete())
}

// Tentative returns the identifier awaiting confirmation, if any.
func (p *PairingController) Tentative() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tentative, p.pending
}

// newPin combines two four digit draws into one eight digit PIN.
func (p *PairingController) newPin() (int, error) {
	var buf [8]byte
	if _, err := io.ReadFull(p.random, buf[:]); err != nil {
		return 0, err
	}
	hi := int(binary.BigEndian.Uint32(buf[:4]) % PinHalf)
	lo := int(binary.BigEndian.Uint32(buf[4:]) % PinHalf)
	return hi*PinHalf + lo, nil
}
