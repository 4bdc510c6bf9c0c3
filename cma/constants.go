package cma

import "time"

const (
	// USBPollInterval is the bounded wait between USB discovery attempts.
	USBPollInterval = 2 * time.Second

	// DiscoveryRetryInitial is the first pause after a discovery error.
	DiscoveryRetryInitial = 2 * time.Second

	// DiscoveryRetryMax caps the pause between failing discovery attempts.
	DiscoveryRetryMax = 30 * time.Second

	// EndOfConnectionTimeout bounds the courtesy notification at teardown.
	EndOfConnectionTimeout = 3 * time.Second

	// PinHalf bounds each four digit half of a PIN.
	PinHalf = 10_000

	// PinModulus bounds generated PINs to eight decimal digits.
	PinModulus = PinHalf * PinHalf
)

const (
	// DefaultDeviceLabel is appended to the connected message.
	DefaultDeviceLabel = "PS Vita"

	// DefaultOnlineID is shown when no identifier was ever persisted.
	DefaultOnlineID = "default"
)
