// Package protocol provides the JSON message types exchanged with handheld
// devices over the wireless link and with app clients over the agent API.
// This package is designed to be importable without pulling in server dependencies.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Error codes carried in the "code" field of error payloads.
const (
	ErrCodeParse          = "PARSE_ERROR"
	ErrCodeInvalidType    = "INVALID_MESSAGE_TYPE"
	ErrCodeInvalidPayload = "INVALID_PAYLOAD"
	ErrCodeUnknownType    = "UNKNOWN_TYPE"
	ErrCodeNotApproved    = "NOT_APPROVED"
	ErrCodePinUnavailable = "PIN_UNAVAILABLE"
	ErrCodePinMismatch    = "PIN_MISMATCH"
	ErrCodeHostBusy       = "HOST_BUSY"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// DecodePayload converts a generic request payload into dst.
func DecodePayload(payload map[string]any, dst any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}
	return nil
}
