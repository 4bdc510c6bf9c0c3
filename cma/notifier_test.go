package cma

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotification_ZeroPinIsEncoded(t *testing.T) {
	data, err := json.Marshal(PinReceived("Vita", 0))
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	require.Contains(t, fields, "pin")
	assert.EqualValues(t, 0, fields["pin"])
	assert.Equal(t, "pinReceived", fields["type"])
	assert.Equal(t, "Vita", fields["deviceName"])
}

func TestNotification_PinOnlyOnPinReceived(t *testing.T) {
	data, err := json.Marshal(Connected("Connected to erin (PS Vita)", TransportUSB))
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.NotContains(t, fields, "pin")
	assert.Equal(t, "usb", fields["transport"])
	assert.Contains(t, fields, "time")
}

func TestNotification_DecodesPin(t *testing.T) {
	data, err := json.Marshal(PinReceived("Vita", 42))
	require.NoError(t, err)

	var got Notification
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 42, got.PIN)
	assert.Equal(t, "00000042", got.PinString())
}
