// Package notify forwards connection lifecycle notifications to external
// sinks: an MQTT broker, InfluxDB and the desktop notification service.
package notify

import "errors"

var (
	// ErrNotConnected is returned when a sink has no live connection.
	ErrNotConnected = errors.New("notify: not connected")
	// ErrDisabled is returned when constructing a disabled sink.
	ErrDisabled = errors.New("notify: sink disabled")
)
