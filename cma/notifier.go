package cma

import (
	"encoding/json"
	"fmt"
	"time"
)

// NotificationType names a lifecycle notification delivered to the app.
type NotificationType string

const (
	NotifyConnected                NotificationType = "connected"
	NotifyDisconnected             NotificationType = "disconnected"
	NotifyPinReceived              NotificationType = "pinReceived"
	NotifyPairingComplete          NotificationType = "pairingComplete"
	NotifyStatusMessage            NotificationType = "statusMessage"
	NotifyDatabaseRefreshRequested NotificationType = "databaseRefreshRequested"
	NotifyLoopFinished             NotificationType = "loopFinished"
)

// Notification is a user-facing lifecycle message. Only the fields
// relevant to Type are set.
type Notification struct {
	Type       NotificationType `json:"type"`
	Message    string           `json:"message,omitempty"`
	DeviceName string           `json:"deviceName,omitempty"`
	PIN        int              `json:"pin"`
	Transport  string           `json:"transport,omitempty"`
	Time       time.Time        `json:"time"`
}

// MarshalJSON writes pin only on pinReceived notifications, where zero is a
// valid PIN.
func (n Notification) MarshalJSON() ([]byte, error) {
	type plain Notification
	out := struct {
		plain
		PIN *int `json:"pin,omitempty"`
	}{plain: plain(n)}
	if n.Type == NotifyPinReceived {
		pin := n.PIN
		out.PIN = &pin
	}
	return json.Marshal(out)
}

// PinString renders the PIN as shown to the user.
func (n Notification) PinString() string {
	return fmt.Sprintf("%08d", n.PIN)
}

// Notifier receives lifecycle notifications. Implementations must not block
// for long: they are called from discovery and session goroutines.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Notifiers fans a notification out to every member.
type Notifiers []Notifier

func (ns Notifiers) Notify(n Notification) {
	for _, x := range ns {
		if x != nil {
			x.Notify(n)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notification) {}

func Connected(message string, kind TransportKind) Notification {
	return Notification{Type: NotifyConnected, Message: message, Transport: kind.String(), Time: time.Now()}
}

func Disconnected(kind TransportKind) Notification {
	return Notification{Type: NotifyDisconnected, Transport: kind.String(), Time: time.Now()}
}

func PinReceived(deviceName string, pin int) Notification {
	return Notification{Type: NotifyPinReceived, DeviceName: deviceName, PIN: pin, Transport: TransportWireless.String(), Time: time.Now()}
}

func PairingComplete() Notification {
	return Notification{Type: NotifyPairingComplete, Transport: TransportWireless.String(), Time: time.Now()}
}

func StatusMessage(text string) Notification {
	return Notification{Type: NotifyStatusMessage, Message: text, Time: time.Now()}
}

func DatabaseRefreshRequested() Notification {
	return Notification{Type: NotifyDatabaseRefreshRequested, Time: time.Now()}
}

func LoopFinished(kind TransportKind) Notification {
	return Notification{Type: NotifyLoopFinished, Transport: kind.String(), Time: time.Now()}
}
