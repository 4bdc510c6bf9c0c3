package notify

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"github.com/nedpals/davi-cma-agent/buildinfo"
	"github.com/nedpals/davi-cma-agent/cma"
)

const (
	notificationsDest   = "org.freedesktop.Notifications"
	notificationsPath   = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsNotify = notificationsDest + ".Notify"

	// expireTimeout in milliseconds; PINs stay until dismissed.
	expireDefault = int32(-1)
	expireNever   = int32(0)
)

// Desktop shows PIN and connection notifications on the session bus.
type Desktop struct {
	conn   *dbus.Conn
	obj    dbus.BusObject
	logger *slog.Logger
}

// ConnectDesktop attaches to the session bus.
func ConnectDesktop(logger *slog.Logger) (*Desktop, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus: %w", err)
	}
	d := NewDesktop(conn.Object(notificationsDest, notificationsPath), logger)
	d.conn = conn
	return d, nil
}

// NewDesktop sends through obj.
func NewDesktop(obj dbus.BusObject, logger *slog.Logger) *Desktop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Desktop{obj: obj, logger: logger.With("component", "desktop")}
}

func (d *Desktop) Notify(n cma.Notification) {
	summary, body, ok := desktopMessage(n)
	if !ok {
		return
	}
	expire := expireDefault
	if n.Type == cma.NotifyPinReceived {
		expire = expireNever
	}

	call := d.obj.Call(notificationsNotify, 0,
		buildinfo.DisplayName, uint32(0), "", summary, body,
		[]string{}, map[string]dbus.Variant{}, expire)
	if call.Err != nil {
		d.logger.Warn("Desktop notification failed", "type", n.Type, "error", call.Err)
	}
}

func (d *Desktop) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

// desktopMessage reports which notifications are shown and how.
func desktopMessage(n cma.Notification) (summary, body string, ok bool) {
	switch n.Type {
	case cma.NotifyPinReceived:
		return "Device registration", fmt.Sprintf("Enter PIN %s on %s", n.PinString(), n.DeviceName), true
	case cma.NotifyConnected:
		return "Device connected", n.Message, true
	case cma.NotifyDisconnected:
		return "Device disconnected", fmt.Sprintf("The %s connection was closed", n.Transport), true
	case cma.NotifyPairingComplete:
		return "Device registration", "Registration complete", true
	default:
		return "", "", false
	}
}
