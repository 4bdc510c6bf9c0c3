package protocol

// Wireless link message types.
const (
	// device -> host
	MsgRegisterDevice = "registerDevice"
	MsgConfirmPin     = "confirmPin"
	MsgConnect        = "connect"
	MsgDeviceInfo     = "deviceInfo"
	MsgEvent          = "event"
	MsgHeartbeat      = "heartbeat"

	// host -> device
	MsgRegisterPending        = "registerPending"
	MsgRegisterDeviceResponse = "registerDeviceResponse"
	MsgConnectResponse        = "connectResponse"
	MsgGetInfo                = "getInfo"
	MsgHostStatus             = "hostStatus"
	MsgError                  = "error"
)

// HostStatusEndConnection tells the device the host closed the session.
const HostStatusEndConnection = "endConnection"

// RegisterDeviceRequest starts pairing.
type RegisterDeviceRequest struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	MACAddress string `json:"macAddress"`
	OnlineID   string `json:"onlineId,omitempty"`
}

// RegisterPendingResponse tells the device to prompt for the PIN shown on the host.
type RegisterPendingResponse struct {
	PinLength int `json:"pinLength"`
}

// ConfirmPinRequest carries the PIN the user typed on the device.
type ConfirmPinRequest struct {
	Pin int `json:"pin"`
}

// ConnectRequest asks the host to start a session.
type ConnectRequest struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

// ConnectResponse accepts a session.
type ConnectResponse struct {
	HostName  string `json:"hostName"`
	SessionID string `json:"sessionId"`
}

// DeviceInfo answers a getInfo request.
type DeviceInfo struct {
	OnlineID string `json:"onlineId,omitempty"`
	Model    string `json:"model,omitempty"`
	Firmware string `json:"firmware,omitempty"`
}

// EventPayload is a device event. Kind is "terminate", "cancelTask" or empty.
type EventPayload struct {
	Code          uint16   `json:"code"`
	Kind          string   `json:"kind,omitempty"`
	TransactionID uint32   `json:"transactionId,omitempty"`
	Params        []uint32 `json:"params,omitempty"`
}

// HostStatusPayload is pushed to the device by the host.
type HostStatusPayload struct {
	Status string `json:"status"`
}
