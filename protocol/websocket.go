package protocol

// App client message types.
const (
	WSTypeNotification   = "notification"
	WSTypeStatus         = "status"
	WSTypeStartDiscovery = "startDiscovery"
	WSTypeStopDiscovery  = "stopDiscovery"
	WSTypeError          = "error"
)

// WebSocketMessage is the generic message envelope for WebSocket communication.
type WebSocketMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WebSocketRequest is for incoming requests from WebSocket peers.
type WebSocketRequest struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// WebSocketResponse is for responses to WebSocket requests.
type WebSocketResponse struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// DiscoveryRequestPayload selects the transport for start/stop requests.
type DiscoveryRequestPayload struct {
	Transport string `json:"transport"`
}
