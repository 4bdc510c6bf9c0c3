package wireless

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nedpals/davi-cma-agent/cma"
	"github.com/nedpals/davi-cma-agent/protocol"
)

// ServeHTTP runs the device side of the link: optional registration with a
// PIN, then the connect step that hands the connection to discovery.
func (f *Finder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !f.available.Load() {
		http.Error(w, "Host busy", http.StatusServiceUnavailable)
		return
	}

	ws, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("WebSocket upgrade error", "error", err)
		return
	}
	f.logger.Info("Device connected", "remote", r.RemoteAddr)

	handedOff := false
	defer func() {
		if !handedOff {
			ws.Close()
		}
	}()

	_ = ws.SetReadDeadline(time.Now().Add(f.cfg.HandshakeTimeout))

	var pending *cma.PairingRequest
	misses := 0
	for {
		req, err := readHandshake(ws)
		if err != nil {
			f.logger.Info("Handshake aborted", "remote", r.RemoteAddr, "error", err)
			return
		}

		hs := f.currentHandshake()
		if hs == nil {
			f.sendError(ws, req.ID, protocol.ErrCodeHostBusy, "Host is not discovering")
			return
		}

		switch req.Type {
		case protocol.MsgRegisterDevice:
			var reg protocol.RegisterDeviceRequest
			if err := protocol.DecodePayload(req.Payload, &reg); err != nil || reg.DeviceName == "" {
				f.sendError(ws, req.ID, protocol.ErrCodeInvalidPayload, "Invalid registration request")
				return
			}
			if !hs.ApproveDevice(reg.DeviceID) {
				f.sendError(ws, req.ID, protocol.ErrCodeNotApproved, "Device not approved")
				return
			}
			pending = &cma.PairingRequest{DeviceName: reg.DeviceName, MACAddress: reg.MACAddress, OnlineID: reg.OnlineID}
			hs.GeneratePin(pending)
			if pending.Err != cma.PairingOK {
				f.sendError(ws, req.ID, protocol.ErrCodePinUnavailable, "Failed to generate PIN")
				return
			}
			f.respond(ws, req.ID, protocol.MsgRegisterPending, protocol.RegisterPendingResponse{PinLength: PinLength})

		case protocol.MsgConfirmPin:
			var confirm protocol.ConfirmPinRequest
			if err := protocol.DecodePayload(req.Payload, &confirm); err != nil {
				f.sendError(ws, req.ID, protocol.ErrCodeInvalidPayload, "Invalid PIN confirmation")
				continue
			}
			if pending == nil || confirm.Pin != pending.PIN {
				misses++
				if misses >= MaxPinAttempts {
					f.logger.Warn("Too many PIN attempts, closing", "remote", r.RemoteAddr)
					f.sendError(ws, req.ID, protocol.ErrCodePinMismatch, "Too many PIN attempts")
					return
				}
				f.sendError(ws, req.ID, protocol.ErrCodePinMismatch, "PIN does not match")
				continue
			}
			pending = nil
			hs.RegistrationComplete()
			f.respond(ws, req.ID, protocol.MsgRegisterDeviceResponse, map[string]any{})

		case protocol.MsgConnect:
			var creq protocol.ConnectRequest
			if err := protocol.DecodePayload(req.Payload, &creq); err != nil || creq.DeviceID == "" {
				f.sendError(ws, req.ID, protocol.ErrCodeInvalidPayload, "Invalid connect request")
				return
			}
			if !hs.ApproveDevice(creq.DeviceID) {
				f.sendError(ws, req.ID, protocol.ErrCodeNotApproved, "Device not approved")
				return
			}
			if !f.available.Load() {
				f.sendError(ws, req.ID, protocol.ErrCodeHostBusy, "Host busy")
				return
			}

			c := newConn(ws, creq, r.RemoteAddr, f.cfg.EventCodes, f.logger)
			_ = ws.SetReadDeadline(time.Time{})
			f.respond(ws, req.ID, protocol.MsgConnectResponse, protocol.ConnectResponse{HostName: f.cfg.HostName, SessionID: c.ID()})

			// The hijacked connection outlives this handler.
			if !f.deliver(context.WithoutCancel(r.Context()), c) {
				f.logger.Warn("No discovery waiting, dropping device", "device", c.Identification())
				_ = c.SendEndOfConnection(context.Background())
				_ = c.Release()
				handedOff = true
				return
			}
			handedOff = true
			return

		default:
			f.sendError(ws, req.ID, protocol.ErrCodeUnknownType, fmt.Sprintf("Unknown message type: %s", req.Type))
		}
	}
}

func readHandshake(ws *websocket.Conn) (protocol.WebSocketRequest, error) {
	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return protocol.WebSocketRequest{}, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var req protocol.WebSocketRequest
		if err := json.Unmarshal(message, &req); err != nil {
			return protocol.WebSocketRequest{}, fmt.Errorf("invalid message format: %w", err)
		}
		return req, nil
	}
}

func (f *Finder) respond(ws *websocket.Conn, id, msgType string, payload any) {
	_ = ws.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := ws.WriteJSON(protocol.WebSocketResponse{ID: id, Type: msgType, Success: true, Payload: payload}); err != nil {
		f.logger.Warn("Failed to send response", "type", msgType, "error", err)
	}
}

// sendError sends an error response to a device.
func (f *Finder) sendError(ws *websocket.Conn, requestID, code, message string) {
	response := protocol.WebSocketResponse{
		ID:      requestID,
		Type:    protocol.MsgError,
		Success: false,
		Error:   message,
		Payload: map[string]any{
			"code": code,
		},
	}
	_ = ws.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := ws.WriteJSON(response); err != nil {
		f.logger.Warn("Failed to send error response", "error", err)
	}
}
