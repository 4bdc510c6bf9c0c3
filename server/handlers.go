package server

import (
	"context"
	"time"

	"github.com/nedpals/davi-cma-agent/cma"
	"github.com/nedpals/davi-cma-agent/protocol"
)

// ControlHandler exposes start, stop and status over the websocket and
// periodically broadcasts the manager status.
type ControlHandler struct {
	controller Controller
	interval   time.Duration
}

// NewControlHandler creates a handler driving controller.
func NewControlHandler(controller Controller, interval time.Duration) *ControlHandler {
	return &ControlHandler{controller: controller, interval: interval}
}

// Register implements ServerHandler interface.
func (h *ControlHandler) Register(server HandlerServer) {
	server.Handle(protocol.WSTypeStatus, h.handleStatus)
	server.Handle(protocol.WSTypeStartDiscovery, h.handleStart)
	server.Handle(protocol.WSTypeStopDiscovery, h.handleStop)

	server.StartLifecycle(func(ctx context.Context) {
		go func() {
			ticker := time.NewTicker(h.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					server.Broadcast(protocol.WebSocketMessage{Type: protocol.WSTypeStatus, Payload: h.controller.Status()})
				}
			}
		}()
	})
}

func (h *ControlHandler) handleStatus(_ context.Context, c *Client, req protocol.WebSocketRequest) error {
	return c.Respond(req, h.controller.Status())
}

func (h *ControlHandler) handleStart(_ context.Context, c *Client, req protocol.WebSocketRequest) error {
	var p protocol.DiscoveryRequestPayload
	if err := protocol.DecodePayload(req.Payload, &p); err != nil {
		return c.SendError(req.ID, protocol.ErrCodeInvalidPayload, "Invalid discovery request")
	}
	kind, err := cma.ParseTransportKind(p.Transport)
	if err != nil {
		return c.SendError(req.ID, protocol.ErrCodeInvalidPayload, err.Error())
	}
	if err := h.controller.StartDiscovery(kind); err != nil {
		return c.SendError(req.ID, errorCode(err), err.Error())
	}
	return c.Respond(req, h.controller.Status())
}

func (h *ControlHandler) handleStop(_ context.Context, c *Client, req protocol.WebSocketRequest) error {
	if err := h.controller.StopDiscovery(); err != nil {
		return c.SendError(req.ID, errorCode(err), err.Error())
	}
	return c.Respond(req, h.controller.Status())
}

func errorCode(err error) string {
	if cma.IsProgramming(err) {
		return protocol.ErrCodeHostBusy
	}
	return protocol.ErrCodeInternal
}
