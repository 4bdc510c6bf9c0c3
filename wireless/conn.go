package wireless

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nedpals/davi-cma-agent/cma"
	"github.com/nedpals/davi-cma-agent/protocol"
)

// ErrConnClosed is returned by operations on a released connection.
var ErrConnClosed = errors.New("wireless: connection closed")

// Conn is a device attached over the wireless link. It implements
// cma.Handle and cma.InfoExchanger.
type Conn struct {
	ws         *websocket.Conn
	id         string
	deviceID   string
	deviceName string
	remote     string
	codes      cma.EventCodes
	logger     *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(ws *websocket.Conn, req protocol.ConnectRequest, remote string, codes cma.EventCodes, logger *slog.Logger) *Conn {
	id := uuid.New().String()
	return &Conn{
		ws:         ws,
		id:         id,
		deviceID:   req.DeviceID,
		deviceName: req.DeviceName,
		remote:     remote,
		codes:      codes,
		logger:     logger.With("conn_id", id, "device_id", req.DeviceID),
		closed:     make(chan struct{}),
	}
}

// ID returns the host-assigned session id.
func (c *Conn) ID() string { return c.id }

func (c *Conn) Identification() string {
	return fmt.Sprintf("wireless:%s (%s)@%s", c.deviceName, c.deviceID, c.remote)
}

// ExchangeInfo asks the device for its identity.
func (c *Conn) ExchangeInfo(ctx context.Context) (cma.DeviceIdentity, error) {
	reqID := uuid.New().String()
	if err := c.write(protocol.WebSocketMessage{ID: reqID, Type: protocol.MsgGetInfo, Payload: map[string]any{}}); err != nil {
		return cma.DeviceIdentity{}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ExchangeTimeout)
		defer cancel()
	}

	for {
		req, err := c.readRequest(ctx)
		if err != nil {
			return cma.DeviceIdentity{}, err
		}
		if req.Type != protocol.MsgDeviceInfo {
			c.logger.Debug("Ignoring message during exchange", "type", req.Type)
			continue
		}
		var info protocol.DeviceInfo
		if err := protocol.DecodePayload(req.Payload, &info); err != nil {
			return cma.DeviceIdentity{}, err
		}
		return cma.DeviceIdentity{OnlineID: info.OnlineID, Model: info.Model, Firmware: info.Firmware}, nil
	}
}

// ReadEvent blocks until the device sends an event message.
func (c *Conn) ReadEvent(ctx context.Context) (cma.Event, error) {
	for {
		req, err := c.readRequest(ctx)
		if err != nil {
			return cma.Event{}, err
		}

		switch req.Type {
		case protocol.MsgEvent:
			var p protocol.EventPayload
			if err := protocol.DecodePayload(req.Payload, &p); err != nil {
				c.logger.Warn("Dropping malformed event", "error", err)
				continue
			}
			kind := cma.ParseEventKind(p.Kind)
			if kind == cma.EventGeneric {
				kind = c.codes.Kind(p.Code)
			}
			params := p.Params
			if len(params) > cma.MaxEventParams {
				params = params[:cma.MaxEventParams]
			}
			return cma.Event{Kind: kind, Code: p.Code, TransactionID: p.TransactionID, Params: params}, nil
		case protocol.MsgHeartbeat:
			continue
		default:
			c.logger.Debug("Ignoring message", "type", req.Type)
		}
	}
}

func (c *Conn) SendEndOfConnection(ctx context.Context) error {
	return c.write(protocol.WebSocketMessage{
		Type:    protocol.MsgHostStatus,
		Payload: protocol.HostStatusPayload{Status: protocol.HostStatusEndConnection},
	})
}

// Release closes the websocket. Safe to call more than once.
func (c *Conn) Release() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "released"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// readRequest reads one text message, honoring ctx cancellation by moving
// the read deadline.
func (c *Conn) readRequest(ctx context.Context) (protocol.WebSocketRequest, error) {
	select {
	case <-c.closed:
		return protocol.WebSocketRequest{}, ErrConnClosed
	default:
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(dl)
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return protocol.WebSocketRequest{}, ctx.Err()
			}
			if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
				return protocol.WebSocketRequest{}, context.DeadlineExceeded
			}
			return protocol.WebSocketRequest{}, fmt.Errorf("wireless read: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var req protocol.WebSocketRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.logger.Warn("Failed to parse message", "error", err)
			continue
		}
		return req, nil
	}
}

func (c *Conn) write(v any) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return c.ws.WriteJSON(v)
}
