package usb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/nedpals/davi-cma-agent/cma"
)

const (
	sessionID       = 1
	responseTimeout = 5 * time.Second
)

// Handle is an opened handheld on the USB bus.
type Handle struct {
	dev     *gousb.Device
	cfg     *gousb.Config
	intf    *gousb.Interface
	bulkIn  *gousb.InEndpoint
	bulkOut *gousb.OutEndpoint
	events  *gousb.InEndpoint

	codes   cma.EventCodes
	hostOp  uint16
	logger  *slog.Logger
	ident   string
	product string

	mu       sync.Mutex
	txID     uint32
	released bool
}

func (h *Handle) bindEndpoints(s gousb.InterfaceSetting) error {
	var err error
	for _, ep := range s.Endpoints {
		switch {
		case ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionIn && h.bulkIn == nil:
			h.bulkIn, err = h.intf.InEndpoint(ep.Number)
		case ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionOut && h.bulkOut == nil:
			h.bulkOut, err = h.intf.OutEndpoint(ep.Number)
		case ep.TransferType == gousb.TransferTypeInterrupt && ep.Direction == gousb.EndpointDirectionIn && h.events == nil:
			h.events, err = h.intf.InEndpoint(ep.Number)
		}
		if err != nil {
			return fmt.Errorf("usb: endpoint %s: %w", ep, err)
		}
	}
	if h.bulkIn == nil || h.bulkOut == nil || h.events == nil {
		return ErrNoEndpoints
	}
	return nil
}

func (h *Handle) Identification() string { return h.ident }

// ExchangeInfo opens the transport session and reports the product string.
// USB devices do not report an online id.
func (h *Handle) ExchangeInfo(ctx context.Context) (cma.DeviceIdentity, error) {
	resp, err := h.transact(ctx, OpOpenSession, sessionID)
	if err != nil {
		return cma.DeviceIdentity{}, err
	}
	if resp.Code != RespOK && resp.Code != RespSessionOpen {
		return cma.DeviceIdentity{}, fmt.Errorf("usb: open session: response 0x%04x", resp.Code)
	}
	return cma.DeviceIdentity{Model: h.product}, nil
}

// ReadEvent blocks on the interrupt endpoint for the next event container.
func (h *Handle) ReadEvent(ctx context.Context) (cma.Event, error) {
	buf := make([]byte, h.events.Desc.MaxPacketSize+headerLen)
	for {
		n, err := h.events.ReadContext(ctx, buf)
		if err != nil {
			return cma.Event{}, fmt.Errorf("usb: read event: %w", err)
		}
		c, err := ParseContainer(buf[:n])
		if err != nil {
			h.logger.Warn("Dropping malformed event", "error", err)
			continue
		}
		if c.Type != ContainerEvent {
			continue
		}
		return eventFromContainer(c, h.codes), nil
	}
}

// SendEndOfConnection reports the end-of-connection host status.
func (h *Handle) SendEndOfConnection(ctx context.Context) error {
	resp, err := h.transact(ctx, h.hostOp, HostStatusEndConnection)
	if err != nil {
		return err
	}
	if resp.Code != RespOK {
		return fmt.Errorf("usb: host status: response 0x%04x", resp.Code)
	}
	return nil
}

// Release closes the transport session and the device. Safe to call more
// than once.
func (h *Handle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	if _, err := h.transact(ctx, OpCloseSession); err != nil {
		h.logger.Debug("Close session failed", "error", err)
	}
	cancel()

	h.intf.Close()
	var firstErr error
	if err := h.cfg.Close(); err != nil {
		firstErr = err
	}
	if err := h.dev.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// transact sends a command container and waits for its response.
func (h *Handle) transact(ctx context.Context, op uint16, params ...uint32) (Container, error) {
	h.mu.Lock()
	h.txID++
	tx := h.txID
	h.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, responseTimeout)
		defer cancel()
	}

	cmd := Container{Type: ContainerCommand, Code: op, TransactionID: tx, Params: params}
	if _, err := h.bulkOut.WriteContext(ctx, cmd.Marshal()); err != nil {
		return Container{}, fmt.Errorf("usb: send 0x%04x: %w", op, err)
	}

	buf := make([]byte, h.bulkIn.Desc.MaxPacketSize)
	for {
		n, err := h.bulkIn.ReadContext(ctx, buf)
		if err != nil {
			return Container{}, fmt.Errorf("usb: response 0x%04x: %w", op, err)
		}
		c, err := ParseContainer(buf[:n])
		if err != nil {
			return Container{}, err
		}
		if c.Type == ContainerResponse && c.TransactionID == tx {
			return c, nil
		}
	}
}

func eventFromContainer(c Container, codes cma.EventCodes) cma.Event {
	params := c.Params
	if len(params) > cma.MaxEventParams {
		params = params[:cma.MaxEventParams]
	}
	return cma.Event{
		Kind:          codes.Kind(c.Code),
		Code:          c.Code,
		TransactionID: c.TransactionID,
		Params:        params,
	}
}
