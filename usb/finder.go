// Package usb finds handheld devices on the USB bus with libusb (gousb) and
// exposes them as cma.Handle values speaking the still-image transport.
package usb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/gousb"

	"github.com/nedpals/davi-cma-agent/cma"
)

// Default identifiers of the handheld.
const (
	DefaultVendorID gousb.ID = 0x054C

	// DefaultHostStatusOp reports host status to the device; param 0 is the status.
	DefaultHostStatusOp     uint16 = 0x9511
	HostStatusEndConnection uint32 = 0
)

// DefaultProductIDs covers the two hardware revisions.
var DefaultProductIDs = []gousb.ID{0x04E4, 0x04D8}

const classStillImage gousb.Class = 0x06

// ErrNoEndpoints is returned when a device lacks the expected endpoints.
var ErrNoEndpoints = errors.New("usb: still-image endpoints not found")

// Config holds the USB finder configuration.
type Config struct {
	VendorID     gousb.ID
	ProductIDs   []gousb.ID
	EventCodes   cma.EventCodes
	HostStatusOp uint16
	Logger       *slog.Logger
}

// Finder implements cma.USBFinder over a libusb context.
type Finder struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	ctx *gousb.Context
}

// NewFinder opens a libusb context.
func NewFinder(cfg Config) *Finder {
	if cfg.VendorID == 0 {
		cfg.VendorID = DefaultVendorID
	}
	if len(cfg.ProductIDs) == 0 {
		cfg.ProductIDs = DefaultProductIDs
	}
	if cfg.EventCodes == (cma.EventCodes{}) {
		cfg.EventCodes = cma.DefaultEventCodes
	}
	if cfg.HostStatusOp == 0 {
		cfg.HostStatusOp = DefaultHostStatusOp
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Finder{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "usb"),
		ctx:    gousb.NewContext(),
	}
}

// Matches reports whether desc belongs to a supported handheld.
func (f *Finder) Matches(desc *gousb.DeviceDesc) bool {
	if desc.Vendor != f.cfg.VendorID {
		return false
	}
	for _, pid := range f.cfg.ProductIDs {
		if desc.Product == pid {
			return true
		}
	}
	return false
}

// FindUSBDevice opens the first matching device. It returns (nil, nil)
// when none is attached.
func (f *Finder) FindUSBDevice(ctx context.Context) (cma.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ctx == nil {
		return nil, errors.New("usb: finder closed")
	}

	devs, err := f.ctx.OpenDevices(f.Matches)
	if len(devs) == 0 {
		if err != nil {
			return nil, fmt.Errorf("usb: enumerate: %w", err)
		}
		return nil, nil
	}
	for _, d := range devs[1:] {
		d.Close()
	}

	h, err := f.open(devs[0])
	if err != nil {
		devs[0].Close()
		return nil, err
	}
	return h, nil
}

// Close releases the libusb context.
func (f *Finder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ctx == nil {
		return nil
	}
	err := f.ctx.Close()
	f.ctx = nil
	return err
}

func (f *Finder) open(dev *gousb.Device) (*Handle, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		f.logger.Debug("Auto detach unsupported", "error", err)
	}

	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		return nil, fmt.Errorf("usb: active config: %w", err)
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		return nil, fmt.Errorf("usb: claim config %d: %w", cfgNum, err)
	}

	setting, ok := stillImageSetting(cfg.Desc)
	if !ok {
		cfg.Close()
		return nil, ErrNoEndpoints
	}
	intf, err := cfg.Interface(setting.Number, setting.Alternate)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("usb: claim interface %d: %w", setting.Number, err)
	}

	h := &Handle{
		dev:    dev,
		cfg:    cfg,
		intf:   intf,
		codes:  f.cfg.EventCodes,
		hostOp: f.cfg.HostStatusOp,
		logger: f.logger,
	}
	if err := h.bindEndpoints(setting); err != nil {
		intf.Close()
		cfg.Close()
		return nil, err
	}

	serial, _ := dev.SerialNumber()
	product, _ := dev.Product()
	h.product = product
	h.ident = fmt.Sprintf("usb:%s:%s:%s (bus %d, addr %d)",
		dev.Desc.Vendor, dev.Desc.Product, serial, dev.Desc.Bus, dev.Desc.Address)

	f.logger.Info("USB device opened", "device", h.ident, "product", product)
	return h, nil
}

// stillImageSetting picks the first interface setting of class 0x06, or the
// first setting with an interrupt-in endpoint.
func stillImageSetting(desc gousb.ConfigDesc) (gousb.InterfaceSetting, bool) {
	var fallback *gousb.InterfaceSetting
	for _, iface := range desc.Interfaces {
		for i := range iface.AltSettings {
			s := iface.AltSettings[i]
			if s.Class == classStillImage {
				return s, true
			}
			if fallback == nil {
				for _, ep := range s.Endpoints {
					if ep.TransferType == gousb.TransferTypeInterrupt && ep.Direction == gousb.EndpointDirectionIn {
						fallback = &iface.AltSettings[i]
						break
					}
				}
			}
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return gousb.InterfaceSetting{}, false
}
