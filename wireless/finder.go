// Package wireless accepts handheld devices over the local network. The
// host advertises itself over mDNS and devices connect with a websocket,
// optionally pairing first with a PIN shown on the host.
package wireless

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/nedpals/davi-cma-agent/cma"
)

var (
	// ErrDiscoveryCancelled is returned by FindWirelessDevice after CancelDiscovery.
	ErrDiscoveryCancelled = errors.New("wireless: discovery cancelled")
	// ErrFinderClosed is returned once Close has been called.
	ErrFinderClosed = errors.New("wireless: finder closed")
)

// Config holds the finder configuration.
type Config struct {
	// TLSConfig enables wss:// on the device port when set.
	TLSConfig *tls.Config

	// HostName is reported to devices in connect responses.
	HostName string

	// EventCodes classifies events that arrive without an explicit kind.
	EventCodes cma.EventCodes

	// DisableAdvertisement skips mDNS registration.
	DisableAdvertisement bool

	// DisableListener leaves serving to the caller, which mounts the
	// Finder as an http.Handler.
	DisableListener bool

	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// Finder implements cma.WirelessFinder and cma.Broadcaster. The listener
// and mDNS advertisement start on the first FindWirelessDevice call and
// stay up until Close. Devices are only paired or accepted while a
// FindWirelessDevice call is running; otherwise they are answered busy.
type Finder struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	available atomic.Bool

	mu         sync.Mutex
	discovery  cma.DiscoveryConfig
	listening  bool
	httpServer *http.Server
	listener   net.Listener
	mdns       *zeroconf.Server
	handshake  cma.Handshake
	cancel     chan struct{}
	closed     bool

	conns chan *Conn
}

// NewFinder creates a finder. Nothing listens until discovery starts.
func NewFinder(cfg Config) *Finder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = HandshakeTimeout
	}
	if cfg.EventCodes == (cma.EventCodes{}) {
		cfg.EventCodes = cma.DefaultEventCodes
	}
	f := &Finder{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "wireless"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Devices send no Origin header
			},
		},
		conns: make(chan *Conn),
	}
	f.available.Store(true)
	return f
}

// FindWirelessDevice blocks until a device completes the connect step, ctx
// is done, or CancelDiscovery is called.
func (f *Finder) FindWirelessDevice(ctx context.Context, cfg cma.DiscoveryConfig, hs cma.Handshake) (cma.Handle, error) {
	cancel, err := f.begin(cfg, hs)
	if err != nil {
		return nil, err
	}
	defer f.end(cancel)

	select {
	case c := <-f.conns:
		return c, nil
	case <-cancel:
		return nil, ErrDiscoveryCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelDiscovery interrupts a FindWirelessDevice call in progress. Devices
// still mid-handshake are refused from then on.
func (f *Finder) CancelDiscovery() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		close(f.cancel)
		f.cancel = nil
	}
	f.handshake = nil
}

// SetAvailable switches between accepting devices and answering busy. The
// mDNS TXT record follows.
func (f *Finder) SetAvailable(available bool) {
	f.available.Store(available)

	f.mu.Lock()
	mdns := f.mdns
	f.mu.Unlock()
	if mdns != nil {
		mdns.SetText(f.txtRecord())
	}
	f.logger.Debug("Availability changed", "available", available)
}

// Available reports whether new devices are accepted.
func (f *Finder) Available() bool { return f.available.Load() }

// Addr returns the listening address, or nil before discovery starts.
func (f *Finder) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

// Close stops the listener and the advertisement.
func (f *Finder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	if f.cancel != nil {
		close(f.cancel)
		f.cancel = nil
	}
	f.handshake = nil
	f.mu.Unlock()
	return f.stopListening()
}

func (f *Finder) begin(cfg cma.DiscoveryConfig, hs cma.Handshake) (chan struct{}, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrFinderClosed
	}
	restart := f.listening && f.discovery != cfg
	f.mu.Unlock()

	if restart {
		f.logger.Info("Discovery configuration changed, restarting listener")
		if err := f.stopListening(); err != nil {
			f.logger.Warn("Failed to stop listener", "error", err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.listening {
		if err := f.listen(cfg); err != nil {
			return nil, err
		}
	}
	f.handshake = hs
	f.cancel = make(chan struct{})
	return f.cancel, nil
}

// end detaches the handshake of the FindWirelessDevice call owning cancel,
// unless a newer call has replaced it.
func (f *Finder) end(cancel chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != cancel {
		return
	}
	f.cancel = nil
	f.handshake = nil
}

// listen starts the websocket server and mDNS advertisement. Caller holds f.mu.
func (f *Finder) listen(requested cma.DiscoveryConfig) error {
	f.discovery = requested
	if f.cfg.DisableListener {
		f.listening = true
		return nil
	}

	cfg := requested
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ServiceType == "" {
		cfg.ServiceType = DefaultServiceType
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Port, err)
	}
	if f.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, f.cfg.TLSConfig)
	}

	srv := &http.Server{Handler: f, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Error("Device listener failed", "error", err)
		}
	}()

	if !f.cfg.DisableAdvertisement {
		port := ln.Addr().(*net.TCPAddr).Port
		mdns, err := zeroconf.Register(cfg.ServiceName, cfg.ServiceType, cfg.Domain, port, f.txtRecord(), nil)
		if err != nil {
			f.logger.Warn("Failed to register mDNS service", "error", err)
		} else {
			f.mdns = mdns
			f.logger.Info("mDNS service registered", "name", cfg.ServiceName, "type", cfg.ServiceType, "port", port)
		}
	}

	f.listener = ln
	f.httpServer = srv
	f.listening = true
	f.logger.Info("Listening for devices", "addr", ln.Addr().String(), "tls", f.cfg.TLSConfig != nil)
	return nil
}

func (f *Finder) stopListening() error {
	f.mu.Lock()
	srv, mdns := f.httpServer, f.mdns
	f.httpServer, f.mdns, f.listener = nil, nil, nil
	f.listening = false
	f.mu.Unlock()

	if mdns != nil {
		mdns.Shutdown()
		f.logger.Info("mDNS service unregistered")
	}
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func (f *Finder) txtRecord() []string {
	status := "available"
	if !f.available.Load() {
		status = "busy"
	}
	return []string{"status=" + status, "host=" + f.cfg.HostName, "pin_length=" + strconv.Itoa(PinLength)}
}

func (f *Finder) currentHandshake() cma.Handshake {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handshake
}

// deliver hands c to a waiting FindWirelessDevice call.
func (f *Finder) deliver(ctx context.Context, c *Conn) bool {
	t := time.NewTimer(HandoffTimeout)
	defer t.Stop()
	select {
	case f.conns <- c:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}
