package main

import (
	"errors"
	"io"
	"log/slog"

	"github.com/google/gousb"

	"github.com/nedpals/davi-cma-agent/cma"
	"github.com/nedpals/davi-cma-agent/config"
	"github.com/nedpals/davi-cma-agent/notify"
	"github.com/nedpals/davi-cma-agent/server"
	"github.com/nedpals/davi-cma-agent/settings"
	agenttls "github.com/nedpals/davi-cma-agent/tls"
	"github.com/nedpals/davi-cma-agent/usb"
	"github.com/nedpals/davi-cma-agent/wireless"
)

// Agent owns the connection manager and everything around it. It is the
// server.Controller behind the app API.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	store    settings.Store
	certs    *agenttls.Manager
	usb      *usb.Finder
	wireless *wireless.Finder
	manager  *cma.Manager
	server   *server.Server
	sinks    []io.Closer
}

// NewAgent builds the agent from cfg. Optional notification sinks that fail
// to connect are logged and skipped.
func NewAgent(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	a := &Agent{cfg: cfg, logger: logger.With("component", "agent")}

	store, err := settings.Open(cfg.Settings.Backend, cfg.Settings.Path)
	if err != nil {
		return nil, err
	}
	a.store = store

	if cfg.Server.TLS || cfg.Wireless.TLS {
		a.certs = agenttls.NewManager(agenttls.Config{
			Dir:        cfg.TLS.Dir,
			InstallCA:  cfg.TLS.InstallCA,
			ExtraHosts: []string{cfg.Wireless.ServiceName},
			Logger:     logger,
		})
	}

	var notifiers cma.Notifiers
	if cfg.Server.Enabled {
		a.server, err = a.newServer(logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		notifiers = append(notifiers, a.server)
	}
	notifiers = append(notifiers, a.connectSinks(logger)...)

	newHandler := func(cma.TransportKind, cma.Handle) cma.EventHandler {
		return cma.NewNotifyingHandler(nil, notifiers, cfg.Events.RefreshCodes, logger)
	}
	mcfg := cma.ManagerConfig{
		Store:            store,
		Notifier:         notifiers,
		Handshake:        cma.NewPairingController(store, notifiers, logger),
		Handler:          newHandler,
		PollInterval:     cfg.PollInterval(),
		RetryInitial:     cfg.RetryInitial(),
		RetryMax:         cfg.RetryMax(),
		DeviceLabel:      cfg.Session.DeviceLabel,
		FallbackOnlineID: cfg.Session.FallbackOnlineID,
		Logger:           logger,
	}

	for _, kind := range cfg.TransportKinds() {
		switch kind {
		case cma.TransportUSB:
			a.usb = usb.NewFinder(usbConfig(cfg, logger))
			mcfg.USB = a.usb
		case cma.TransportWireless:
			wcfg := wireless.Config{
				HostName:             cfg.Wireless.ServiceName,
				EventCodes:           cfg.EventCodes(),
				DisableAdvertisement: !cfg.Wireless.Advertise,
				HandshakeTimeout:     cfg.HandshakeTimeout(),
				Logger:               logger,
			}
			if cfg.Wireless.TLS {
				if wcfg.TLSConfig, err = a.certs.ServerConfig(); err != nil {
					a.Close()
					return nil, err
				}
			}
			a.wireless = wireless.NewFinder(wcfg)
			mcfg.Wireless = a.wireless
		}
	}

	a.manager = cma.NewManager(mcfg)
	return a, nil
}

func (a *Agent) newServer(logger *slog.Logger) (*server.Server, error) {
	scfg := server.Config{
		Host:       a.cfg.Server.Host,
		Port:       a.cfg.Server.Port,
		APISecret:  a.cfg.Server.APISecret,
		CertFile:   a.cfg.Server.CertFile,
		KeyFile:    a.cfg.Server.KeyFile,
		Controller: a,
		Logger:     logger,
	}
	if history, ok := a.store.(server.PairingHistory); ok {
		scfg.History = history
	}
	if a.certs != nil {
		scfg.CA = a.certs
		if a.cfg.Server.TLS && scfg.CertFile == "" {
			tlsConfig, err := a.certs.ServerConfig()
			if err != nil {
				return nil, err
			}
			scfg.TLSConfig = tlsConfig
		}
	}
	return server.New(scfg), nil
}

func (a *Agent) connectSinks(logger *slog.Logger) []cma.Notifier {
	var out []cma.Notifier
	if a.cfg.MQTT.Enabled {
		if m, err := notify.ConnectMQTT(a.cfg.MQTT, logger); err != nil {
			a.logger.Warn("MQTT notifications disabled", "error", err)
		} else {
			out = append(out, m)
			a.sinks = append(a.sinks, m)
		}
	}
	if a.cfg.InfluxDB.Enabled {
		if i, err := notify.ConnectInflux(a.cfg.InfluxDB, logger); err != nil {
			a.logger.Warn("InfluxDB telemetry disabled", "error", err)
		} else {
			out = append(out, i)
			a.sinks = append(a.sinks, i)
		}
	}
	if a.cfg.Desktop.Enabled {
		if d, err := notify.ConnectDesktop(logger); err != nil {
			a.logger.Warn("Desktop notifications disabled", "error", err)
		} else {
			out = append(out, d)
			a.sinks = append(a.sinks, d)
		}
	}
	return out
}

func usbConfig(cfg *config.Config, logger *slog.Logger) usb.Config {
	ucfg := usb.Config{
		VendorID:   gousb.ID(cfg.USB.VendorID),
		EventCodes: cfg.EventCodes(),
		Logger:     logger,
	}
	for _, pid := range cfg.USB.ProductIDs {
		ucfg.ProductIDs = append(ucfg.ProductIDs, gousb.ID(pid))
	}
	return ucfg
}

// Start brings up the app server and the configured discovery loops.
func (a *Agent) Start() error {
	if a.server != nil {
		if err := a.server.Start(); err != nil {
			return err
		}
	}
	if a.certs != nil {
		if fp, err := a.certs.CAFingerprint(); err == nil {
			a.logger.Info("Local CA in use", "sha256", fp)
		}
	}
	for _, kind := range a.cfg.TransportKinds() {
		if err := a.StartDiscovery(kind); err != nil {
			return err
		}
	}
	return nil
}

// StartDiscovery implements server.Controller.
func (a *Agent) StartDiscovery(kind cma.TransportKind) error {
	if err := a.manager.Start(kind, a.cfg.DiscoveryConfig()); err != nil {
		return err
	}
	a.logger.Info("Discovery started", "transport", kind)
	return nil
}

// StopDiscovery implements server.Controller.
func (a *Agent) StopDiscovery() error {
	return a.manager.Stop()
}

// Status implements server.Controller.
func (a *Agent) Status() cma.Status {
	return a.manager.Status()
}

// Close stops discovery, waits for the loops and releases every resource.
// A session in progress runs until its device disconnects.
func (a *Agent) Close() error {
	if a.manager != nil {
		if err := a.manager.Stop(); err != nil && !errors.Is(err, cma.ErrNotActive) {
			a.logger.Warn("Failed to stop discovery", "error", err)
		}
		a.manager.Wait()
	}
	if a.server != nil {
		a.server.Stop()
	}

	var errs []error
	if a.wireless != nil {
		errs = append(errs, a.wireless.Close())
	}
	if a.usb != nil {
		errs = append(errs, a.usb.Close())
	}
	for _, s := range a.sinks {
		errs = append(errs, s.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
