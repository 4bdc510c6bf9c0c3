package cma

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// ManagerConfig wires a Manager to its collaborators. Only the finders of
// the transports that will be started are required.
type ManagerConfig struct {
	USB      USBFinder
	Wireless WirelessFinder

	// Exchanger defaults to HandleExchanger.
	Exchanger Exchanger
	Store     IdentityStore
	Notifier  Notifier

	// Handshake defaults to a PairingController over Store and Notifier.
	Handshake Handshake

	// Handler builds the event handler of a new session. Defaults to a
	// NotifyingHandler without a content handler.
	Handler func(kind TransportKind, h Handle) EventHandler

	// Broadcasters are told when the host stops and resumes accepting
	// connections. A wireless finder implementing Broadcaster is added
	// automatically.
	Broadcasters []Broadcaster

	PollInterval     time.Duration
	RetryInitial     time.Duration
	RetryMax         time.Duration
	DeviceLabel      string
	FallbackOnlineID string

	Logger *slog.Logger
}

// Manager runs the per-transport discovery loops and guarantees that at
// most one ConnectionSession exists at a time across all transports.
//
// Thread Safety:
//   - Start, Stop, Status and Wait are safe for concurrent use.
type Manager struct {
	usb          USBFinder
	wireless     WirelessFinder
	exchanger    Exchanger
	store        IdentityStore
	notifier     Notifier
	handshake    Handshake
	newHandler   func(TransportKind, Handle) EventHandler
	broadcasters []Broadcaster

	pollInterval time.Duration
	retryInitial time.Duration
	retryMax     time.Duration
	deviceLabel  string
	fallbackID   string
	logger       *slog.Logger

	state *managerState

	mu      sync.Mutex
	runCtx  context.Context
	cancel  context.CancelFunc
	loops   map[TransportKind]chan struct{}
	session *ConnectionSession
	wg      sync.WaitGroup
}

// NewManager creates an inactive manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}

	m := &Manager{
		usb:          cfg.USB,
		wireless:     cfg.Wireless,
		exchanger:    cfg.Exchanger,
		store:        cfg.Store,
		notifier:     notifier,
		handshake:    cfg.Handshake,
		newHandler:   cfg.Handler,
		broadcasters: append([]Broadcaster(nil), cfg.Broadcasters...),
		pollInterval: cfg.PollInterval,
		retryInitial: cfg.RetryInitial,
		retryMax:     cfg.RetryMax,
		deviceLabel:  cfg.DeviceLabel,
		fallbackID:   cfg.FallbackOnlineID,
		logger:       logger.With("component", "manager"),
		state:        newManagerState(),
		loops:        make(map[TransportKind]chan struct{}),
	}

	if m.exchanger == nil {
		m.exchanger = HandleExchanger{}
	}
	if m.handshake == nil {
		m.handshake = NewPairingController(cfg.Store, notifier, logger)
	}
	if m.newHandler == nil {
		m.newHandler = func(TransportKind, Handle) EventHandler {
			return NewNotifyingHandler(nil, notifier, nil, logger)
		}
	}
	if b, ok := cfg.Wireless.(Broadcaster); ok {
		m.broadcasters = append(m.broadcasters, b)
	}
	if m.pollInterval <= 0 {
		m.pollInterval = USBPollInterval
	}
	if m.retryInitial <= 0 {
		m.retryInitial = DiscoveryRetryInitial
	}
	if m.retryMax <= 0 {
		m.retryMax = DiscoveryRetryMax
	}
	if m.deviceLabel == "" {
		m.deviceLabel = DefaultDeviceLabel
	}
	if m.fallbackID == "" {
		m.fallbackID = DefaultOnlineID
	}
	return m
}

// Handshake returns the pairing callbacks handed to the wireless finder.
func (m *Manager) Handshake() Handshake { return m.handshake }

// IsActive reports whether discovery is enabled.
func (m *Manager) IsActive() bool { return m.state.IsActive() }

// SessionInProgress reports whether a device is currently being serviced.
func (m *Manager) SessionInProgress() bool { return m.state.SessionInProgress() }

// Start launches the discovery loop of kind. It is a no-op when that loop
// is already running. cfg is copied and only used for wireless discovery.
func (m *Manager) Start(kind TransportKind, cfg DiscoveryConfig) error {
	switch {
	case kind == TransportUSB && m.usb == nil,
		kind == TransportWireless && m.wireless == nil:
		return &Error{Class: ClassProgramming, Op: "Start", Transport: kind.String(), Message: ErrNoTransport.Message}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.loops[kind]; running {
		if m.runCtx != nil && m.runCtx.Err() == nil {
			return nil
		}
		return &Error{Class: ClassProgramming, Op: "Start", Transport: kind.String(), Message: ErrLoopStopping.Message}
	}

	if m.runCtx == nil || m.runCtx.Err() != nil {
		m.runCtx, m.cancel = context.WithCancel(context.Background())
	}
	m.state.setActive(true)

	done := make(chan struct{})
	m.loops[kind] = done
	ctx := m.runCtx

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		switch kind {
		case TransportUSB:
			m.usbLoop(ctx)
		case TransportWireless:
			m.wirelessLoop(ctx, cfg)
		}

		m.mu.Lock()
		delete(m.loops, kind)
		m.mu.Unlock()
		close(done)
		m.notifier.Notify(LoopFinished(kind))
	}()
	return nil
}

// Stop disables discovery, interrupts a blocking wireless discovery and
// wakes a waiting USB poll. It does not wait for the loops to exit and does
// not abort a running session. Stop returns ErrNotActive when inactive.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.state.setActive(false) {
		m.mu.Unlock()
		return ErrNotActive
	}
	cancel := m.cancel
	m.mu.Unlock()

	m.logger.Info("Stopping discovery")
	if m.wireless != nil {
		m.wireless.CancelDiscovery()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Wait blocks until every discovery loop has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Status is a point-in-time view of the manager.
type Status struct {
	Active            bool     `json:"active"`
	SessionInProgress bool     `json:"sessionInProgress"`
	Transport         string   `json:"transport,omitempty"`
	Device            string   `json:"device,omitempty"`
	SessionID         string   `json:"sessionId,omitempty"`
	SessionState      string   `json:"sessionState,omitempty"`
	Loops             []string `json:"loops"`
}

func (m *Manager) Status() Status {
	inProgress, kind, ident := m.state.session()
	st := Status{
		Active:            m.state.IsActive(),
		SessionInProgress: inProgress,
		Device:            ident,
		Loops:             []string{},
	}
	if inProgress {
		st.Transport = kind.String()
	}

	m.mu.Lock()
	for k := range m.loops {
		st.Loops = append(st.Loops, k.String())
	}
	if m.session != nil {
		st.SessionID = m.session.ID()
		st.SessionState = m.session.State().String()
	}
	m.mu.Unlock()

	sort.Strings(st.Loops)
	return st
}

func (m *Manager) usbLoop(ctx context.Context) {
	logger := m.logger.With("transport", TransportUSB.String())
	logger.Info("Starting usb discovery")
	retry := m.newBackOff()

	for ctx.Err() == nil {
		h, err := m.usb.FindUSBDevice(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			wait := retry.NextBackOff()
			logger.Warn("USB discovery failed", "error", NewDiscoveryError(TransportUSB, err), "retry_in", wait)
			m.sleep(ctx, wait)
			continue
		}
		retry.Reset()

		if h != nil {
			m.runSession(ctx, TransportUSB, h)
			continue
		}

		m.waitForUSB(ctx)
		if m.state.SessionInProgress() {
			_ = m.state.waitIdle(ctx)
		}
	}
	logger.Info("Finishing usb discovery")
}

// waitForUSB returns when a device may have arrived, after the poll
// interval, or as soon as ctx is cancelled.
func (m *Manager) waitForUSB(ctx context.Context) {
	if w, ok := m.usb.(DeviceWaiter); ok {
		wctx, cancel := context.WithTimeout(ctx, m.pollInterval*5)
		err := w.WaitDevice(wctx)
		cancel()
		if err == nil || ctx.Err() != nil || wctx.Err() != nil {
			return
		}
		m.logger.Debug("Device arrival watch failed, polling", "error", err)
	}
	m.sleep(ctx, m.pollInterval)
}

func (m *Manager) wirelessLoop(ctx context.Context, cfg DiscoveryConfig) {
	logger := m.logger.With("transport", TransportWireless.String())
	logger.Info("Starting wireless discovery", "port", cfg.Port, "service", cfg.ServiceName)
	retry := m.newBackOff()

	for ctx.Err() == nil {
		h, err := m.wireless.FindWirelessDevice(ctx, cfg, m.handshake)
		if err == nil && h != nil {
			retry.Reset()
			m.runSession(ctx, TransportWireless, h)
			continue
		}

		if m.state.SessionInProgress() {
			_ = m.state.waitIdle(ctx)
		}
		if ctx.Err() != nil {
			logger.Info("Wireless connection cancelled by the user")
			break
		}
		wait := retry.NextBackOff()
		if err != nil {
			logger.Warn("Error getting wireless connection", "error", NewDiscoveryError(TransportWireless, err), "retry_in", wait)
		}
		m.sleep(ctx, wait)
	}
	logger.Info("Finishing wireless discovery")
}

// runSession services one device found by a discovery loop. It blocks while
// another transport's session holds the slot, then runs the exchange and
// event loop and always tears the handle down.
func (m *Manager) runSession(ctx context.Context, kind TransportKind, h Handle) {
	ident := h.Identification()
	if err := m.state.acquireSession(ctx, kind, ident); err != nil {
		m.logger.Info("Discarding device found while stopping", "device", ident)
		if err := h.Release(); err != nil {
			m.logger.Warn("Failed to release device", "device", ident, "error", err)
		}
		return
	}
	defer m.state.releaseSession()

	m.setAvailable(false)
	m.logger.Info("Vita connected", "device", ident, "transport", kind.String())

	// The session outlives Stop; it ends at its own boundary.
	sctx := context.WithoutCancel(ctx)
	sess := NewConnectionSession(kind, h, m.newHandler(kind, h), m.logger)
	m.mu.Lock()
	m.session = sess
	m.mu.Unlock()

	identity, err := sess.Exchange(sctx, m.exchanger)
	if err != nil {
		m.logger.Error("Error while exchanging info with the device", "device", ident, "error", err)
	} else {
		m.notifier.Notify(Connected(m.connectedMessage(identity), kind))
		if err := sess.Run(sctx); err != nil {
			m.logger.Warn("Session ended with error", "device", ident, "class", Classify(err).String(), "error", err)
		}
	}

	m.teardown(sctx, kind, h)

	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
}

func (m *Manager) teardown(ctx context.Context, kind TransportKind, h Handle) {
	ectx, cancel := context.WithTimeout(ctx, EndOfConnectionTimeout)
	if err := h.SendEndOfConnection(ectx); err != nil {
		m.logger.Debug("End of connection not delivered", "error", err)
	}
	cancel()

	m.logger.Info("Releasing device...")
	if err := h.Release(); err != nil {
		m.logger.Warn("Failed to release device", "error", err)
	}

	m.notifier.Notify(Disconnected(kind))
	m.setAvailable(true)
}

// connectedMessage persists a fresh online id, or falls back to the last
// persisted one for display.
func (m *Manager) connectedMessage(identity DeviceIdentity) string {
	id := identity.OnlineID
	if id != "" {
		if m.store != nil {
			if err := m.store.SetLastOnlineID(id); err != nil {
				m.logger.Warn("Failed to persist online id", "error", err)
			}
		}
	} else {
		id = m.fallbackID
		if m.store != nil {
			if last, err := m.store.LastOnlineID(); err != nil {
				m.logger.Warn("Failed to read last online id", "error", err)
			} else if last != "" {
				id = last
			}
		}
	}
	return fmt.Sprintf("Connected to %s (%s)", id, m.deviceLabel)
}

func (m *Manager) setAvailable(v bool) {
	for _, b := range m.broadcasters {
		b.SetAvailable(v)
	}
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retryInitial
	b.MaxInterval = m.retryMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
