package cma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackingHandle counts how many handles are between exchange and release.
type trackingHandle struct {
	*MockHandle
	live    *atomic.Int32
	maxLive *atomic.Int32
}

func (h *trackingHandle) ExchangeInfo(ctx context.Context) (DeviceIdentity, error) {
	n := h.live.Add(1)
	for {
		cur := h.maxLive.Load()
		if n <= cur || h.maxLive.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	return h.MockHandle.ExchangeInfo(ctx)
}

func (h *trackingHandle) Release() error {
	h.live.Add(-1)
	return h.MockHandle.Release()
}

func newTestManager(t *testing.T, usb USBFinder, wireless WirelessFinder, store IdentityStore, notes Notifier) *Manager {
	t.Helper()
	cfg := ManagerConfig{
		Store:        store,
		Notifier:     notes,
		PollInterval: 5 * time.Millisecond,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	}
	if usb != nil {
		cfg.USB = usb
	}
	if wireless != nil {
		cfg.Wireless = wireless
	}
	m := NewManager(cfg)
	t.Cleanup(func() {
		_ = m.Stop()
		waitDone(t, m)
	})
	return m
}

func waitDone(t *testing.T, m *Manager) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("discovery loops did not exit")
	}
}

func TestManager_StopWhenInactive(t *testing.T) {
	m := NewManager(ManagerConfig{USB: NewMockUSBFinder()})

	err := m.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotActive)
	assert.True(t, IsProgramming(err))
	assert.False(t, m.IsActive())
	assert.False(t, m.SessionInProgress())
	assert.Empty(t, m.Status().Loops)
}

func TestManager_StartWithoutFinder(t *testing.T) {
	m := NewManager(ManagerConfig{})
	err := m.Start(TransportUSB, DiscoveryConfig{})
	assert.ErrorIs(t, err, ErrNoTransport)
	assert.False(t, m.IsActive())
}

func TestManager_USBSessionLifecycle(t *testing.T) {
	h := NewMockHandle("mock:usb:001", generic(1), Event{Kind: EventTerminate})
	h.Identity = DeviceIdentity{OnlineID: "alice"}
	store := &MemoryStore{}
	notes := &RecordingNotifier{}
	m := newTestManager(t, NewMockUSBFinder(h), nil, store, notes)

	require.NoError(t, m.Start(TransportUSB, DiscoveryConfig{}))

	require.Eventually(t, func() bool {
		return len(notes.OfType(NotifyDisconnected)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	connected := notes.OfType(NotifyConnected)
	require.Len(t, connected, 1)
	assert.Equal(t, "Connected to alice (PS Vita)", connected[0].Message)
	assert.Equal(t, "usb", connected[0].Transport)

	last, _ := store.LastOnlineID()
	assert.Equal(t, "alice", last)

	calls := h.Calls()
	assert.Contains(t, calls, "SendEndOfConnection")
	assert.Equal(t, "Release", calls[len(calls)-1])

	require.Eventually(t, func() bool { return !m.SessionInProgress() }, time.Second, 5*time.Millisecond)
}

func TestManager_ConnectedMessageFallback(t *testing.T) {
	tests := []struct {
		name   string
		stored string
		want   string
	}{
		{name: "persisted id", stored: "bob", want: "Connected to bob (PS Vita)"},
		{name: "nothing persisted", stored: "", want: "Connected to default (PS Vita)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewMockHandle("mock", Event{Kind: EventTerminate})
			store := &MemoryStore{}
			if tt.stored != "" {
				require.NoError(t, store.SetLastOnlineID(tt.stored))
			}
			notes := &RecordingNotifier{}
			m := newTestManager(t, NewMockUSBFinder(h), nil, store, notes)

			require.NoError(t, m.Start(TransportUSB, DiscoveryConfig{}))
			require.Eventually(t, func() bool {
				return len(notes.OfType(NotifyConnected)) == 1
			}, 2*time.Second, 5*time.Millisecond)

			assert.Equal(t, tt.want, notes.OfType(NotifyConnected)[0].Message)
			last, _ := store.LastOnlineID()
			assert.Equal(t, tt.stored, last, "fallback must not be persisted")
		})
	}
}

func TestManager_ExchangeFailureResumesDiscovery(t *testing.T) {
	bad := NewMockHandle("bad")
	bad.ExchangeErr = errors.New("exchange refused")
	good := NewMockHandle("good", Event{Kind: EventTerminate})

	store := &MemoryStore{}
	require.NoError(t, store.SetLastOnlineID("carol"))
	notes := &RecordingNotifier{}
	m := newTestManager(t, NewMockUSBFinder(bad, good), nil, store, notes)

	require.NoError(t, m.Start(TransportUSB, DiscoveryConfig{}))

	require.Eventually(t, func() bool {
		return len(notes.OfType(NotifyDisconnected)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Len(t, notes.OfType(NotifyConnected), 1, "failed exchange never reports connected")
	assert.Contains(t, bad.Calls(), "SendEndOfConnection")
	assert.Contains(t, bad.Calls(), "Release")

	last, _ := store.LastOnlineID()
	assert.Equal(t, "carol", last)
	assert.Equal(t, 1, store.Writes())

	require.Eventually(t, func() bool { return !m.SessionInProgress() }, time.Second, 5*time.Millisecond)
}

func TestManager_AtMostOneSession(t *testing.T) {
	var live, maxLive atomic.Int32
	newHandle := func(id string) Handle {
		return &trackingHandle{
			MockHandle: NewMockHandle(id, generic(1), generic(2), Event{Kind: EventTerminate}),
			live:       &live,
			maxLive:    &maxLive,
		}
	}

	usb := NewMockUSBFinder()
	wireless := NewMockWirelessFinder()
	for i := 0; i < 5; i++ {
		usb.Push(newHandle(fmt.Sprintf("usb-%d", i)))
		wireless.Push(newHandle(fmt.Sprintf("wifi-%d", i)))
	}

	notes := &RecordingNotifier{}
	m := newTestManager(t, usb, wireless, &MemoryStore{}, notes)

	var wg sync.WaitGroup
	for _, kind := range []TransportKind{TransportUSB, TransportWireless} {
		wg.Add(1)
		go func(kind TransportKind) {
			defer wg.Done()
			assert.NoError(t, m.Start(kind, DiscoveryConfig{Port: 9309}))
		}(kind)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(notes.OfType(NotifyDisconnected)) == 10
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), maxLive.Load(), "sessions overlapped")
	assert.Equal(t, int32(0), live.Load())
}

func TestManager_StartTwiceIsNoop(t *testing.T) {
	usb := NewMockUSBFinder()
	notes := &RecordingNotifier{}
	m := newTestManager(t, usb, nil, &MemoryStore{}, notes)

	require.NoError(t, m.Start(TransportUSB, DiscoveryConfig{}))
	require.NoError(t, m.Start(TransportUSB, DiscoveryConfig{}))

	assert.Equal(t, []string{"usb"}, m.Status().Loops)
	assert.True(t, m.IsActive())
}

func TestManager_StopWakesUSBWait(t *testing.T) {
	usb := NewMockUSBFinder()
	notes := &RecordingNotifier{}
	m := NewManager(ManagerConfig{USB: usb, Notifier: notes, PollInterval: time.Hour})

	require.NoError(t, m.Start(TransportUSB, DiscoveryConfig{}))
	require.Eventually(t, func() bool { return usb.Calls() >= 1 }, time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Stop())
	waitDone(t, m)

	assert.Less(t, time.Since(start), time.Second)
	finished := notes.OfType(NotifyLoopFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, "usb", finished[0].Transport)
	assert.False(t, m.IsActive())
}

func TestManager_StopCancelsWirelessDiscovery(t *testing.T) {
	wireless := NewMockWirelessFinder()
	notes := &RecordingNotifier{}
	m := NewManager(ManagerConfig{Wireless: wireless, Notifier: notes})

	require.NoError(t, m.Start(TransportWireless, DiscoveryConfig{Port: 9309, ServiceName: "host"}))
	require.NoError(t, m.Stop())
	waitDone(t, m)

	assert.Equal(t, 1, wireless.Cancels())
	require.Len(t, notes.OfType(NotifyLoopFinished), 1)
	assert.ErrorIs(t, m.Stop(), ErrNotActive)
}

func TestManager_StopLetsSessionFinish(t *testing.T) {
	h := NewMockHandle("mock", generic(1))
	usb := NewMockUSBFinder(h)
	notes := &RecordingNotifier{}
	m := NewManager(ManagerConfig{USB: usb, Notifier: notes, PollInterval: 5 * time.Millisecond})

	require.NoError(t, m.Start(TransportUSB, DiscoveryConfig{}))
	require.Eventually(t, m.SessionInProgress, time.Second, time.Millisecond)

	require.NoError(t, m.Stop())
	time.Sleep(20 * time.Millisecond)
	assert.True(t, m.SessionInProgress(), "stop must not abort a running session")
	assert.Empty(t, notes.OfType(NotifyDisconnected))

	h.Close()
	waitDone(t, m)

	assert.False(t, m.SessionInProgress())
	assert.Len(t, notes.OfType(NotifyDisconnected), 1)
}

func TestManager_TogglesAvailability(t *testing.T) {
	wireless := NewMockWirelessFinder()
	wireless.Push(NewMockHandle("wifi", Event{Kind: EventTerminate}))
	notes := &RecordingNotifier{}
	m := newTestManager(t, nil, wireless, &MemoryStore{}, notes)

	require.NoError(t, m.Start(TransportWireless, DiscoveryConfig{}))
	require.Eventually(t, func() bool {
		return len(notes.OfType(NotifyDisconnected)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []bool{false, true}, wireless.Availability())
}

func TestManager_RetriesDiscoveryErrors(t *testing.T) {
	usb := NewMockUSBFinder()
	usb.Err = errors.New("libusb: busy")
	m := newTestManager(t, usb, nil, &MemoryStore{}, nil)

	require.NoError(t, m.Start(TransportUSB, DiscoveryConfig{}))
	require.Eventually(t, func() bool { return usb.Calls() >= 3 }, 2*time.Second, time.Millisecond)
	assert.True(t, m.IsActive())
}

func TestManager_PairingPersistsThroughStore(t *testing.T) {
	store := &MemoryStore{}
	notes := &RecordingNotifier{}
	wireless := NewMockWirelessFinder()

	var once sync.Once
	wireless.OnRegister = func(hs Handshake) {
		once.Do(func() {
			assert.True(t, hs.ApproveDevice("aa:bb:cc:dd:ee:ff"))
			hs.GeneratePin(&PairingRequest{DeviceName: "Vita", OnlineID: "dave"})
			hs.RegistrationComplete()
		})
	}
	m := newTestManager(t, nil, wireless, store, notes)

	require.NoError(t, m.Start(TransportWireless, DiscoveryConfig{}))
	require.Eventually(t, func() bool {
		return len(notes.OfType(NotifyPairingComplete)) == 1
	}, time.Second, 5*time.Millisecond)

	last, _ := store.LastOnlineID()
	assert.Equal(t, "dave", last)
	assert.Len(t, notes.OfType(NotifyPinReceived), 1)
}

func TestManager_StatusDuringSession(t *testing.T) {
	h := NewMockHandle("mock:usb:007")
	m := newTestManager(t, NewMockUSBFinder(h), nil, &MemoryStore{}, nil)

	require.NoError(t, m.Start(TransportUSB, DiscoveryConfig{}))
	require.Eventually(t, func() bool {
		return m.Status().SessionState == SessionEventLoopRunning.String()
	}, time.Second, time.Millisecond)

	st := m.Status()
	assert.True(t, st.Active)
	assert.True(t, st.SessionInProgress)
	assert.Equal(t, "usb", st.Transport)
	assert.Equal(t, "mock:usb:007", st.Device)
	assert.NotEmpty(t, st.SessionID)

	h.Close()
}

// arrivalUSBFinder reports device arrival through WaitDevice.
type arrivalUSBFinder struct {
	*MockUSBFinder
	arrived chan struct{}
	waitErr error
	waits   atomic.Int32
}

func (f *arrivalUSBFinder) WaitDevice(ctx context.Context) error {
	f.waits.Add(1)
	if f.waitErr != nil {
		return f.waitErr
	}
	select {
	case <-f.arrived:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestManager_USBWakesOnArrival(t *testing.T) {
	usb := &arrivalUSBFinder{MockUSBFinder: NewMockUSBFinder(), arrived: make(chan struct{})}
	notes := &RecordingNotifier{}
	m := NewManager(ManagerConfig{USB: usb, Notifier: notes, PollInterval: time.Hour})
	t.Cleanup(func() {
		_ = m.Stop()
		waitDone(t, m)
	})

	require.NoError(t, m.Start(TransportUSB, DiscoveryConfig{}))
	require.Eventually(t, func() bool { return usb.waits.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, usb.Calls())

	usb.Push(NewMockHandle("mock:usb:arrived", Event{Kind: EventTerminate}))
	usb.arrived <- struct{}{}

	require.Eventually(t, func() bool {
		return len(notes.OfType(NotifyDisconnected)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, usb.Calls(), 2)
}

func TestManager_USBWaitErrorFallsBackToPolling(t *testing.T) {
	usb := &arrivalUSBFinder{MockUSBFinder: NewMockUSBFinder(), waitErr: errors.New("hotplug unsupported")}
	m := newTestManager(t, usb, nil, &MemoryStore{}, nil)

	require.NoError(t, m.Start(TransportUSB, DiscoveryConfig{}))
	require.Eventually(t, func() bool {
		return usb.Calls() >= 3 && usb.waits.Load() >= 3
	}, 2*time.Second, time.Millisecond)
	assert.True(t, m.IsActive())
}

func TestManager_StopInterruptsArrivalWait(t *testing.T) {
	usb := &arrivalUSBFinder{MockUSBFinder: NewMockUSBFinder(), arrived: make(chan struct{})}
	notes := &RecordingNotifier{}
	m := NewManager(ManagerConfig{USB: usb, Notifier: notes, PollInterval: time.Hour})

	require.NoError(t, m.Start(TransportUSB, DiscoveryConfig{}))
	require.Eventually(t, func() bool { return usb.waits.Load() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, m.Stop())
	waitDone(t, m)

	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, notes.OfType(NotifyLoopFinished), 1)
	assert.Equal(t, 1, usb.Calls())
}

func TestManager_StopDiscardsDeviceWaitingForSlot(t *testing.T) {
	usbHandle := NewMockHandle("mock:usb:busy")
	wifiHandle := NewMockHandle("mock:wifi:late")
	wireless := NewMockWirelessFinder()
	notes := &RecordingNotifier{}
	m := NewManager(ManagerConfig{
		USB:          NewMockUSBFinder(usbHandle),
		Wireless:     wireless,
		Notifier:     notes,
		PollInterval: 5 * time.Millisecond,
	})

	require.NoError(t, m.Start(TransportUSB, DiscoveryConfig{}))
	require.Eventually(t, m.SessionInProgress, time.Second, time.Millisecond)

	require.NoError(t, m.Start(TransportWireless, DiscoveryConfig{}))
	wireless.Push(wifiHandle)
	require.Eventually(t, func() bool { return len(wireless.handles) == 0 }, time.Second, time.Millisecond)

	require.NoError(t, m.Stop())
	require.Eventually(t, func() bool {
		return len(notes.OfType(NotifyLoopFinished)) == 1
	}, time.Second, time.Millisecond)

	finished := notes.OfType(NotifyLoopFinished)
	assert.Equal(t, "wireless", finished[0].Transport)
	assert.Equal(t, []string{"Release"}, wifiHandle.Calls())
	assert.True(t, m.SessionInProgress())
	assert.Equal(t, "usb", m.Status().Transport)
	assert.NotContains(t, usbHandle.Calls(), "Release")
	assert.Empty(t, notes.OfType(NotifyDisconnected))

	usbHandle.Close()
	waitDone(t, m)

	disconnected := notes.OfType(NotifyDisconnected)
	require.Len(t, disconnected, 1)
	assert.Equal(t, "usb", disconnected[0].Transport)
	assert.False(t, m.SessionInProgress())
}
