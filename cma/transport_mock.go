package cma

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrMockClosed is returned by a MockHandle read after its script ran out
// and the handle was closed.
var ErrMockClosed = errors.New("mock handle closed")

// MockHandle is a scripted Handle for tests.
//
// Events are returned in order by ReadEvent. When the script is exhausted,
// ReadEvent blocks until Close or ctx cancellation, then returns
// ReadErr or ErrMockClosed.
//
// Example:
//
//	h := NewMockHandle("mock:usb:001",
//	    Event{Kind: EventGeneric, Code: 0xC104},
//	    Event{Kind: EventTerminate},
//	)
type MockHandle struct {
	// ID is returned by Identification()
	ID string

	// Identity is returned by ExchangeInfo()
	Identity DeviceIdentity

	// ExchangeErr, if set, will be returned by ExchangeInfo()
	ExchangeErr error

	// ReadErr, if set, is returned once the script is exhausted
	ReadErr error

	// EndErr, if set, will be returned by SendEndOfConnection()
	EndErr error

	// OnRead, if set, runs before each scripted event is returned
	OnRead func(Event)

	// CallLog tracks all method calls for verification in tests
	CallLog []string

	mu     sync.Mutex
	events []Event
	closed chan struct{}
	once   sync.Once
}

// NewMockHandle creates a handle that replays events.
func NewMockHandle(id string, events ...Event) *MockHandle {
	return &MockHandle{
		ID:      id,
		CallLog: make([]string, 0),
		events:  events,
		closed:  make(chan struct{}),
	}
}

func (h *MockHandle) log(call string) {
	h.mu.Lock()
	h.CallLog = append(h.CallLog, call)
	h.mu.Unlock()
}

// Calls returns a copy of the call log.
func (h *MockHandle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.CallLog...)
}

func (h *MockHandle) ReadEvent(ctx context.Context) (Event, error) {
	h.mu.Lock()
	if len(h.events) > 0 {
		ev := h.events[0]
		h.events = h.events[1:]
		onRead := h.OnRead
		h.CallLog = append(h.CallLog, "ReadEvent")
		h.mu.Unlock()
		if onRead != nil {
			onRead(ev)
		}
		return ev, nil
	}
	readErr := h.ReadErr
	h.mu.Unlock()

	if readErr != nil {
		return Event{}, readErr
	}
	select {
	case <-h.closed:
		return Event{}, ErrMockClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (h *MockHandle) SendEndOfConnection(ctx context.Context) error {
	h.log("SendEndOfConnection")
	return h.EndErr
}

func (h *MockHandle) Release() error {
	h.log("Release")
	h.Close()
	return nil
}

func (h *MockHandle) Identification() string { return h.ID }

func (h *MockHandle) ExchangeInfo(ctx context.Context) (DeviceIdentity, error) {
	h.log("ExchangeInfo")
	if h.ExchangeErr != nil {
		return DeviceIdentity{}, h.ExchangeErr
	}
	return h.Identity, nil
}

// Close unblocks a pending ReadEvent.
func (h *MockHandle) Close() {
	h.once.Do(func() { close(h.closed) })
}

// MockUSBFinder hands out queued handles, then reports no device.
type MockUSBFinder struct {
	// Err, if set, is returned by every FindUSBDevice call
	Err error

	mu      sync.Mutex
	handles []Handle
	calls   int
}

func NewMockUSBFinder(handles ...Handle) *MockUSBFinder {
	return &MockUSBFinder{handles: handles}
}

// Push queues h for the next FindUSBDevice call.
func (f *MockUSBFinder) Push(h Handle) {
	f.mu.Lock()
	f.handles = append(f.handles, h)
	f.mu.Unlock()
}

func (f *MockUSBFinder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *MockUSBFinder) FindUSBDevice(ctx context.Context) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.handles) == 0 {
		return nil, nil
	}
	h := f.handles[0]
	f.handles = f.handles[1:]
	return h, nil
}

// MockWirelessFinder blocks until a handle is pushed or discovery is
// cancelled, like a listening socket would.
type MockWirelessFinder struct {
	handles chan Handle

	mu         sync.Mutex
	cancel     chan struct{}
	cancels    int
	available  []bool
	OnRegister func(hs Handshake)
}

func NewMockWirelessFinder() *MockWirelessFinder {
	return &MockWirelessFinder{
		handles: make(chan Handle, 16),
		cancel:  make(chan struct{}),
	}
}

// Push makes h the result of a pending or future FindWirelessDevice call.
func (f *MockWirelessFinder) Push(h Handle) { f.handles <- h }

func (f *MockWirelessFinder) FindWirelessDevice(ctx context.Context, cfg DiscoveryConfig, hs Handshake) (Handle, error) {
	f.mu.Lock()
	cancel := f.cancel
	onRegister := f.OnRegister
	f.mu.Unlock()

	if onRegister != nil {
		onRegister(hs)
	}

	select {
	case h := <-f.handles:
		return h, nil
	case <-cancel:
		f.mu.Lock()
		f.cancel = make(chan struct{})
		f.mu.Unlock()
		return nil, fmt.Errorf("wireless discovery cancelled")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *MockWirelessFinder) CancelDiscovery() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	select {
	case <-f.cancel:
	default:
		close(f.cancel)
	}
}

func (f *MockWirelessFinder) SetAvailable(v bool) {
	f.mu.Lock()
	f.available = append(f.available, v)
	f.mu.Unlock()
}

// Availability returns every value passed to SetAvailable.
func (f *MockWirelessFinder) Availability() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.available...)
}

func (f *MockWirelessFinder) Cancels() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

// RecordingNotifier stores every notification it receives.
type RecordingNotifier struct {
	mu    sync.Mutex
	items []Notification
}

func (r *RecordingNotifier) Notify(n Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

// All returns a copy of the recorded notifications.
func (r *RecordingNotifier) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.items...)
}

// OfType returns the recorded notifications of type t.
func (r *RecordingNotifier) OfType(t NotificationType) []Notification {
	var out []Notification
	for _, n := range r.All() {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// MemoryStore is an in-memory IdentityStore.
type MemoryStore struct {
	mu       sync.Mutex
	id       string
	writes   int
	pairings []PairingRecord
	Err      error
}

func (s *MemoryStore) LastOnlineID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.Err
}

func (s *MemoryStore) SetLastOnlineID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.id = id
	s.writes++
	return nil
}

func (s *MemoryStore) RecordPairing(rec PairingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.pairings = append(s.pairings, rec)
	return nil
}

// Pairings returns the recorded pairing history.
func (s *MemoryStore) Pairings() []PairingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PairingRecord(nil), s.pairings...)
}

// Writes returns how many times SetLastOnlineID succeeded.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
