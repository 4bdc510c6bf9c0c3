package server

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

	"github.com/nedpals/davi-cma-agent/protocol"
)

func nopHandler(context.Context, *Client, protocol.WebSocketRequest) error { return nil }

func TestHandlerRegistry_HandleRejectsInvalid(t *testing.T) {
	r := NewHandlerRegistry()

	assert.ErrorIs(t, r.Handle("status", nil), ErrInvalidHandler)
	assert.ErrorIs(t, r.Handle("", nopHandler), ErrInvalidHandler)

	require.NoError(t, r.Handle("status", nopHandler))
	assert.ErrorIs(t, r.Handle("status", nopHandler), ErrDuplicateHandler)
}

func TestHandlerRegistry_MessageTypesSorted(t *testing.T) {
	r := NewHandlerRegistry()
	assert.Empty(t, r.MessageTypes())

	for _, typ := range []string{"stopDiscovery", "status", "startDiscovery"} {
		require.NoError(t, r.Handle(typ, nopHandler))
	}
	assert.Equal(t, []string{"startDiscovery", "status", "stopDiscovery"}, r.MessageTypes())
}

func TestHandlerRegistry_Dispatch(t *testing.T) {
	r := NewHandlerRegistry()
	sentinel := errors.New("device busy")

	var got protocol.WebSocketRequest
	require.NoError(t, r.Handle("echo", func(_ context.Context, _ *Client, req protocol.WebSocketRequest) error {
		got = req
		return nil
	}))
	require.NoError(t, r.Handle("fail", func(context.Context, *Client, protocol.WebSocketRequest) error {
		return sentinel
	}))
	require.NoError(t, r.Handle("boom", func(context.Context, *Client, protocol.WebSocketRequest) error {
		panic("nil map")
	}))

	ctx := context.Background()
	req := protocol.WebSocketRequest{ID: "7", Type: "echo", Payload: map[string]any{"transport": "usb"}}
	require.NoError(t, r.Dispatch(ctx, nil, req))
	assert.Equal(t, req, got)

	assert.ErrorIs(t, r.Dispatch(ctx, nil, protocol.WebSocketRequest{Type: "fail"}), sentinel)
	assert.ErrorIs(t, r.Dispatch(ctx, nil, protocol.WebSocketRequest{Type: "missing"}), ErrUnknownType)

	err := r.Dispatch(ctx, nil, protocol.WebSocketRequest{Type: "boom"})
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "nil map")
}

func TestHandlerRegistry_Lifecycle(t *testing.T) {
	r := NewHandlerRegistry()

	var started atomic.Int32
	stopped := make(chan struct{})
	r.RegisterLifecycle(func(context.Context) { started.Add(1) })
	r.RegisterLifecycle(func(ctx context.Context) {
		started.Add(1)
		go func() {
			<-ctx.Done()
			close(stopped)
		}()
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.StartLifecycleHandlers(ctx)
	assert.EqualValues(t, 2, started.Load())

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("lifecycle goroutine did not observe cancellation")
	}
}

func TestHandlerRegistry_ConcurrentUse(t *testing.T) {
	r := NewHandlerRegistry()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Handle(fmt.Sprintf("type-%d", i), nopHandler)
		}()
		go func() {
			defer wg.Done()
			_ = r.Dispatch(context.Background(), nil, protocol.WebSocketRequest{Type: fmt.Sprintf("type-%d", i)})
			_ = r.MessageTypes()
		}()
	}
	wg.Wait()

	assert.Len(t, r.MessageTypes(), 20)
}

type recordingServer struct {
	types      []string
	lifecycles int
}

func (s *recordingServer) Handle(messageType string, _ HandlerFunc) error {
	s.types = append(s.types, messageType)
	return nil
}
func (s *recordingServer) StartLifecycle(func(context.Context)) { s.lifecycles++ }
func (s *recordingServer) Broadcast(protocol.WebSocketMessage)  {}

func TestControlHandler_Register(t *testing.T) {
	rs := &recordingServer{}
	NewControlHandler(&fakeController{}, time.Second).Register(rs)

	assert.ElementsMatch(t, []string{protocol.WSTypeStatus, protocol.WSTypeStartDiscovery, protocol.WSTypeStopDiscovery}, rs.types)
	assert.Equal(t, 1, rs.lifecycles)
}
