package server

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/nedpals/davi-cma-agent/protocol"
)

var (
	ErrInvalidHandler   = errors.New("server: invalid handler")
	ErrDuplicateHandler = errors.New("server: handler already registered")
	ErrUnknownType      = errors.New("server: unknown message type")
	ErrHandlerPanic     = errors.New("server: handler panicked")
)

// HandlerFunc handles one websocket request from an app client.
type HandlerFunc func(ctx context.Context, c *Client, req protocol.WebSocketRequest) error

// HandlerServer is what a ServerHandler registers against.
type HandlerServer interface {
	Handle(messageType string, handler HandlerFunc) error
	// StartLifecycle registers start to run when the server starts. ctx is
	// cancelled on Stop.
	StartLifecycle(start func(ctx context.Context))
	Broadcast(msg protocol.WebSocketMessage)
}

// ServerHandler groups the requests and background work of one feature.
type ServerHandler interface {
	Register(server HandlerServer)
}

// HandlerRegistry routes app requests by message type.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	starters []func(ctx context.Context)
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerFunc)}
}

// Handle registers handler for messageType. Each type has one handler.
func (r *HandlerRegistry) Handle(messageType string, handler HandlerFunc) error {
	if handler == nil || messageType == "" {
		return fmt.Errorf("%w: %q", ErrInvalidHandler, messageType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[messageType]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, messageType)
	}
	r.handlers[messageType] = handler
	return nil
}

func (r *HandlerRegistry) RegisterLifecycle(start func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starters = append(r.starters, start)
}

// MessageTypes returns the registered message types, sorted.
func (r *HandlerRegistry) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.handlers))
}

// Dispatch runs the handler registered for req.Type. A panicking handler
// is reported as ErrHandlerPanic.
func (r *HandlerRegistry) Dispatch(ctx context.Context, c *Client, req protocol.WebSocketRequest) (err error) {
	r.mu.RLock()
	handler, ok := r.handlers[req.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, req.Type)
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, req.Type, p)
		}
	}()
	return handler(ctx, c, req)
}

// StartLifecycleHandlers runs every registered lifecycle function.
func (r *HandlerRegistry) StartLifecycleHandlers(ctx context.Context) {
	r.mu.RLock()
	starters := slices.Clone(r.starters)
	r.mu.RUnlock()

	for _, start := range starters {
		start(ctx)
	}
}
