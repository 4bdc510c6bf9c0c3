package cma

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
)

// SessionState is a ConnectionSession's position in its lifecycle.
type SessionState int32

const (
	SessionIdle SessionState = iota
	SessionExchanging
	SessionEventLoopRunning
	SessionDraining
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionExchanging:
		return "exchanging"
	case SessionEventLoopRunning:
		return "running"
	case SessionDraining:
		return "draining"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionSession drives one device attachment: the identity exchange
// followed by the event read loop. It never releases its handle; the
// manager does that after the session is closed.
type ConnectionSession struct {
	id        string
	kind      TransportKind
	handle    Handle
	handler   EventHandler
	logger    *slog.Logger
	state     atomic.Int32
	submitted atomic.Int64
	cancelled atomic.Int64
}

// NewConnectionSession creates an idle session over h.
func NewConnectionSession(kind TransportKind, h Handle, handler EventHandler, logger *slog.Logger) *ConnectionSession {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &ConnectionSession{
		id:      id,
		kind:    kind,
		handle:  h,
		handler: handler,
		logger:  logger.With("component", "session", "session_id", id, "transport", kind.String()),
	}
}

func (s *ConnectionSession) ID() string          { return s.id }
func (s *ConnectionSession) State() SessionState { return SessionState(s.state.Load()) }

// Exchange performs the identity exchange. On failure the session is closed
// and the returned error is session-fatal.
func (s *ConnectionSession) Exchange(ctx context.Context, ex Exchanger) (DeviceIdentity, error) {
	if !s.state.CompareAndSwap(int32(SessionIdle), int32(SessionExchanging)) {
		return DeviceIdentity{}, &Error{Class: ClassProgramming, Op: "Exchange", Message: "session not idle: " + s.State().String()}
	}
	ident, err := ex.ExchangeInfo(ctx, s.handle)
	if err != nil {
		s.state.Store(int32(SessionClosed))
		return DeviceIdentity{}, NewExchangeError(s.kind, err)
	}
	return ident, nil
}

// Run reads events until Terminate, a read error, or the device going away.
// Generic events go to the dispatcher; CancelTask is handled inline. Run
// returns nil on Terminate and a session-fatal error on read failure.
func (s *ConnectionSession) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(SessionExchanging), int32(SessionEventLoopRunning)) {
		return &Error{Class: ClassProgramming, Op: "Run", Message: "session not exchanged: " + s.State().String()}
	}

	s.logger.Info("Starting event loop")
	dispatcher := NewEventDispatcher(s.handler, s.logger)
	dispatcher.Start(ctx)

	err := s.readLoop(ctx, dispatcher)

	s.state.Store(int32(SessionDraining))
	dispatcher.Stop()
	s.state.Store(int32(SessionClosed))
	s.logger.Info("Finishing event loop", "submitted", s.submitted.Load(), "cancelled", s.cancelled.Load())
	return err
}

func (s *ConnectionSession) readLoop(ctx context.Context, dispatcher *EventDispatcher) error {
	for {
		ev, err := s.handle.ReadEvent(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				s.logger.Info("Event loop cancelled")
			} else {
				s.logger.Warn("Error reading event", "error", err)
			}
			return NewEventReadError(err)
		}

		switch ev.Kind {
		case EventTerminate:
			s.logger.Debug("Terminating event loop")
			return nil
		case EventCancelTask:
			dispatcher.CancelTask(ev)
			s.cancelled.Add(1)
			s.logger.Debug("Ended event", "code", ev.Code, "task_id", ev.Param(0))
		default:
			dispatcher.Submit(ev)
			s.submitted.Add(1)
		}
	}
}
