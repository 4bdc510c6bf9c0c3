package cma

import (
	"context"
	"sync"
)

// managerState holds the flags shared by every discovery loop. active and
// the session slot are guarded separately: stop must never wait behind a
// running session.
type managerState struct {
	runMu  sync.Mutex
	active bool

	sessMu            sync.Mutex
	sessionInProgress bool
	sessionTransport  TransportKind
	lastIdent         string

	// slot holds one token while a session runs.
	slot chan struct{}
	// idle is closed whenever no session runs.
	idle chan struct{}
}

func newManagerState() *managerState {
	idle := make(chan struct{})
	close(idle)
	return &managerState{slot: make(chan struct{}, 1), idle: idle}
}

func (s *managerState) IsActive() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.active
}

// setActive stores v and reports the previous value.
func (s *managerState) setActive(v bool) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	prev := s.active
	s.active = v
	return prev
}

func (s *managerState) SessionInProgress() bool {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.sessionInProgress
}

// acquireSession blocks until no other session is running or ctx is done.
func (s *managerState) acquireSession(ctx context.Context, kind TransportKind, ident string) error {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.sessMu.Lock()
	s.sessionInProgress = true
	s.sessionTransport = kind
	s.lastIdent = ident
	s.idle = make(chan struct{})
	s.sessMu.Unlock()
	return nil
}

// releaseSession clears the flag and returns the permit. Called exactly
// once per acquireSession.
func (s *managerState) releaseSession() {
	s.sessMu.Lock()
	s.sessionInProgress = false
	close(s.idle)
	s.sessMu.Unlock()
	<-s.slot
}

// waitIdle blocks while a session is in progress.
func (s *managerState) waitIdle(ctx context.Context) error {
	s.sessMu.Lock()
	idle := s.idle
	s.sessMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *managerState) session() (bool, TransportKind, string) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	return s.sessionInProgress, s.sessionTransport, s.lastIdent
}
