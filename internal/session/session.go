// Package session implements the Session lifecycle of spec.md §4.7:
// ALLOCATED → READY → ROUTER_READY → STOPPING → STOPPED, strictly
// monotonic, with teardown ordering router close → filters in reverse
// construction order → client connection → buffer release.
package session

import (
	"fmt"
	"sync"

	"github.com/dbbouncer/mdbproxy/internal/connection"
	"github.com/dbbouncer/mdbproxy/internal/filter"
	"github.com/dbbouncer/mdbproxy/internal/protocolstate"
	"github.com/dbbouncer/mdbproxy/internal/router"
	"github.com/dbbouncer/mdbproxy/internal/workerpool"
)

// Phase is the session lifecycle state.
type Phase int

const (
	Allocated Phase = iota
	Ready
	RouterReady
	Stopping
	Stopped
)

var phaseOrder = map[Phase]int{Allocated: 0, Ready: 1, RouterReady: 2, Stopping: 3, Stopped: 4}

// Session binds one client connection to its protocol state, filter
// chain, and router handle for the lifetime of the connection.
type Session struct {
	mu    sync.Mutex
	phase Phase

	Worker  *workerpool.Worker
	Client  *connection.Connection
	Backend *connection.Connection // nil until the router resolves a target
	Proto   *protocolstate.State

	Filters *filter.Chain
	Router  router.Dispatcher
	handle  router.SessionHandle
	bound   bool
}

// New allocates a session in the Allocated phase.
func New(w *workerpool.Worker, client *connection.Connection) *Session {
	s := &Session{
		Worker: w,
		Client: client,
		Proto:  protocolstate.New(),
		phase:  Allocated,
	}
	client.Session = s
	return s
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// transition enforces monotonic phase advancement.
func (s *Session) transition(next Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if phaseOrder[next] < phaseOrder[s.phase] {
		return fmt.Errorf("session: illegal transition from %v to %v", s.phase, next)
	}
	s.phase = next
	return nil
}

// MarkReady moves the session to Ready once the client has completed
// authentication (protocolstate.PhaseAuthOK).
func (s *Session) MarkReady() error {
	return s.transition(Ready)
}

// BindRouter attaches the session to a Dispatcher and records the handle
// returned by NewSession, moving the session to RouterReady.
func (s *Session) BindRouter(d router.Dispatcher, clientUser, clientDB string) error {
	h, err := d.NewSession(clientUser, clientDB)
	if err != nil {
		return fmt.Errorf("session: router.NewSession: %w", err)
	}
	s.mu.Lock()
	s.Router = d
	s.handle = h
	s.bound = true
	s.mu.Unlock()
	return s.transition(RouterReady)
}

// Handle returns the router-issued session handle, valid once BindRouter
// has succeeded.
func (s *Session) Handle() router.SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Close tears the session down in the order spec.md §4.7 mandates: router
// close, then filters in reverse construction order, then the client
// connection, then buffer release (handled by the garbage collector once
// nothing references the session's buffer chains, since package buffer
// never pools regions). Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.phase == Stopped {
		s.mu.Unlock()
		return
	}
	s.phase = Stopping
	d, h, bound := s.Router, s.handle, s.bound
	filters := s.Filters
	client := s.Client
	backend := s.Backend
	s.mu.Unlock()

	if bound && d != nil {
		d.CloseSession(h)
	}
	if filters != nil {
		filters.Close()
	}
	if backend != nil {
		backend.Close()
	}
	if client != nil {
		client.Close()
	}

	s.mu.Lock()
	s.phase = Stopped
	s.mu.Unlock()
}
