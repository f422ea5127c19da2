// Package router implements the Router dispatch interface of spec.md §5
// ("Router: an external collaborator") and a reference static-target
// implementation. Router is deliberately an interface: the production
// decision procedure (topology discovery, replica lag, load balancing) is
// out of scope; this package gives the session/connection machinery
// something real to call and test against.
package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dbbouncer/mdbproxy/internal/buffer"
)

// TargetRole classifies a backend target for hint resolution.
type TargetRole int

const (
	RoleMaster TargetRole = iota
	RoleSlave
)

// Target is one backend server a query can be routed to.
type Target struct {
	Name    string
	Address string // host:port
	Role    TargetRole
}

// Dispatcher is the external collaborator contract a proxy session drives:
// new_session/route_query/client_reply/handle_error/close_session, per
// spec.md §5. A SessionHandle is opaque to the router; it is returned by
// NewSession and threaded back through every later call.
type Dispatcher interface {
	NewSession(clientUser, clientDB string) (SessionHandle, error)
	// RouteQuery resolves a query buffer's hints to a backend Target. The
	// returned Target must be stable for the duration of one statement
	// unless RouteToAll is requested, in which case ok reports whether
	// the caller should fan the query out to every live target itself.
	RouteQuery(h SessionHandle, q *buffer.Chain) (target Target, all []Target, err error)
	// ClientReply lets the router observe/annotate a backend's reply
	// before it reaches the client filter chain in reverse order.
	ClientReply(h SessionHandle, from Target, reply *buffer.Chain) (*buffer.Chain, error)
	HandleError(h SessionHandle, from Target, err error)
	CloseSession(h SessionHandle)
}

// SessionHandle opaquely identifies a session to a Dispatcher.
type SessionHandle uint64

type snapshot struct {
	targets map[string]Target
	master  string
	slaves  []string
}

// StaticRouter is the reference Dispatcher: a fixed table of named
// backends configured up front, resolved via atomic.Value snapshots for
// lock-free reads on the query-routing hot path — the same pattern the
// teacher used for its tenant table.
type StaticRouter struct {
	snap     atomic.Value // *snapshot
	wmu      sync.Mutex
	nextSess atomic.Uint64

	mu       sync.Mutex
	sessions map[SessionHandle]*sessionState
	lastUsed map[SessionHandle]string // name of last target used, for RouteToLastUsed
}

type sessionState struct {
	user string
	db   string
}

// NewStatic builds a StaticRouter from an initial target list. Exactly one
// target must have RoleMaster; the rest are treated as slaves.
func NewStatic(targets []Target) (*StaticRouter, error) {
	snap := &snapshot{targets: make(map[string]Target, len(targets))}
	for _, t := range targets {
		snap.targets[t.Name] = t
		if t.Role == RoleMaster {
			if snap.master != "" {
				return nil, fmt.Errorf("router: more than one master target (%s, %s)", snap.master, t.Name)
			}
			snap.master = t.Name
		} else {
			snap.slaves = append(snap.slaves, t.Name)
		}
	}
	if snap.master == "" && len(targets) > 0 {
		return nil, fmt.Errorf("router: no master target configured")
	}
	r := &StaticRouter{
		sessions: make(map[SessionHandle]*sessionState),
		lastUsed: make(map[SessionHandle]string),
	}
	r.snap.Store(snap)
	return r, nil
}

func (r *StaticRouter) load() *snapshot {
	return r.snap.Load().(*snapshot)
}

// Reload atomically swaps in a new target table, e.g. on config hot-reload.
func (r *StaticRouter) Reload(targets []Target) error {
	next, err := NewStatic(targets)
	if err != nil {
		return err
	}
	r.wmu.Lock()
	defer r.wmu.Unlock()
	r.snap.Store(next.load())
	return nil
}

func (r *StaticRouter) NewSession(clientUser, clientDB string) (SessionHandle, error) {
	h := SessionHandle(r.nextSess.Add(1))
	r.mu.Lock()
	r.sessions[h] = &sessionState{user: clientUser, db: clientDB}
	r.mu.Unlock()
	return h, nil
}

// RouteQuery resolves the buffer's routing hints against the current
// snapshot. Precedence: an explicit named target wins, then
// master/slave/all/last-used, then the default (master).
func (r *StaticRouter) RouteQuery(h SessionHandle, q *buffer.Chain) (Target, []Target, error) {
	snap := r.load()

	for _, hint := range q.Hints() {
		switch hint.Kind {
		case buffer.RouteToNamedTarget:
			t, ok := snap.targets[hint.Target]
			if !ok {
				return Target{}, nil, fmt.Errorf("router: unknown named target %q", hint.Target)
			}
			r.setLastUsed(h, t.Name)
			return t, nil, nil
		case buffer.RouteToMaster:
			t, ok := snap.targets[snap.master]
			if !ok {
				return Target{}, nil, fmt.Errorf("router: no master target available")
			}
			r.setLastUsed(h, t.Name)
			return t, nil, nil
		case buffer.RouteToSlave:
			if len(snap.slaves) == 0 {
				t, ok := snap.targets[snap.master]
				if !ok {
					return Target{}, nil, fmt.Errorf("router: no slave or master target available")
				}
				r.setLastUsed(h, t.Name)
				return t, nil, nil
			}
			name := snap.slaves[int(r.nextSess.Add(1))%len(snap.slaves)]
			t := snap.targets[name]
			r.setLastUsed(h, t.Name)
			return t, nil, nil
		case buffer.RouteToAll:
			all := make([]Target, 0, len(snap.targets))
			for _, t := range snap.targets {
				all = append(all, t)
			}
			return Target{}, all, nil
		case buffer.RouteToLastUsed:
			r.mu.Lock()
			name, ok := r.lastUsed[h]
			r.mu.Unlock()
			if ok {
				if t, ok := snap.targets[name]; ok {
					return t, nil, nil
				}
			}
		}
	}

	t, ok := snap.targets[snap.master]
	if !ok {
		return Target{}, nil, fmt.Errorf("router: no master target available")
	}
	r.setLastUsed(h, t.Name)
	return t, nil, nil
}

func (r *StaticRouter) setLastUsed(h SessionHandle, name string) {
	r.mu.Lock()
	r.lastUsed[h] = name
	r.mu.Unlock()
}

// ClientReply is a pass-through in the reference implementation; a real
// router might rewrite result-set metadata or track replica lag here.
func (r *StaticRouter) ClientReply(_ SessionHandle, _ Target, reply *buffer.Chain) (*buffer.Chain, error) {
	return reply, nil
}

func (r *StaticRouter) HandleError(_ SessionHandle, _ Target, _ error) {}

func (r *StaticRouter) CloseSession(h SessionHandle) {
	r.mu.Lock()
	delete(r.sessions, h)
	delete(r.lastUsed, h)
	r.mu.Unlock()
}
