// Package filter defines the ordered filter-session contract of spec.md
// §5: route_query (downstream), client_reply (upstream), diagnostics, and
// a config-reload hook, plus a Chain that runs a list of filter sessions
// in order one way and in reverse the other.
package filter

import (
	"fmt"

	"github.com/dbbouncer/mdbproxy/internal/buffer"
)

// Session is one filter's per-connection state. A filter chain calls
// RouteQuery on every session in configured order as a query travels
// downstream, and ClientReply in reverse order as a reply travels back
// upstream to the client, mirroring spec.md's filter pipeline.
type Session interface {
	// Name identifies the filter for diagnostics and metrics.
	Name() string
	// RouteQuery inspects/annotates a query buffer before it reaches the
	// router. Returning a non-nil buffer different from q replaces it
	// (e.g. a rewritten LOAD DATA statement); returning an error aborts
	// the query with that error surfaced to the client.
	RouteQuery(q *buffer.Chain) (*buffer.Chain, error)
	// ClientReply inspects/annotates a reply buffer before it reaches the
	// client (or the next filter upstream of this one).
	ClientReply(reply *buffer.Chain) (*buffer.Chain, error)
	// Diagnostics returns a small set of key/value facts for the admin
	// surface (e.g. "diverted": "3").
	Diagnostics() map[string]string
	// Close releases any resources the session holds; always called when
	// the owning connection's session tears down.
	Close()
}

// Factory builds a new Session for a freshly authenticated connection.
// Factories are registered by filter name and instantiated once per
// session so per-connection state (e.g. diverted counters) never leaks
// across connections.
type Factory func(username, database string) (Session, error)

// Chain is an ordered list of filter sessions bound to one connection.
type Chain struct {
	sessions []Session
}

// NewChain builds a Chain by invoking each factory in order. If any
// factory fails, sessions already created are closed before returning the
// error.
func NewChain(factories []Factory, username, database string) (*Chain, error) {
	c := &Chain{}
	for _, f := range factories {
		s, err := f(username, database)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("filter: building session: %w", err)
		}
		c.sessions = append(c.sessions, s)
	}
	return c, nil
}

// RouteQuery runs every filter session in configured order.
func (c *Chain) RouteQuery(q *buffer.Chain) (*buffer.Chain, error) {
	cur := q
	for _, s := range c.sessions {
		next, err := s.RouteQuery(cur)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", s.Name(), err)
		}
		if next != nil {
			cur = next
		}
	}
	return cur, nil
}

// ClientReply runs every filter session in reverse order, mirroring
// RouteQuery's downstream order so the last filter to touch a query is
// the first to see its reply.
func (c *Chain) ClientReply(reply *buffer.Chain) (*buffer.Chain, error) {
	cur := reply
	for i := len(c.sessions) - 1; i >= 0; i-- {
		next, err := c.sessions[i].ClientReply(cur)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", c.sessions[i].Name(), err)
		}
		if next != nil {
			cur = next
		}
	}
	return cur, nil
}

// Diagnostics aggregates every session's diagnostics, keyed by filter name.
func (c *Chain) Diagnostics() map[string]map[string]string {
	out := make(map[string]map[string]string, len(c.sessions))
	for _, s := range c.sessions {
		out[s.Name()] = s.Diagnostics()
	}
	return out
}

// Close tears down every session in reverse construction order, per
// spec.md §4.7's teardown ordering for filters.
func (c *Chain) Close() {
	for i := len(c.sessions) - 1; i >= 0; i-- {
		c.sessions[i].Close()
	}
	c.sessions = nil
}
