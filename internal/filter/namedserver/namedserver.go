// Package namedserver implements the named-server routing-hint filter of
// spec.md §5: up to 25 indexed (match-regex, target) pairs, restricted by
// source IP (dotted-quad with '%' wildcard octets, falling back to
// reverse-DNS hostname matching) and/or username, attaching a
// RouteToNamedTarget hint to queries that match.
//
// There is no third-party regex or IP-matching library in the example
// pack with a clear authority advantage over net/regexp here — matching a
// user-supplied glob-style address pattern and a SQL prefix regex is
// exactly what regexp/net already do, so this filter is one of the
// deliberate standard-library choices recorded in DESIGN.md.
package namedserver

import (
	"encoding/binary"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dbbouncer/mdbproxy/internal/buffer"
	"github.com/dbbouncer/mdbproxy/internal/filter"
	"github.com/dbbouncer/mdbproxy/internal/protocolstate"
)

// MaxRules is the spec.md-mandated cap on configured match/target pairs.
const MaxRules = 25

// Rule is one indexed match/target pair.
type Rule struct {
	Match  *regexp.Regexp
	Target string
	// SourcePattern restricts the rule to client addresses matching a
	// dotted-quad pattern where '%' stands for any octet, e.g.
	// "10.0.%.%".
	SourcePattern string
	// User restricts the rule to a specific connecting username; empty
	// means unrestricted.
	User string
}

// Config configures the filter; Rules is evaluated in order and the first
// match wins.
type Config struct {
	Rules []Rule
}

// Filter is the shared, hot-reloadable configuration plus a factory for
// per-connection Sessions.
type Filter struct {
	cfg atomic.Value // *Config
}

// New builds a Filter from an initial Config.
func New(cfg Config) (*Filter, error) {
	if len(cfg.Rules) > MaxRules {
		return nil, fmt.Errorf("namedserver: %d rules exceeds max of %d", len(cfg.Rules), MaxRules)
	}
	f := &Filter{}
	f.cfg.Store(&cfg)
	return f, nil
}

// Reload atomically replaces the rule set, e.g. from a config hot-reload.
func (f *Filter) Reload(cfg Config) error {
	if len(cfg.Rules) > MaxRules {
		return fmt.Errorf("namedserver: %d rules exceeds max of %d", len(cfg.Rules), MaxRules)
	}
	f.cfg.Store(&cfg)
	return nil
}

func (f *Filter) config() *Config {
	return f.cfg.Load().(*Config)
}

// Factory returns a filter.Factory bound to clientAddr, to be supplied to
// filter.NewChain per new connection (clientAddr is known before the
// filter chain is built, unlike username/database).
func (f *Filter) Factory(clientAddr string) filter.Factory {
	return func(username, database string) (filter.Session, error) {
		return &session{f: f, clientAddr: clientAddr, username: username}, nil
	}
}

type session struct {
	f          *Filter
	clientAddr string
	username   string

	mu       sync.Mutex
	diverted uint64
	skipped  uint64

	// stmtTargets remembers the target a prepared statement was routed
	// to, keyed by its backend-assigned statement id, so
	// STMT_EXECUTE/FETCH/SEND_LONG_DATA/CLOSE/RESET against it stay
	// pinned to that target for the statement's lifetime even though
	// those commands carry no query text for a rule to match against.
	stmtTargets map[uint32]string
	// awaitingPrepareID is set when the just-routed query was a
	// COM_STMT_PREPARE that matched a rule; the next reply packet is the
	// OK-Prepare packet carrying the backend-assigned statement id that
	// stmtTargets should be keyed on.
	awaitingPrepareID bool
	pendingTarget     string
}

func (s *session) Name() string { return "namedserver" }

func (s *session) RouteQuery(q *buffer.Chain) (*buffer.Chain, error) {
	if q.Tag() == buffer.TypeStatement {
		if target, ok := s.stmtTargetForStatementCommand(q.Bytes()); ok {
			q.AddHint(buffer.Hint{Kind: buffer.RouteToNamedTarget, Target: target})
			s.mu.Lock()
			s.diverted++
			s.mu.Unlock()
			return q, nil
		}
	}

	cfg := s.f.config()
	host, resolvedHostname := s.resolveHost()

	for _, r := range cfg.Rules {
		if r.User != "" && r.User != s.username {
			continue
		}
		if r.SourcePattern != "" && !matchSourcePattern(r.SourcePattern, host, resolvedHostname) {
			continue
		}
		if q.Tag() != buffer.TypeStatement {
			continue
		}
		text := q.Bytes()
		if !r.Match.Match(text) {
			continue
		}
		q.AddHint(buffer.Hint{Kind: buffer.RouteToNamedTarget, Target: r.Target})
		s.mu.Lock()
		s.diverted++
		if len(text) > 0 && protocolstate.Command(text[0]) == protocolstate.ComStmtPrepare {
			s.awaitingPrepareID = true
			s.pendingTarget = r.Target
		}
		s.mu.Unlock()
		return q, nil
	}

	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
	return q, nil
}

// stmtTargetForStatementCommand extracts the statement id from a
// COM_STMT_EXECUTE/FETCH/SEND_LONG_DATA/CLOSE/RESET payload and looks up
// the target it was pinned to at prepare time. COM_STMT_CLOSE also
// forgets the mapping, since the backend is about to free the statement.
func (s *session) stmtTargetForStatementCommand(payload []byte) (string, bool) {
	if len(payload) < 5 {
		return "", false
	}
	switch protocolstate.Command(payload[0]) {
	case protocolstate.ComStmtExecute, protocolstate.ComStmtSendLongData,
		protocolstate.ComStmtClose, protocolstate.ComStmtFetch, protocolstate.ComStmtReset:
	default:
		return "", false
	}
	stmtID := binary.LittleEndian.Uint32(payload[1:5])

	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.stmtTargets[stmtID]
	if ok && protocolstate.Command(payload[0]) == protocolstate.ComStmtClose {
		delete(s.stmtTargets, stmtID)
	}
	return target, ok
}

// ClientReply watches for the OK-Prepare packet answering a
// COM_STMT_PREPARE that RouteQuery just routed by a named-server rule, and
// records the statement id it carries so later STMT_EXECUTE/FETCH/etc.
// against it stay pinned to the same target.
func (s *session) ClientReply(reply *buffer.Chain) (*buffer.Chain, error) {
	s.mu.Lock()
	awaiting, target := s.awaitingPrepareID, s.pendingTarget
	s.awaitingPrepareID = false
	s.mu.Unlock()

	if awaiting {
		b := reply.Bytes()
		if len(b) >= 5 && b[0] == protocolstate.HeaderOK {
			stmtID := binary.LittleEndian.Uint32(b[1:5])
			s.mu.Lock()
			if s.stmtTargets == nil {
				s.stmtTargets = make(map[uint32]string)
			}
			s.stmtTargets[stmtID] = target
			s.mu.Unlock()
		}
	}
	return reply, nil
}

func (s *session) Diagnostics() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]string{
		"diverted": fmt.Sprintf("%d", s.diverted),
		"skipped":  fmt.Sprintf("%d", s.skipped),
	}
}

func (s *session) Close() {}

// resolveHost splits clientAddr into its bare IP, and lazily resolves the
// reverse-DNS hostname only if a rule's SourcePattern isn't a dotted-quad
// pattern (reverse lookups are comparatively expensive).
func (s *session) resolveHost() (ip string, hostname func() string) {
	host, _, err := net.SplitHostPort(s.clientAddr)
	if err != nil {
		host = s.clientAddr
	}
	var cached string
	var resolved bool
	return host, func() string {
		if resolved {
			return cached
		}
		resolved = true
		addr := host
		if v4 := toIPv4(host); v4 != "" {
			addr = v4
		}
		names, err := net.LookupAddr(addr)
		if err == nil && len(names) > 0 {
			cached = strings.TrimSuffix(names[0], ".")
		}
		return cached
	}
}

// toIPv4 reduces an IPv4-mapped IPv6 address ("::ffff:a.b.c.d") to its
// dotted-quad form before hostname fallback, per spec.md §9's resolution
// of the Open Question on mixed-family client addresses.
func toIPv4(host string) string {
	ip := net.ParseIP(host)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ""
}

// matchSourcePattern matches a dotted-quad pattern with '%' wildcard
// octets against ip, falling back to a case-insensitive suffix match of
// the pattern against the lazily resolved hostname when the pattern is
// not a plausible dotted-quad (e.g. "*.internal.example.com").
func matchSourcePattern(pattern, ip string, hostname func() string) bool {
	if looksLikeDottedQuadPattern(pattern) {
		return matchDottedQuad(pattern, ip)
	}
	h := hostname()
	if h == "" {
		return false
	}
	want := strings.TrimPrefix(strings.ToLower(pattern), "*.")
	return strings.EqualFold(h, want) || strings.HasSuffix(strings.ToLower(h), "."+want)
}

func looksLikeDottedQuadPattern(p string) bool {
	parts := strings.Split(p, ".")
	if len(parts) != 4 {
		return false
	}
	for _, part := range parts {
		if part == "%" {
			continue
		}
		for _, c := range part {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}

func matchDottedQuad(pattern, ip string) bool {
	pp := strings.Split(pattern, ".")
	ipParts := strings.Split(ip, ".")
	if len(pp) != 4 || len(ipParts) != 4 {
		return false
	}
	for i := range pp {
		if pp[i] == "%" {
			continue
		}
		if pp[i] != ipParts[i] {
			return false
		}
	}
	return true
}
