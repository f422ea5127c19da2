// Package authn implements the pluggable authenticator registry described
// in spec.md §4.3: a five-hook mechanism interface (extract, ssl_capable,
// authenticate, free, load_users) plus the init hook used at construction
// time, and the two reference mechanisms — native challenge/response and
// the external-ticket pass-through.
//
// The authoritative source of stored credentials (the backend user table)
// is an out-of-scope external collaborator per spec.md §1
// ("authenticator user-table synchronization with backends"); mechanisms
// here only consume a UserStore interface, they never populate one from a
// live backend connection.
package authn

import (
	"context"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // mysql_native_password is defined in terms of SHA-1
	"crypto/subtle"
	"errors"
	"fmt"
)

// Result is the outcome of one authentication step.
type Result int

const (
	ResultIncomplete Result = iota
	ResultOK
	ResultFail
)

// ScrambleLen is the length of the random nonce issued in the handshake,
// per spec.md §3 "Scramble".
const ScrambleLen = 20

// NewScramble generates a fresh 20-byte random scramble with no embedded
// NUL bytes (NUL terminates strings elsewhere in the handshake payload).
func NewScramble() ([ScrambleLen]byte, error) {
	var s [ScrambleLen]byte
	if _, err := rand.Read(s[:]); err != nil {
		return s, fmt.Errorf("generating scramble: %w", err)
	}
	for i := range s {
		if s[i] == 0 {
			s[i] = 1
		}
	}
	return s, nil
}

// Context carries the per-connection state an authentication mechanism
// needs across its extract/authenticate calls. It is intentionally not the
// full protocolstate.State type so this package has no dependency on the
// command-phase state machine.
type Context struct {
	ClientAddr    string
	UnixSocket    bool // a UNIX-domain listener treats the client as localhost, per spec.md §6
	Scramble      [ScrambleLen]byte
	Username      string
	Database      string
	AuthResponse  []byte
	PluginName    string
	SSLRequested  bool
	Attributes    map[string]string // private mechanism scratch space, keyed by mechanism name
	Authenticated string            // resolved identity, set by a mechanism on ResultOK
	// PassthroughToken is preserved end-to-end so a backend authenticator
	// can re-present the same opaque token when opening a backend
	// connection, per spec.md §4.3 "External-ticket mechanism".
	PassthroughToken []byte
}

// UserRecord is one row of the (externally synchronized) user table.
type UserRecord struct {
	Username           string
	DoubleSHA1Password []byte // SHA1(SHA1(password)); empty slice means empty password
	DefaultSchema      string
}

// UserStore is the read-only view onto the user table this package
// consumes. Population/refresh of the store from backend servers is the
// out-of-scope "authenticator user-table synchronization" collaborator.
type UserStore interface {
	Lookup(username string) (UserRecord, bool)
}

// Mechanism is the five-hook plugin surface of spec.md §4.3, plus Init.
type Mechanism interface {
	// Init constructs mechanism state from configuration options.
	Init(options map[string]string) error
	// Extract inspects a client packet during authentication, returning
	// Incomplete/OK/Fail. It may store intermediate data on ctx.
	Extract(ctx *Context, payload []byte) (Result, error)
	// SSLCapable reports whether the client advertised TLS.
	SSLCapable(ctx *Context) bool
	// Authenticate decides success/failure/incomplete for ctx, optionally
	// returning an intermediate packet (e.g. AuthSwitchRequest) to send to
	// the client when it returns ResultIncomplete.
	Authenticate(ctx *Context) (Result, []byte, error)
	// Free releases any per-connection mechanism state held in ctx.
	Free(ctx *Context)
	// LoadUsers refreshes the backing user table. Reference mechanisms
	// delegate this to the injected UserStore and treat it as a no-op;
	// it exists so a real mechanism plugging into backend sync can use it.
	LoadUsers() error
	// Name is the plugin name advertised in the handshake / AuthSwitchRequest.
	Name() string
}

// Registry holds the configured set of authentication mechanisms, keyed by
// plugin name.
type Registry struct {
	mechanisms map[string]Mechanism
	deflt      string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{mechanisms: make(map[string]Mechanism)}
}

// Register installs a mechanism. The first mechanism registered becomes
// the default advertised in the initial handshake.
func (r *Registry) Register(m Mechanism) {
	r.mechanisms[m.Name()] = m
	if r.deflt == "" {
		r.deflt = m.Name()
	}
}

// Default returns the plugin name advertised in the initial handshake.
func (r *Registry) Default() string {
	return r.deflt
}

// Get resolves a mechanism by plugin name.
func (r *Registry) Get(name string) (Mechanism, bool) {
	m, ok := r.mechanisms[name]
	return m, ok
}

// LoadAll calls LoadUsers on every registered mechanism, collecting errors.
func (r *Registry) LoadAll() error {
	var errs []error
	for _, m := range r.mechanisms {
		if err := m.LoadUsers(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// --- native challenge/response mechanism ---

// NativeMechanism implements mysql_native_password: the server issues a
// 20-byte scramble, the client replies with
// SHA1(password) XOR SHA1(scramble || SHA1(SHA1(password))), and the
// server reconstructs the candidate from its stored double hash.
//
// Per the Open Question resolution in spec.md §9, an empty auth response
// is always rejected (the "stricter C++ path"), even for a user whose
// stored hash corresponds to an empty password.
type NativeMechanism struct {
	Store UserStore
}

func (m *NativeMechanism) Name() string { return "mysql_native_password" }

func (m *NativeMechanism) Init(options map[string]string) error { return nil }

func (m *NativeMechanism) Extract(ctx *Context, payload []byte) (Result, error) {
	ctx.AuthResponse = append([]byte(nil), payload...)
	return ResultOK, nil
}

func (m *NativeMechanism) SSLCapable(ctx *Context) bool { return ctx.SSLRequested }

func (m *NativeMechanism) Authenticate(ctx *Context) (Result, []byte, error) {
	if len(ctx.AuthResponse) == 0 {
		return ResultFail, nil, nil
	}
	if m.Store == nil {
		return ResultFail, nil, errors.New("authn: no user store configured")
	}
	rec, ok := m.Store.Lookup(ctx.Username)
	if !ok {
		return ResultFail, nil, nil
	}
	if len(ctx.AuthResponse) != sha1.Size {
		return ResultFail, nil, nil
	}

	mask := sha1Sum(append(append([]byte{}, ctx.Scramble[:]...), rec.DoubleSHA1Password...))
	candidateSHA1 := xor(ctx.AuthResponse, mask)
	check := sha1Sum(candidateSHA1)

	if subtle.ConstantTimeCompare(check, rec.DoubleSHA1Password) != 1 {
		return ResultFail, nil, nil
	}
	ctx.Authenticated = ctx.Username
	if ctx.Database == "" {
		ctx.Database = rec.DefaultSchema
	}
	return ResultOK, nil, nil
}

func (m *NativeMechanism) Free(ctx *Context) {}

func (m *NativeMechanism) LoadUsers() error { return nil }

// ComputeNativeResponse computes the client-side response for the native
// mechanism; used by tests and by any component (e.g. a backend dialer)
// that must speak this mechanism as a client.
func ComputeNativeResponse(password string, scramble []byte) []byte {
	if len(password) == 0 {
		return nil
	}
	h1 := sha1Sum([]byte(password))          // SHA1(password)
	h2 := sha1Sum(h1)                        // SHA1(SHA1(password))
	h3 := sha1Sum(append(append([]byte{}, scramble...), h2...))
	return xor(h1, h3)
}

func sha1Sum(b []byte) []byte {
	h := sha1.Sum(b) //nolint:gosec
	return h[:]
}

func xor(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// --- external-ticket mechanism ---

// TicketValidator validates an opaque token against an external authority
// (e.g. a ticket-granting service) and returns the authenticated
// principal.
type TicketValidator interface {
	Validate(ctx context.Context, token []byte) (principal string, ok bool, err error)
}

// TicketMechanism implements the external-ticket pass-through mechanism of
// spec.md §4.3: the server sends an AuthSwitchRequest naming the mechanism
// and a service principal; the client replies with an opaque token; the
// token is validated externally and, on success, the token is preserved on
// the Context for re-presentation to the backend authenticator.
type TicketMechanism struct {
	ServicePrincipal string
	Validator        TicketValidator
	// ExpectedIdentity, if set, is compared against the validated
	// principal instead of consulting the user table.
	ExpectedIdentity string
	Store            UserStore
}

func (m *TicketMechanism) Name() string { return "mdb_external_ticket" }

func (m *TicketMechanism) Init(options map[string]string) error {
	if sp, ok := options["service_principal"]; ok {
		m.ServicePrincipal = sp
	}
	if id, ok := options["expected_identity"]; ok {
		m.ExpectedIdentity = id
	}
	return nil
}

// AuthSwitchRequest builds the 0xFE AuthSwitchRequest payload naming this
// mechanism and its service principal as the auth-plugin-data.
func (m *TicketMechanism) AuthSwitchRequest() []byte {
	out := []byte{0xFE}
	out = append(out, []byte(m.Name())...)
	out = append(out, 0)
	out = append(out, []byte(m.ServicePrincipal)...)
	return out
}

func (m *TicketMechanism) Extract(ctx *Context, payload []byte) (Result, error) {
	ctx.PassthroughToken = append([]byte(nil), payload...)
	return ResultOK, nil
}

func (m *TicketMechanism) SSLCapable(ctx *Context) bool { return ctx.SSLRequested }

func (m *TicketMechanism) Authenticate(ctx *Context) (Result, []byte, error) {
	if m.Validator == nil {
		return ResultFail, nil, errors.New("authn: no ticket validator configured")
	}
	if len(ctx.PassthroughToken) == 0 {
		return ResultIncomplete, m.AuthSwitchRequest(), nil
	}
	principal, ok, err := m.Validator.Validate(context.Background(), ctx.PassthroughToken)
	if err != nil {
		return ResultFail, nil, err
	}
	if !ok {
		return ResultFail, nil, nil
	}

	if m.ExpectedIdentity != "" {
		if principal != m.ExpectedIdentity {
			return ResultFail, nil, nil
		}
	} else if m.Store != nil {
		if _, found := m.Store.Lookup(principal); !found {
			return ResultFail, nil, nil
		}
	}

	ctx.Authenticated = principal
	return ResultOK, nil, nil
}

func (m *TicketMechanism) Free(ctx *Context) {
	ctx.PassthroughToken = nil
}

func (m *TicketMechanism) LoadUsers() error { return nil }
