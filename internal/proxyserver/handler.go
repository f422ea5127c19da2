package proxyserver

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/dbbouncer/mdbproxy/internal/authn"
	"github.com/dbbouncer/mdbproxy/internal/buffer"
	"github.com/dbbouncer/mdbproxy/internal/config"
	"github.com/dbbouncer/mdbproxy/internal/connection"
	"github.com/dbbouncer/mdbproxy/internal/filter"
	"github.com/dbbouncer/mdbproxy/internal/protocolstate"
	"github.com/dbbouncer/mdbproxy/internal/router"
	"github.com/dbbouncer/mdbproxy/internal/session"
	"github.com/dbbouncer/mdbproxy/internal/wire"
	"github.com/dbbouncer/mdbproxy/internal/workerpool"
)

// sessionBackendWriter adapts a session's dynamically-resolved Backend
// connection to s3load.BackendWriter. The filter chain is built once
// before the first query is routed, while the backend connection is only
// dialed once that query resolves a target, so this indirection defers
// the lookup to call time instead of requiring it up front.
type sessionBackendWriter struct{ sess *session.Session }

func (w *sessionBackendWriter) EnqueueWrite(c *buffer.Chain) {
	if w.sess.Backend != nil {
		w.sess.Backend.EnqueueWrite(c)
	}
}

func (w *sessionBackendWriter) Congested() bool {
	return w.sess.Backend != nil && w.sess.Backend.Congested()
}

func (w *sessionBackendWriter) Flush() (int, error) {
	if w.sess.Backend == nil {
		return 0, nil
	}
	return w.sess.Backend.Flush()
}

// ServerVersion is advertised to clients in the initial handshake.
const ServerVersion = "8.0.34-mdbproxy"

var connIDSeq atomic.Uint32

// BackendDialTimeout bounds how long connecting to a routed backend waits.
const BackendDialTimeout = 5 * time.Second

// connHandler drives one accepted client connection through handshake,
// authentication, and the command loop. Grounded on the teacher's
// MySQLHandler.Handle in internal/proxy/mysql.go, generalized from a
// fixed tenant-keyed pool lookup into the pluggable authn/router/filter
// pipeline this proxy is built around.
type connHandler struct {
	server   *Server
	listener config.ListenerConfig
	worker   *workerpool.Worker
}

func (h *connHandler) handle(raw net.Conn) {
	defer raw.Close()

	client := connection.New(raw, connection.SideClient, h.worker)
	sess := session.New(h.worker, client)
	start := time.Now()

	h.server.metrics.SessionStarted(h.listener.Name)
	defer func() {
		sess.Close()
		h.server.metrics.SessionEnded(h.listener.Name, time.Since(start))
	}()

	mech, ok := h.server.authReg.Get(h.listener.Authenticator)
	if !ok {
		slog.Error("unknown authenticator", "listener", h.listener.Name, "authenticator", h.listener.Authenticator)
		return
	}
	if err := mech.Init(h.listener.AuthenticatorOptions); err != nil {
		slog.Error("authenticator init failed", "listener", h.listener.Name, "error", err)
		return
	}

	scramble, err := authn.NewScramble()
	if err != nil {
		slog.Error("generating scramble", "error", err)
		return
	}
	sess.Proto.Scramble = scramble

	seq := byte(0)
	hs := protocolstate.HandshakeV10{
		ServerVersion:   ServerVersion,
		ConnectionID:    connIDSeq.Add(1),
		Scramble:        scramble,
		CapabilityFlags: protocolstate.DefaultServerCapabilities,
		CharacterSet:    0x21, // utf8_general_ci
		AuthPluginName:  mech.Name(),
	}
	if err := writeRawPacket(raw, hs.Encode(), seq); err != nil {
		slog.Debug("sending handshake", "error", err)
		return
	}
	if err := sess.Proto.Transition(protocolstate.PhaseHandshakeSent); err != nil {
		slog.Error("protocol transition", "error", err)
		return
	}

	payload, respSeq, err := readRawPacket(raw)
	if err != nil {
		slog.Debug("reading handshake response", "error", err)
		return
	}
	seq = respSeq
	resp, err := protocolstate.DecodeHandshakeResponse41(payload)
	if err != nil {
		slog.Debug("decoding handshake response", "error", err)
		return
	}
	if err := sess.Proto.Transition(protocolstate.PhaseAuthReceived); err != nil {
		return
	}

	_, unixSocket := raw.(*net.UnixConn)
	actx := &authn.Context{
		ClientAddr:   remoteAddr(raw),
		UnixSocket:   unixSocket,
		Scramble:     scramble,
		Username:     resp.Username,
		Database:     resp.Database,
		AuthResponse: resp.AuthResponse,
		PluginName:   resp.AuthPlugin,
		SSLRequested: resp.ClientFlags&protocolstate.CapSSL != 0,
		Attributes:   make(map[string]string),
	}
	defer mech.Free(actx)

	if _, err := mech.Extract(actx, resp.AuthResponse); err != nil {
		slog.Debug("extracting auth response", "error", err)
		return
	}

	h.server.metrics.AuthAttempt(mech.Name())
	authed, err := h.runAuthentication(raw, mech, actx, &seq)
	if err != nil {
		slog.Debug("authentication error", "user", resp.Username, "error", err)
	}
	if !authed {
		h.server.metrics.AuthFailure(mech.Name())
		seq++
		writeRawPacket(raw, protocolstate.EncodeErr(protocolstate.ErrAccessDenied, protocolstate.SQLStateAccessDenied,
			fmt.Sprintf("Access denied for user '%s'", resp.Username)), seq)
		sess.Proto.Transition(protocolstate.PhaseFailed)
		return
	}

	sess.Proto.Username = actx.Authenticated
	sess.Proto.Database = actx.Database
	if err := sess.Proto.Transition(protocolstate.PhaseAuthOK); err != nil {
		return
	}

	seq++
	if err := writeRawPacket(raw, protocolstate.EncodeOK(0, 0, 0x0002, 0, ""), seq); err != nil {
		return
	}

	if err := sess.MarkReady(); err != nil {
		slog.Error("session not ready", "error", err)
		return
	}
	if err := sess.BindRouter(h.server.router, actx.Authenticated, actx.Database); err != nil {
		slog.Error("binding router", "error", err)
		return
	}

	var factories []filter.Factory
	if h.server.namedServer != nil {
		factories = append(factories, h.server.namedServer.Factory(remoteAddr(raw)))
	}
	if h.server.s3Filter != nil {
		factories = append(factories, h.server.s3Filter.Factory(&sessionBackendWriter{sess: sess}))
	}
	chain, err := filter.NewChain(factories, actx.Authenticated, actx.Database)
	if err != nil {
		slog.Error("building filter chain", "error", err)
		return
	}
	sess.Filters = chain

	if err := sess.Proto.Transition(protocolstate.PhaseCommand); err != nil {
		return
	}

	h.commandLoop(raw, sess)
}

// runAuthentication drives the extract/authenticate hooks until the
// mechanism settles on OK/Fail, round-tripping an AuthSwitchRequest-style
// challenge for mechanisms (e.g. the external-ticket one) that return
// ResultIncomplete.
func (h *connHandler) runAuthentication(raw net.Conn, mech authn.Mechanism, actx *authn.Context, seq *byte) (bool, error) {
	const maxRoundTrips = 4
	for i := 0; i < maxRoundTrips; i++ {
		result, out, err := mech.Authenticate(actx)
		if err != nil {
			return false, err
		}
		switch result {
		case authn.ResultOK:
			return true, nil
		case authn.ResultFail:
			return false, nil
		case authn.ResultIncomplete:
			if out == nil {
				return false, errors.New("authn: incomplete result with no challenge packet")
			}
			*seq++
			if err := writeRawPacket(raw, out, *seq); err != nil {
				return false, err
			}
			payload, respSeq, err := readRawPacket(raw)
			if err != nil {
				return false, err
			}
			*seq = respSeq
			if _, err := mech.Extract(actx, payload); err != nil {
				return false, err
			}
		}
	}
	return false, errors.New("authn: too many auth-switch round trips")
}

// commandLoop reads one client command packet at a time and dispatches it,
// until the client disconnects or sends COM_QUIT.
func (h *connHandler) commandLoop(raw net.Conn, sess *session.Session) {
	client := sess.Client
	readBuf := make([]byte, 16*1024)
	backends := make(map[string]*connection.Connection)
	defer func() {
		for _, b := range backends {
			b.Close()
		}
	}()

	for {
		framer := wire.NewFramer()
		pkt, err := readClientPacket(raw, client, framer, readBuf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("client connection ended", "error", err)
			}
			return
		}

		cmd, ok := wire.GetCommand(pkt)
		if !ok {
			return
		}
		if protocolstate.Command(cmd) == protocolstate.ComQuit {
			return
		}

		pkt.SetTag(buffer.TypeStatement)
		if err := h.handleCommand(raw, sess, backends, pkt); err != nil {
			slog.Debug("handling command", "error", err)
			return
		}
	}
}

func readClientPacket(raw net.Conn, client *connection.Connection, framer *wire.Framer, buf []byte) (*buffer.Chain, error) {
	for {
		pkt, ok, err := framer.NextPacket(client.ReadQueue())
		if err != nil {
			return nil, err
		}
		if ok {
			return pkt, nil
		}
		n, err := raw.Read(buf)
		if err != nil {
			return nil, err
		}
		client.EnqueueRead(append([]byte(nil), buf[:n]...))
	}
}

// handleCommand pushes one client command through the filter chain, asks
// the router where it belongs, forwards it to that backend (fanning out
// extra copies when the router asks for RouteToAll), and relays the
// primary target's reply back to the client.
//
// It also drives the prepared-statement correlation the core protocol
// state machine owns (spec.md §3/§4.4 step 4, §8): COM_STMT_CLOSE forgets
// the cached statement, and COM_STMT_EXECUTE/FETCH/SEND_LONG_DATA/RESET/
// BULK_EXECUTE carrying MariaDB's reserved direct-execute id are rewritten
// to the connection's most-recently-prepared statement id before
// forwarding. COM_STMT_PREPARE registration happens once the backend's
// reply is known, in relayBackendReplies, since only a successful prepare
// OK may create an entry.
func (h *connHandler) handleCommand(raw net.Conn, sess *session.Session, backends map[string]*connection.Connection, pkt *buffer.Chain) error {
	cmd, _ := wire.GetCommand(pkt)
	command := protocolstate.Command(cmd)

	switch command {
	case protocolstate.ComStmtClose:
		if id, ok := statementID(pkt); ok {
			sess.Proto.ForgetStatement(id)
		}
	case protocolstate.ComStmtExecute, protocolstate.ComStmtFetch, protocolstate.ComStmtSendLongData,
		protocolstate.ComStmtReset, protocolstate.ComStmtBulkExecute:
		if err := resolveDirectExecute(sess, pkt); err != nil {
			return writeRawPacket(raw, protocolstate.EncodeErr(protocolstate.ErrUnknownCom, protocolstate.SQLStateConnReject, err.Error()), 1)
		}
	}

	routed, err := sess.Filters.RouteQuery(pkt)
	if err != nil {
		return writeRawPacket(raw, protocolstate.EncodeErr(protocolstate.ErrUnknownCom, protocolstate.SQLStateConnReject, err.Error()), 1)
	}

	target, all, err := sess.Router.RouteQuery(sess.Handle(), routed)
	if err != nil {
		sess.Router.HandleError(sess.Handle(), target, err)
		return writeRawPacket(raw, protocolstate.EncodeErr(protocolstate.ErrBadDB, protocolstate.SQLStateConnReject, err.Error()), 1)
	}

	if len(all) > 0 {
		target = all[0]
		for _, extra := range all[1:] {
			h.fanOutQuery(sess, backends, extra, routed.Clone())
		}
	}

	backend, err := h.backendFor(sess, backends, target)
	if err != nil {
		sess.Router.HandleError(sess.Handle(), target, err)
		h.server.metrics.BackendError(target.Name)
		return writeRawPacket(raw, protocolstate.EncodeErr(protocolstate.ErrBadDB, protocolstate.SQLStateConnReject, "backend unavailable"), 1)
	}
	h.server.metrics.QueryRouted(target.Name)

	if err := forwardQuery(backend, routed); err != nil {
		sess.Router.HandleError(sess.Handle(), target, err)
		return err
	}
	return h.relayBackendReplies(raw, sess, target, backend, command == protocolstate.ComStmtPrepare)
}

// statementID extracts the 4-byte LE statement id at payload offset 1 that
// every COM_STMT_* command carries, per spec.md §4.4.
func statementID(pkt *buffer.Chain) (uint32, bool) {
	if pkt.Len() < 5 {
		return 0, false
	}
	var hdr [5]byte
	pkt.CopyAt(0, 5, hdr[:])
	return binary.LittleEndian.Uint32(hdr[1:5]), true
}

// resolveDirectExecute rewrites a COM_STMT_* command's statement id in
// place when it carries protocolstate.ReservedDirectExecuteID, substituting
// the connection's most-recently-prepared statement id. Any other id is
// left untouched.
func resolveDirectExecute(sess *session.Session, pkt *buffer.Chain) error {
	id, ok := statementID(pkt)
	if !ok {
		return nil
	}
	resolved, err := sess.Proto.ResolveDirectExecute(id)
	if err != nil {
		return err
	}
	if resolved == id {
		return nil
	}
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], resolved)
	pkt.OverwriteAt(1, idBuf[:])
	return nil
}

// fanOutQuery forwards a cloned query to an additional RouteToAll target
// and drains its first reply packet in the background; the client only
// ever sees the primary target's reply stream.
func (h *connHandler) fanOutQuery(sess *session.Session, backends map[string]*connection.Connection, t router.Target, q *buffer.Chain) {
	backend, err := h.backendFor(sess, backends, t)
	if err != nil {
		sess.Router.HandleError(sess.Handle(), t, err)
		h.server.metrics.BackendError(t.Name)
		return
	}
	if err := forwardQuery(backend, q); err != nil {
		sess.Router.HandleError(sess.Handle(), t, err)
		return
	}
	go func() {
		framer := wire.NewFramer()
		buf := make([]byte, 4096)
		for {
			_, ok, err := framer.NextPacket(backend.ReadQueue())
			if err != nil || ok {
				return
			}
			n, err := backend.Conn().Read(buf)
			if err != nil {
				return
			}
			backend.EnqueueRead(append([]byte(nil), buf[:n]...))
		}
	}()
}

func (h *connHandler) backendFor(sess *session.Session, backends map[string]*connection.Connection, t router.Target) (*connection.Connection, error) {
	if b, ok := backends[t.Name]; ok {
		return b, nil
	}
	raw, err := net.DialTimeout("tcp", t.Address, BackendDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing backend %s (%s): %w", t.Name, t.Address, err)
	}
	b := connection.New(raw, connection.SideBackend, h.worker)
	backends[t.Name] = b
	if sess.Backend == nil {
		sess.Backend = b
	}
	return b, nil
}

func forwardQuery(backend *connection.Connection, q *buffer.Chain) error {
	wireBytes := wire.SplitForWire(q.Bytes(), 0)
	backend.EnqueueWrite(buffer.New(wireBytes, buffer.TypeRaw))
	_, err := backend.Flush()
	return err
}

// relayBackendReplies reads the backend's reply packet by packet, running
// each one through the router's and filter chain's ClientReply hooks
// before forwarding it to the client, stopping once a terminal
// OK/ERR/result-set-end packet is observed. Legacy (non-deprecate-EOF)
// result-set framing is assumed, matching the capability flags this proxy
// advertises in DefaultServerCapabilities.
//
// When awaitingPrepare is set, the first reply packet answers a
// COM_STMT_PREPARE; if it's a prepare OK (not an ERR), its statement id,
// param count, and column count are registered with the session's protocol
// state so later STMT_EXECUTE/FETCH/SEND_LONG_DATA/RESET/CLOSE and direct-
// execute resolution can find it.
func (h *connHandler) relayBackendReplies(raw net.Conn, sess *session.Session, target router.Target, backend *connection.Connection, awaitingPrepare bool) error {
	framer := wire.NewFramer()
	buf := make([]byte, 16*1024)
	clientSeq := byte(0)
	eofCount := 0
	shape := protocolstate.ReplyUnknown
	first := true

	for {
		pkt, ok, err := framer.NextPacket(backend.ReadQueue())
		if err != nil {
			return err
		}
		if !ok {
			n, err := backend.Conn().Read(buf)
			if err != nil {
				return err
			}
			backend.EnqueueRead(append([]byte(nil), buf[:n]...))
			continue
		}

		raw0 := pkt.Bytes()
		var head byte
		if len(raw0) > 0 {
			head = raw0[0]
		}
		if first {
			shape = protocolstate.ClassifyReply(head, len(raw0))
			if awaitingPrepare && shape == protocolstate.ReplyOK {
				if id, numColumns, numParams, ok := protocolstate.DecodePrepareOK(raw0); ok {
					sess.Proto.RegisterStatement(id, numParams, numColumns)
				}
			}
			first = false
		}
		sess.Proto.NoteReply(head, len(raw0))

		annotated, err := sess.Router.ClientReply(sess.Handle(), target, pkt)
		if err != nil {
			return err
		}
		final, err := sess.Filters.ClientReply(annotated)
		if err != nil {
			return err
		}
		if final.Len() > 0 {
			if _, err := raw.Write(wire.SplitForWire(final.Bytes(), clientSeq)); err != nil {
				return err
			}
		}
		clientSeq++

		switch shape {
		case protocolstate.ReplyOK, protocolstate.ReplyErr:
			return nil
		case protocolstate.ReplyLocalInfile:
			// A filter (e.g. s3load) swallows this packet and streams its
			// own payload straight to the backend; the proxy keeps reading
			// for the backend's subsequent terminal OK/ERR.
			shape = protocolstate.ReplyUnknown
			first = true
		case protocolstate.ReplyResultSet:
			if protocolstate.ClassifyReply(head, len(raw0)) == protocolstate.ReplyEOF {
				eofCount++
				if eofCount >= 2 {
					return nil
				}
			}
		default:
			return nil
		}
	}
}

func writeRawPacket(conn net.Conn, payload []byte, seq byte) error {
	_, err := conn.Write(wire.EncodePacket(payload, seq))
	return err
}

func readRawPacket(conn net.Conn) ([]byte, byte, error) {
	var hdr [wire.HeaderLen]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, 0, err
	}
	h, err := wire.ParseHeader(hdr[:])
	if err != nil {
		return nil, 0, err
	}
	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return nil, 0, err
		}
	}
	return payload, h.Seq, nil
}

func remoteAddr(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
