package protocolstate

import (
	"encoding/binary"
	"fmt"
)

// Phase is the client-facing connection state machine of spec.md §4.2.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseHandshakeSent
	PhaseAuthReceived
	PhaseAuthOK
	PhaseFailed
	PhaseCommand
	PhaseLocalInfileStreaming
	PhaseClosed
)

// Command is a COM_* command byte.
type Command byte

const (
	ComQuit            Command = 0x01
	ComInitDB          Command = 0x02
	ComQuery           Command = 0x03
	ComFieldList       Command = 0x04
	ComRefresh         Command = 0x07
	ComStatistics      Command = 0x09
	ComProcessKill     Command = 0x0c
	ComPing            Command = 0x0e
	ComChangeUser      Command = 0x11
	ComStmtPrepare     Command = 0x16
	ComStmtExecute     Command = 0x17
	ComStmtSendLongData Command = 0x18
	ComStmtClose       Command = 0x19
	ComStmtReset       Command = 0x1a
	ComSetOption       Command = 0x1b
	ComStmtFetch       Command = 0x1c
	ComResetConnection Command = 0x1f
	ComStmtBulkExecute Command = 0xfa // MariaDB extension
)

// ReservedDirectExecuteID is the statement id MariaDB's bulk-execute
// extension uses to mean "execute this text directly, no prepare cache
// lookup needed" rather than naming a real prepared statement.
const ReservedDirectExecuteID uint32 = 0xFFFFFFFF

// PreparedStatement tracks enough about a COM_STMT_PREPARE response to
// decode later COM_STMT_EXECUTE/FETCH/SEND_LONG_DATA/CLOSE packets for it.
type PreparedStatement struct {
	ID         uint32
	NumParams  uint16
	NumColumns uint16
}

// State is the per-client-connection protocol state, independent of the
// higher-level session lifecycle in package session.
type State struct {
	Phase Phase

	Scramble [20]byte
	Username string
	Database string

	stmts map[uint32]*PreparedStatement

	// lastPreparedID and hasLastPrepared track the most recently
	// successfully prepared statement on this connection, so a later
	// COM_STMT_EXECUTE/FETCH/SEND_LONG_DATA/RESET/BULK_EXECUTE carrying
	// ReservedDirectExecuteID can be resolved to it.
	lastPreparedID  uint32
	hasLastPrepared bool

	// infileActive is set while streaming a LOAD DATA LOCAL INFILE
	// payload back to the client's request; it ends on the first empty
	// packet the client sends, per spec.md §4.2.
	infileActive bool

	// lastReplyHeader/lastReplyLen record the first byte and length of the
	// last reply the proxy observed for the in-flight command, so
	// result-set vs. OK/ERR/EOF/LOCAL_INFILE shape can be tracked without
	// re-parsing the whole packet on every subsequent chunk.
	lastReplyHeader byte
	lastReplyLen    int
	lastReplySet    bool
}

// New returns a State in PhaseInit with an empty prepared-statement table.
func New() *State {
	return &State{Phase: PhaseInit, stmts: make(map[uint32]*PreparedStatement)}
}

// Transition validates and applies a phase change. Phases only move
// forward except into PhaseFailed/PhaseClosed, which are terminal and
// reachable from any phase.
func (s *State) Transition(next Phase) error {
	if next == PhaseFailed || next == PhaseClosed {
		s.Phase = next
		return nil
	}
	if next < s.Phase {
		return fmt.Errorf("protocolstate: illegal transition from %v to %v", s.Phase, next)
	}
	s.Phase = next
	return nil
}

// RegisterStatement records a freshly prepared statement's metadata,
// returned by the backend's COM_STMT_PREPARE_OK response. Callers must only
// invoke this for a successful prepare; a failed prepare must not call it,
// per spec.md §3's "entry created iff the backend returned a successful
// prepare OK" invariant.
func (s *State) RegisterStatement(id uint32, numParams, numColumns uint16) {
	s.stmts[id] = &PreparedStatement{ID: id, NumParams: numParams, NumColumns: numColumns}
	s.lastPreparedID = id
	s.hasLastPrepared = true
}

// Statement looks up a previously registered prepared statement. The
// ReservedDirectExecuteID never resolves to a cached entry; callers wanting
// its target should resolve it with ResolveDirectExecute first.
func (s *State) Statement(id uint32) (*PreparedStatement, bool) {
	if id == ReservedDirectExecuteID {
		return nil, false
	}
	st, ok := s.stmts[id]
	return st, ok
}

// ForgetStatement drops a statement's cached metadata on COM_STMT_CLOSE.
func (s *State) ForgetStatement(id uint32) {
	delete(s.stmts, id)
}

// ResolveDirectExecute resolves MariaDB's bulk-execute reserved id to the
// connection's most-recently-prepared statement id; any other id passes
// through unchanged. Using the reserved id before any statement has been
// successfully prepared on this connection is an error, not a crash.
func (s *State) ResolveDirectExecute(id uint32) (uint32, error) {
	if id != ReservedDirectExecuteID {
		return id, nil
	}
	if !s.hasLastPrepared {
		return 0, fmt.Errorf("protocolstate: direct-execute id used with no prior prepared statement on this connection")
	}
	return s.lastPreparedID, nil
}

// DecodePrepareOK parses a COM_STMT_PREPARE_OK response body (the caller
// already knows the status byte is HeaderOK) into its statement id, column
// count, and parameter count.
func DecodePrepareOK(payload []byte) (id uint32, numColumns, numParams uint16, ok bool) {
	if len(payload) < 9 {
		return 0, 0, 0, false
	}
	id = binary.LittleEndian.Uint32(payload[1:5])
	numColumns = binary.LittleEndian.Uint16(payload[5:7])
	numParams = binary.LittleEndian.Uint16(payload[7:9])
	return id, numColumns, numParams, true
}

// BeginLocalInfile marks the connection as streaming a LOAD DATA LOCAL
// INFILE payload from the client.
func (s *State) BeginLocalInfile() { s.infileActive = true }

// EndLocalInfile clears local-infile streaming mode; called when the
// client sends the terminating empty packet.
func (s *State) EndLocalInfile() { s.infileActive = false }

// InLocalInfile reports whether the connection is mid LOAD DATA LOCAL
// INFILE streaming.
func (s *State) InLocalInfile() bool { return s.infileActive }

// ReplyShape classifies the first byte of a backend reply so callers can
// decide how to continue reading (result-set rows vs. a terminal
// OK/ERR/EOF/LOCAL_INFILE packet) without re-parsing from scratch.
type ReplyShape int

const (
	ReplyUnknown ReplyShape = iota
	ReplyOK
	ReplyErr
	ReplyEOF
	ReplyLocalInfile
	ReplyResultSet
)

// eofMaxLen is the longest a genuine EOF packet can be (spec.md §4.4): status
// byte, 2-byte warning count, 2-byte status flags. A 0xFE first byte on a
// longer packet is a lenenc-int column-count prefix (the 8-byte-integer
// marker), not an EOF packet, and must classify as a result-set header.
const eofMaxLen = 9

// ClassifyReply inspects the first byte and total length of a reply packet.
func ClassifyReply(firstByte byte, length int) ReplyShape {
	switch firstByte {
	case HeaderOK:
		return ReplyOK
	case HeaderErr:
		return ReplyErr
	case HeaderEOF:
		if length < eofMaxLen {
			return ReplyEOF
		}
		return ReplyResultSet
	case HeaderLocalInfile:
		return ReplyLocalInfile
	default:
		return ReplyResultSet
	}
}

// NoteReply records the shape of the most recent reply observed, for
// diagnostics and for filters that want to react only to terminal
// packets.
func (s *State) NoteReply(firstByte byte, length int) {
	s.lastReplyHeader = firstByte
	s.lastReplyLen = length
	s.lastReplySet = true
}

// LastReplyShape returns the shape of the most recently noted reply.
func (s *State) LastReplyShape() (ReplyShape, bool) {
	if !s.lastReplySet {
		return ReplyUnknown, false
	}
	return ClassifyReply(s.lastReplyHeader, s.lastReplyLen), true
}
