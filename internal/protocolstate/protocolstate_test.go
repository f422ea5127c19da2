package protocolstate

import "testing"

func TestHandshakeV10EncodeEndsWithPluginName(t *testing.T) {
	h := HandshakeV10{
		ServerVersion:   "8.0.0-mdbproxy",
		ConnectionID:    42,
		CapabilityFlags: DefaultServerCapabilities,
		CharacterSet:    33,
		AuthPluginName:  "mysql_native_password",
	}
	buf := h.Encode()
	if buf[0] != 10 {
		t.Fatalf("expected protocol version 10, got %d", buf[0])
	}
	if string(buf[len(buf)-len("mysql_native_password")-1:len(buf)-1]) != "mysql_native_password" {
		t.Fatalf("expected plugin name at end of payload")
	}
}

func TestDecodeHandshakeResponse41RoundTrip(t *testing.T) {
	orig := HandshakeResponse41{
		ClientFlags:   CapProtocol41 | CapSecureConnection | CapConnectWithDB | CapPluginAuth,
		MaxPacketSize: 16777216,
		CharacterSet:  33,
		Username:      "alice",
		AuthResponse:  []byte{1, 2, 3, 4, 5},
		Database:      "app_db",
		AuthPlugin:    "mysql_native_password",
	}
	encoded := orig.Encode()
	decoded, err := DecodeHandshakeResponse41(encoded)
	if err != nil {
		t.Fatalf("DecodeHandshakeResponse41: %v", err)
	}
	if decoded.Username != orig.Username || decoded.Database != orig.Database {
		t.Fatalf("round-trip mismatch: %+v", decoded)
	}
	if string(decoded.AuthResponse) != string(orig.AuthResponse) {
		t.Fatalf("auth response mismatch: %v vs %v", decoded.AuthResponse, orig.AuthResponse)
	}
}

func TestStateTransitionsForwardOnly(t *testing.T) {
	s := New()
	if err := s.Transition(PhaseHandshakeSent); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Transition(PhaseAuthReceived); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Transition(PhaseInit); err == nil {
		t.Fatal("expected error moving backward")
	}
}

func TestStateTransitionToFailedAlwaysAllowed(t *testing.T) {
	s := New()
	_ = s.Transition(PhaseHandshakeSent)
	_ = s.Transition(PhaseAuthReceived)
	if err := s.Transition(PhaseFailed); err != nil {
		t.Fatalf("expected transition to Failed to succeed, got %v", err)
	}
}

func TestPreparedStatementLifecycle(t *testing.T) {
	s := New()
	s.RegisterStatement(7, 2, 3)

	st, ok := s.Statement(7)
	if !ok || st.NumParams != 2 {
		t.Fatalf("expected statement 7 registered, got %+v ok=%v", st, ok)
	}

	if _, ok := s.Statement(ReservedDirectExecuteID); ok {
		t.Fatal("reserved direct-execute id must never resolve to a cached statement")
	}

	s.ForgetStatement(7)
	if _, ok := s.Statement(7); ok {
		t.Fatal("expected statement 7 forgotten after ForgetStatement")
	}
}

func TestResolveDirectExecute(t *testing.T) {
	s := New()
	if _, err := s.ResolveDirectExecute(ReservedDirectExecuteID); err == nil {
		t.Fatal("expected error resolving reserved id with no prior prepare")
	}

	s.RegisterStatement(9, 1, 0)
	resolved, err := s.ResolveDirectExecute(ReservedDirectExecuteID)
	if err != nil || resolved != 9 {
		t.Fatalf("expected resolution to most recently prepared id 9, got %d err=%v", resolved, err)
	}

	s.RegisterStatement(10, 0, 0)
	resolved, err = s.ResolveDirectExecute(ReservedDirectExecuteID)
	if err != nil || resolved != 10 {
		t.Fatalf("expected resolution to follow the newer prepare, got %d err=%v", resolved, err)
	}

	if resolved, err := s.ResolveDirectExecute(10); err != nil || resolved != 10 {
		t.Fatalf("expected a non-reserved id to pass through unchanged, got %d err=%v", resolved, err)
	}
}

func TestRegisterStatementOnlyOnSuccessfulPrepare(t *testing.T) {
	s := New()
	payload := append([]byte{HeaderOK}, make([]byte, 8)...)
	id, numColumns, numParams, ok := DecodePrepareOK(payload)
	if !ok {
		t.Fatal("expected DecodePrepareOK to accept a 9-byte payload")
	}
	s.RegisterStatement(id, numParams, numColumns)
	if _, ok := s.Statement(id); !ok {
		t.Fatal("expected statement registered after a successful prepare OK")
	}

	// A failed prepare (ERR reply) must never reach RegisterStatement, so
	// no entry should appear for an id that was never registered.
	if _, ok := s.Statement(99); ok {
		t.Fatal("expected no entry for a statement that was never registered")
	}
}

func TestLocalInfileStreamingToggles(t *testing.T) {
	s := New()
	if s.InLocalInfile() {
		t.Fatal("expected not streaming initially")
	}
	s.BeginLocalInfile()
	if !s.InLocalInfile() {
		t.Fatal("expected streaming after BeginLocalInfile")
	}
	s.EndLocalInfile()
	if s.InLocalInfile() {
		t.Fatal("expected streaming ended after EndLocalInfile")
	}
}

func TestClassifyReply(t *testing.T) {
	cases := []struct {
		b      byte
		length int
		want   ReplyShape
	}{
		{HeaderOK, 7, ReplyOK},
		{HeaderErr, 9, ReplyErr},
		{HeaderEOF, 5, ReplyEOF},
		{HeaderLocalInfile, 6, ReplyLocalInfile},
		{0x05, 40, ReplyResultSet},
		// A 0xFE column-count lenenc prefix on a long packet is not EOF:
		// it's the 8-byte-integer lenenc marker heading a result-set header.
		{HeaderEOF, 9, ReplyResultSet},
		{HeaderEOF, 200, ReplyResultSet},
	}
	for _, c := range cases {
		if got := ClassifyReply(c.b, c.length); got != c.want {
			t.Fatalf("ClassifyReply(%x, %d) = %v, want %v", c.b, c.length, got, c.want)
		}
	}
}

func TestEncodeErrIncludesSQLState(t *testing.T) {
	buf := EncodeErr(ErrAccessDenied, SQLStateAccessDenied, "Access denied")
	if buf[0] != HeaderErr {
		t.Fatalf("expected ERR header byte, got %x", buf[0])
	}
	if string(buf[4:9]) != "28000" {
		t.Fatalf("expected SQL state 28000, got %q", buf[4:9])
	}
	if string(buf[9:]) != "Access denied" {
		t.Fatalf("expected message suffix, got %q", buf[9:])
	}
}
