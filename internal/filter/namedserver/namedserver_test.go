package namedserver

import (
	"encoding/binary"
	"regexp"
	"testing"

	"github.com/dbbouncer/mdbproxy/internal/buffer"
	"github.com/dbbouncer/mdbproxy/internal/protocolstate"
)

func TestRouteQueryAddsHintOnMatch(t *testing.T) {
	f, err := New(Config{Rules: []Rule{
		{Match: regexp.MustCompile(`(?i)^SELECT .* FROM reports`), Target: "reporting-replica"},
	}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sess, _ := f.Factory("10.0.0.5:54321")("app", "app_db")

	q := buffer.New([]byte("SELECT * FROM reports WHERE id=1"), buffer.TypeStatement)
	out, err := sess.RouteQuery(q)
	if err != nil {
		t.Fatalf("RouteQuery: %v", err)
	}
	hints := out.Hints()
	if len(hints) != 1 || hints[0].Target != "reporting-replica" {
		t.Fatalf("expected named-target hint, got %+v", hints)
	}
}

func TestRouteQuerySkipsWhenUserRestricted(t *testing.T) {
	f, _ := New(Config{Rules: []Rule{
		{Match: regexp.MustCompile(`.*`), Target: "only-for-etl", User: "etl_user"},
	}})
	sess, _ := f.Factory("10.0.0.5:1").("other_user", "db")

	q := buffer.New([]byte("SELECT 1"), buffer.TypeStatement)
	out, _ := sess.RouteQuery(q)
	if len(out.Hints()) != 0 {
		t.Fatal("expected no hint for unrestricted user mismatch")
	}
}

func TestRouteQuerySourcePatternWildcard(t *testing.T) {
	f, _ := New(Config{Rules: []Rule{
		{Match: regexp.MustCompile(`.*`), Target: "internal-only", SourcePattern: "10.0.%.%"},
	}})

	matching, _ := f.Factory("10.0.5.9:1").("u", "db")
	q1 := buffer.New([]byte("SELECT 1"), buffer.TypeStatement)
	out1, _ := matching.RouteQuery(q1)
	if len(out1.Hints()) != 1 {
		t.Fatal("expected hint for matching source pattern")
	}

	nonMatching, _ := f.Factory("192.168.1.1:1").("u", "db")
	q2 := buffer.New([]byte("SELECT 1"), buffer.TypeStatement)
	out2, _ := nonMatching.RouteQuery(q2)
	if len(out2.Hints()) != 0 {
		t.Fatal("expected no hint for non-matching source pattern")
	}
}

func TestNewRejectsTooManyRules(t *testing.T) {
	rules := make([]Rule, MaxRules+1)
	for i := range rules {
		rules[i] = Rule{Match: regexp.MustCompile(`.*`), Target: "t"}
	}
	if _, err := New(Config{Rules: rules}); err == nil {
		t.Fatal("expected error exceeding MaxRules")
	}
}

func TestDiagnosticsCountsDivertedAndSkipped(t *testing.T) {
	f, _ := New(Config{Rules: []Rule{
		{Match: regexp.MustCompile(`(?i)^SELECT`), Target: "replica"},
	}})
	sess, _ := f.Factory("10.0.0.1:1")("u", "db")

	_, _ = sess.RouteQuery(buffer.New([]byte("SELECT 1"), buffer.TypeStatement))
	_, _ = sess.RouteQuery(buffer.New([]byte("INSERT INTO t VALUES (1)"), buffer.TypeStatement))

	diag := sess.Diagnostics()
	if diag["diverted"] != "1" || diag["skipped"] != "1" {
		t.Fatalf("unexpected diagnostics: %+v", diag)
	}
}

func okPreparePacket(stmtID uint32) []byte {
	buf := make([]byte, 9)
	buf[0] = protocolstate.HeaderOK
	binary.LittleEndian.PutUint32(buf[1:5], stmtID)
	return buf
}

func TestStatementHintPersistsAcrossExecuteAndIsForgottenOnClose(t *testing.T) {
	f, _ := New(Config{Rules: []Rule{
		{Match: regexp.MustCompile(`(?i)^SELECT .* FROM reports`), Target: "reporting-replica"},
	}})
	sess, _ := f.Factory("10.0.0.5:1")("app", "app_db")

	prepare := append([]byte{byte(protocolstate.ComStmtPrepare)}, []byte("SELECT * FROM reports WHERE id=?")...)
	out, err := sess.RouteQuery(buffer.New(prepare, buffer.TypeStatement))
	if err != nil {
		t.Fatalf("RouteQuery(prepare): %v", err)
	}
	if len(out.Hints()) != 1 || out.Hints()[0].Target != "reporting-replica" {
		t.Fatalf("expected prepare to be routed by rule, got %+v", out.Hints())
	}

	const stmtID = 42
	if _, err := sess.ClientReply(buffer.New(okPreparePacket(stmtID), buffer.TypeRaw)); err != nil {
		t.Fatalf("ClientReply(ok-prepare): %v", err)
	}

	execute := make([]byte, 5)
	execute[0] = byte(protocolstate.ComStmtExecute)
	binary.LittleEndian.PutUint32(execute[1:5], stmtID)
	out2, err := sess.RouteQuery(buffer.New(execute, buffer.TypeStatement))
	if err != nil {
		t.Fatalf("RouteQuery(execute): %v", err)
	}
	if len(out2.Hints()) != 1 || out2.Hints()[0].Target != "reporting-replica" {
		t.Fatalf("expected execute to reuse prepare's target, got %+v", out2.Hints())
	}

	closeStmt := make([]byte, 5)
	closeStmt[0] = byte(protocolstate.ComStmtClose)
	binary.LittleEndian.PutUint32(closeStmt[1:5], stmtID)
	if _, err := sess.RouteQuery(buffer.New(closeStmt, buffer.TypeStatement)); err != nil {
		t.Fatalf("RouteQuery(close): %v", err)
	}

	out3, err := sess.RouteQuery(buffer.New(execute, buffer.TypeStatement))
	if err != nil {
		t.Fatalf("RouteQuery(execute after close): %v", err)
	}
	if len(out3.Hints()) != 0 {
		t.Fatalf("expected no hint after statement was closed, got %+v", out3.Hints())
	}
}
