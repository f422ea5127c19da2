package s3load

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/dbbouncer/mdbproxy/internal/buffer"
)

type fakeS3 struct {
	objects map[string]string // "bucket/key" -> content
}

func (f *fakeS3) GetObject(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	content, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

type fakeBackend struct {
	mu      sync.Mutex
	written []byte
}

func (b *fakeBackend) EnqueueWrite(chain *buffer.Chain) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.written = append(b.written, chain.Bytes()...)
}
func (b *fakeBackend) Congested() bool    { return false }
func (b *fakeBackend) Flush() (int, error) { return 0, nil }

func TestRouteQueryRewritesS3URL(t *testing.T) {
	f := New(Config{Client: &fakeS3{}})
	sess, _ := f.Factory(&fakeBackend{})("app", "db")

	q := buffer.New([]byte("LOAD DATA INFILE 's3://my-bucket/path/to/file.csv' INTO TABLE t"), buffer.TypeStatement)
	out, err := sess.RouteQuery(q)
	if err != nil {
		t.Fatalf("RouteQuery: %v", err)
	}
	if !strings.Contains(string(out.Bytes()), DummyPath) {
		t.Fatalf("expected rewritten statement to contain dummy path, got %q", out.Bytes())
	}
}

func TestRouteQueryLeavesNonS3StatementsUntouched(t *testing.T) {
	f := New(Config{Client: &fakeS3{}})
	sess, _ := f.Factory(&fakeBackend{})("app", "db")

	q := buffer.New([]byte("SELECT 1"), buffer.TypeStatement)
	out, err := sess.RouteQuery(q)
	if err != nil {
		t.Fatalf("RouteQuery: %v", err)
	}
	if string(out.Bytes()) != "SELECT 1" {
		t.Fatalf("expected untouched statement, got %q", out.Bytes())
	}
}

func TestClientReplyStreamsObjectOnDummyLocalInfile(t *testing.T) {
	f := New(Config{Client: &fakeS3{objects: map[string]string{"my-bucket/file.csv": "a,b,c\n1,2,3\n"}}})
	backend := &fakeBackend{}
	sess, _ := f.Factory(backend)("app", "db")

	q := buffer.New([]byte("LOAD DATA INFILE 's3://my-bucket/file.csv' INTO TABLE t"), buffer.TypeStatement)
	if _, err := sess.RouteQuery(q); err != nil {
		t.Fatalf("RouteQuery: %v", err)
	}

	localInfileReq := buffer.New(append([]byte{0xfb}, []byte(DummyPath)...), buffer.TypeRaw)
	out, err := sess.ClientReply(localInfileReq)
	if err != nil {
		t.Fatalf("ClientReply: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected the LOCAL_INFILE request swallowed, got %d bytes", out.Len())
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if !strings.Contains(string(backend.written), "a,b,c") {
		t.Fatalf("expected object content streamed to backend, got %q", backend.written)
	}
}

func TestClientReplyPassesThroughUnrelatedReplies(t *testing.T) {
	f := New(Config{Client: &fakeS3{}})
	sess, _ := f.Factory(&fakeBackend{})("app", "db")

	ok := buffer.New([]byte{0x00, 0x00, 0x00}, buffer.TypeRaw)
	out, err := sess.ClientReply(ok)
	if err != nil {
		t.Fatalf("ClientReply: %v", err)
	}
	if out != ok {
		t.Fatal("expected unrelated reply passed through unchanged")
	}
}
