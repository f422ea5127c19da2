// Package s3load implements the S3 bulk-load LOAD DATA filter of spec.md
// §5: it recognizes `LOAD DATA INFILE 's3://bucket/key' ...` statements,
// rewrites them to a dummy LOCAL INFILE path so the backend emits a
// LOCAL_INFILE request, then fetches the object from S3 in the
// background and streams it to the backend as the LOCAL_INFILE payload
// instead of reading a real file off the proxy's disk.
//
// Grounded on gravitational-teleport's go.mod, which carries
// github.com/aws/aws-sdk-go-v2/service/s3 as a direct dependency — the
// only repo in the pack with a real AWS SDK v2 S3 client wired in.
package s3load

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dbbouncer/mdbproxy/internal/buffer"
	"github.com/dbbouncer/mdbproxy/internal/filter"
)

// DummyPath is the placeholder LOCAL INFILE filename substituted for the
// s3:// URL; the backend will echo it back verbatim in its LOCAL_INFILE
// request, which is how a session recognizes "this 0xFB came from an
// s3load rewrite" rather than a genuine client-local file request.
const DummyPath = "s3load://pending"

var s3URLPattern = regexp.MustCompile(`(?is)LOAD\s+DATA\s+INFILE\s+'s3://([^/']+)/([^']+)'`)

// S3API is the subset of the S3 client this filter calls, so tests can
// supply a fake without standing up real AWS credentials.
type S3API interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// sdkClient adapts *s3.Client to S3API.
type sdkClient struct{ c *s3.Client }

func (s sdkClient) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.c.GetObject(ctx, &s3GetObjectInput{Bucket: bucket, Key: key}.toSDK())
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// s3GetObjectInput avoids importing the SDK's input type name directly in
// the adapter signature above, keeping the conversion in one place.
type s3GetObjectInput struct {
	Bucket string
	Key    string
}

func (i s3GetObjectInput) toSDK() *s3.GetObjectInput {
	return &s3.GetObjectInput{Bucket: &i.Bucket, Key: &i.Key}
}

// NewSDKClient wraps a configured *s3.Client for use as S3API.
func NewSDKClient(c *s3.Client) S3API { return sdkClient{c: c} }

// BackendWriter is the subset of connection.Connection this filter needs
// to stream fetched bytes directly to the backend leg, bypassing the
// normal client-to-backend query path.
type BackendWriter interface {
	EnqueueWrite(chain *buffer.Chain)
	Congested() bool
	Flush() (int, error)
}

// ChunkSize bounds how much of an S3 object is packaged per LOCAL_INFILE
// data packet.
const ChunkSize = 16 << 10

// FlowControlPoll is how often the background fetch goroutine rechecks
// backend congestion before writing the next chunk.
const FlowControlPoll = 5 * time.Millisecond

// Config configures the filter.
type Config struct {
	Client S3API
	// Region/credential overrides may be supplied per session via SQL
	// session variables; SessionVarOverrides names the ones this filter
	// recognizes (e.g. "s3load_role_arn"). Left as documentation here
	// since actual STS assumption is the out-of-scope external
	// credential-provider collaborator.
}

// Filter holds the shared S3 client used by every session it creates.
type Filter struct {
	client S3API
}

func New(cfg Config) *Filter {
	return &Filter{client: cfg.Client}
}

// Factory returns a filter.Factory bound to the backend connection this
// session will eventually stream fetched objects into. The backend
// connection is not known until the router resolves a target, so callers
// typically defer Factory construction until after routing — see
// session.Session for the wiring.
func (f *Filter) Factory(backend BackendWriter) filter.Factory {
	return func(username, database string) (filter.Session, error) {
		return &session{filter: f, backend: backend}, nil
	}
}

type session struct {
	filter  *Filter
	backend BackendWriter

	mu       sync.Mutex
	pending  *pendingLoad
	bytesSent uint64
	loads     uint64
}

type pendingLoad struct {
	bucket, key string
}

func (s *session) Name() string { return "s3load" }

func (s *session) RouteQuery(q *buffer.Chain) (*buffer.Chain, error) {
	if q.Tag() != buffer.TypeStatement {
		return q, nil
	}
	text := q.Bytes()
	m := s3URLPattern.FindSubmatch(text)
	if m == nil {
		return q, nil
	}
	bucket, key := string(m[1]), string(m[2])

	rewritten := s3URLPattern.ReplaceAll(text, []byte(fmt.Sprintf("LOAD DATA LOCAL INFILE '%s'", DummyPath)))

	s.mu.Lock()
	s.pending = &pendingLoad{bucket: bucket, key: key}
	s.mu.Unlock()

	out := buffer.New(rewritten, buffer.TypeStatement)
	return out, nil
}

// ClientReply intercepts a backend's LOCAL_INFILE request naming the
// dummy path and answers it directly against the backend connection,
// never surfacing it to the client. Any other reply passes through.
func (s *session) ClientReply(reply *buffer.Chain) (*buffer.Chain, error) {
	if reply.Len() == 0 || reply.Bytes()[0] != 0xfb {
		return reply, nil
	}
	name := string(reply.Bytes()[1:])
	if name != DummyPath {
		return reply, nil
	}

	s.mu.Lock()
	load := s.pending
	s.pending = nil
	s.mu.Unlock()
	if load == nil {
		return reply, nil
	}

	if err := s.stream(context.Background(), load); err != nil {
		return nil, fmt.Errorf("s3load: streaming %s/%s: %w", load.bucket, load.key, err)
	}
	// Swallow the LOCAL_INFILE request; the caller's reply pipeline
	// should wait for the backend's subsequent OK/ERR instead.
	return buffer.Empty(), nil
}

func (s *session) stream(ctx context.Context, load *pendingLoad) error {
	body, err := s.filter.client.GetObject(ctx, load.bucket, load.key)
	if err != nil {
		return err
	}
	defer body.Close()

	seq := byte(0)
	buf := make([]byte, ChunkSize)
	for {
		for s.backend.Congested() {
			time.Sleep(FlowControlPoll)
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			s.writeChunk(buf[:n], seq)
			seq++
			s.mu.Lock()
			s.bytesSent += uint64(n)
			s.mu.Unlock()
			if _, ferr := s.backend.Flush(); ferr != nil {
				return ferr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	// Terminating empty packet, per the LOCAL_INFILE data-transfer
	// protocol.
	s.writeChunk(nil, seq)
	_, err = s.backend.Flush()
	s.mu.Lock()
	s.loads++
	s.mu.Unlock()
	return err
}

func (s *session) writeChunk(data []byte, seq byte) {
	hdr := make([]byte, 4)
	hdr[0] = byte(len(data))
	hdr[1] = byte(len(data) >> 8)
	hdr[2] = byte(len(data) >> 16)
	hdr[3] = seq
	var wire bytes.Buffer
	wire.Write(hdr)
	wire.Write(data)
	s.backend.EnqueueWrite(buffer.New(wire.Bytes(), buffer.TypeRaw))
}

func (s *session) Diagnostics() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]string{
		"loads":      fmt.Sprintf("%d", s.loads),
		"bytes_sent": fmt.Sprintf("%d", s.bytesSent),
	}
}

func (s *session) Close() {}
