// Package connection implements the Connection data model of spec.md §4:
// a socket plus its read/write buffer-chain queues, the worker it is
// pinned to, and pointers to its protocol state and owning session.
//
// Grounded on the mutex-guarded lifecycle fields in the teacher's
// internal/pool/conn.go (PooledConn), adapted from a returned-to-pool
// backend wrapper into a client/backend proxy-side connection with
// buffer-chain queues instead of a bare net.Conn passthrough.
package connection

import (
	"net"
	"sync"
	"time"

	"github.com/dbbouncer/mdbproxy/internal/buffer"
	"github.com/dbbouncer/mdbproxy/internal/workerpool"
)

// Side identifies which end of the proxy a Connection represents.
type Side int

const (
	SideClient Side = iota
	SideBackend
)

// State mirrors the lifecycle a raw socket goes through independent of the
// higher-level session state machine in package session.
type State int

const (
	StateOpen State = iota
	StateDraining
	StateClosed
)

// BackpressureThreshold is the default write-queue size, in bytes, above
// which Connection.Congested reports true so a caller can stop reading
// from the other side of the pipe until the peer drains.
const BackpressureThreshold = 1 << 20 // 1 MiB

// Connection wraps one socket with the buffer-chain queues and bookkeeping
// the proxy core needs. Every field access that can race with concurrent
// Write/Enqueue calls is protected by mu; reads of the net.Conn itself are
// safe for concurrent use per net.Conn's own contract.
type Connection struct {
	mu    sync.Mutex
	conn  net.Conn
	side  Side
	state State

	worker *workerpool.Worker

	readQueue  *buffer.Chain
	writeQueue *buffer.Chain

	backpressureThreshold int

	createdAt  time.Time
	lastActive time.Time
	bytesRead  uint64
	bytesWrote uint64

	// Protocol and Session are opaque to this package — set by the
	// protocolstate/session packages respectively, which own their own
	// types and avoid an import cycle back into connection.
	Protocol any
	Session  any
}

// New wraps conn for proxying, pinned to worker w.
func New(conn net.Conn, side Side, w *workerpool.Worker) *Connection {
	now := time.Now()
	return &Connection{
		conn:                  conn,
		side:                  side,
		state:                 StateOpen,
		worker:                w,
		readQueue:             buffer.Empty(),
		writeQueue:            buffer.Empty(),
		backpressureThreshold: BackpressureThreshold,
		createdAt:             now,
		lastActive:            now,
	}
}

// Conn returns the underlying net.Conn.
func (c *Connection) Conn() net.Conn { return c.conn }

// Side reports whether this is the client-facing or backend-facing leg.
func (c *Connection) Side() Side { return c.side }

// Worker returns the worker this connection is pinned to.
func (c *Connection) Worker() *workerpool.Worker { return c.worker }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState transitions the connection's lifecycle state.
func (c *Connection) SetState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// EnqueueRead appends freshly read bytes to the read queue and returns the
// queue so the caller can hand it to the packet framer.
func (c *Connection) EnqueueRead(data []byte) *buffer.Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readQueue.AppendBytes(data, buffer.TypeRaw)
	c.bytesRead += uint64(len(data))
	c.lastActive = time.Now()
	return c.readQueue
}

// ReadQueue returns the connection's read queue for direct manipulation
// (e.g. Consume after the framer extracts a packet). Callers must hold no
// assumptions about concurrent access from other goroutines; a Connection
// is only ever touched from the worker it is pinned to.
func (c *Connection) ReadQueue() *buffer.Chain { return c.readQueue }

// EnqueueWrite appends a chain to the write queue, to be flushed by the
// connection's owning worker.
func (c *Connection) EnqueueWrite(chain *buffer.Chain) {
	c.mu.Lock()
	c.writeQueue.Append(chain)
	c.mu.Unlock()
}

// WriteQueueLen reports the number of bytes currently queued for write.
func (c *Connection) WriteQueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeQueue.Len()
}

// Congested reports whether the write queue has grown past the
// backpressure threshold; callers should stop reading from the opposite
// leg until it drains, per spec.md §6 flow-control notes.
func (c *Connection) Congested() bool {
	return c.WriteQueueLen() >= c.backpressureThreshold
}

// SetBackpressureThreshold overrides the default 1 MiB threshold.
func (c *Connection) SetBackpressureThreshold(n int) {
	c.mu.Lock()
	c.backpressureThreshold = n
	c.mu.Unlock()
}

// Flush writes and drains as much of the write queue as the socket accepts
// in one call.
func (c *Connection) Flush() (int, error) {
	c.mu.Lock()
	chunk := c.writeQueue.Consume(c.writeQueue.Len())
	c.mu.Unlock()
	if chunk.Len() == 0 {
		return 0, nil
	}
	b := chunk.Bytes()
	n, err := c.conn.Write(b)
	c.mu.Lock()
	c.bytesWrote += uint64(n)
	c.lastActive = time.Now()
	c.mu.Unlock()
	if err != nil && n < len(b) {
		// Requeue the unwritten remainder at the front.
		remainder := buffer.New(append([]byte(nil), b[n:]...), buffer.TypeRaw)
		c.mu.Lock()
		remainder.Append(c.writeQueue)
		c.writeQueue = remainder
		c.mu.Unlock()
	}
	return n, err
}

// Stats is a snapshot of connection counters for metrics export.
type Stats struct {
	BytesRead    uint64
	BytesWritten uint64
	CreatedAt    time.Time
	LastActive   time.Time
}

func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		BytesRead:    c.bytesRead,
		BytesWritten: c.bytesWrote,
		CreatedAt:    c.createdAt,
		LastActive:   c.lastActive,
	}
}

// Close closes the underlying socket and marks the connection closed. It
// is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()
	return c.conn.Close()
}
