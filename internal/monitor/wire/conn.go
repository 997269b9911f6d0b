package wire

import (
	"bufio"
	"net"
	"sync"
)

// Conn wraps a net.Conn with the frame codec and a write mutex. Sends
// are serialised so that, within one connection, the broadcast
// following a state change is fully queued before any other send can
// interleave (spec §5 Ordering).
type Conn struct {
	nc     net.Conn
	r      *bufio.Reader
	wmu    sync.Mutex
	closed chan struct{}
	once   sync.Once
}

// NewConn wraps an established connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:     nc,
		r:      bufio.NewReader(nc),
		closed: make(chan struct{}),
	}
}

// Send encodes and writes one message, holding the write lock for the
// duration of the write.
func (c *Conn) Send(msg any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return Encode(c.nc, msg)
}

// Recv reads and decodes the next frame. Only one goroutine should
// call Recv on a given Conn.
func (c *Conn) Recv() (any, error) {
	return Decode(c.r)
}

// Close closes the underlying connection exactly once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

// Closed is signalled once Close has run.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// RemoteAddr reports the peer address, for logging.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }
