package server

import (
	"net"
	"sync"
)

// SafeConn wraps a net.Conn with write synchronization so a broadcast from
// another goroutine and a direct reply from the session's own read loop can
// never interleave bytes on the wire. Reads are not guarded: only the
// session's read loop reads.
type SafeConn struct {
	net.Conn
	writeMu sync.Mutex
}

// NewSafeConn wraps conn with write synchronization.
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{Conn: conn}
}

// WriteLine writes one complete protocol line atomically with respect to
// other WriteLine calls on the same connection.
func (c *SafeConn) WriteLine(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, err := c.Conn.Write(data)
	return err
}
