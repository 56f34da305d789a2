package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// initTestLoggers silences package-level loggers during tests
func initTestLoggers() {
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
}

// mockAddr implements net.Addr for testing
type mockAddr struct{}

func (m *mockAddr) Network() string { return "tcp" }
func (m *mockAddr) String() string  { return "127.0.0.1:12345" }

// mockConn implements net.Conn for testing. Reads serve the preloaded input
// and then EOF; writes are captured for inspection.
type mockConn struct {
	readBuf    bytes.Buffer
	mu         sync.Mutex
	writeBuf   bytes.Buffer
	closed     bool
	failWrites bool
}

func newMockConn(input ...string) *mockConn {
	c := &mockConn{}
	for _, line := range input {
		c.readBuf.WriteString(line)
	}
	return c
}

func (c *mockConn) Read(b []byte) (int, error) {
	return c.readBuf.Read(b)
}

func (c *mockConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, net.ErrClosed
	}
	if c.failWrites {
		return 0, errors.New("write failed")
	}
	return c.writeBuf.Write(b)
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) LocalAddr() net.Addr                { return &mockAddr{} }
func (c *mockConn) RemoteAddr() net.Addr               { return &mockAddr{} }
func (c *mockConn) SetDeadline(t time.Time) error      { return nil }
func (c *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *mockConn) SetWriteDeadline(t time.Time) error { return nil }

// events parses every line written so far
func (c *mockConn) events(t *testing.T) []map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	data := append([]byte(nil), c.writeBuf.Bytes()...)
	c.mu.Unlock()

	var events []map[string]interface{}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &ev), "bad event line: %s", line)
		events = append(events, ev)
	}
	return events
}

// lastEvent returns the most recently written event
func (c *mockConn) lastEvent(t *testing.T) map[string]interface{} {
	t.Helper()
	events := c.events(t)
	require.NotEmpty(t, events, "no events written")
	return events[len(events)-1]
}

// reset discards captured writes
func (c *mockConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeBuf.Reset()
}
