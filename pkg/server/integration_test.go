package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/relaychat/pkg/protocol"
)

// startIntegrationServer starts a real server on an ephemeral port
func startIntegrationServer(t *testing.T) *Server {
	t.Helper()
	initTestLoggers()

	tmpDir := t.TempDir()
	cfg := DefaultServerConfig()
	cfg.TCPPort = 0
	cfg.HTTPPort = 0 // no HTTP side server in tests
	cfg.CodeRotationSeconds = 0
	cfg.UsersPath = filepath.Join(tmpDir, "users.json")
	cfg.HistoryPath = filepath.Join(tmpDir, "history.db")

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// testClient is a raw NDJSON client over TCP
type testClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func dialTestServer(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) send(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (c *testClient) recv(t *testing.T) map[string]interface{} {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := protocol.ReadLine(c.reader)
	require.NoError(t, err)

	var ev map[string]interface{}
	require.NoError(t, json.Unmarshal(line, &ev))
	return ev
}

// expectSilence asserts that nothing arrives within the window
func (c *testClient) expectSilence(t *testing.T, window time.Duration) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(window)))
	_, err := protocol.ReadLine(c.reader)
	require.Error(t, err)
	netErr, ok := err.(net.Error)
	require.True(t, ok, "expected a timeout, got %v", err)
	assert.True(t, netErr.Timeout())
}

func (c *testClient) registerAndLogin(t *testing.T, username string) {
	t.Helper()
	c.send(t, fmt.Sprintf(`{"type":"register","username":%q,"password":"pw"}`, username))
	ev := c.recv(t)
	require.Equal(t, "register_ok", ev["type"], "register failed: %v", ev)

	c.send(t, fmt.Sprintf(`{"type":"login","username":%q,"password":"pw"}`, username))
	ev = c.recv(t)
	require.Equal(t, "login_ok", ev["type"], "login failed: %v", ev)
}

func TestIntegrationChatBroadcast(t *testing.T) {
	srv := startIntegrationServer(t)

	alice := dialTestServer(t, srv)
	bob := dialTestServer(t, srv)
	alice.registerAndLogin(t, "alice")
	bob.registerAndLogin(t, "bob")

	alice.send(t, `{"type":"chat","message":"hello from alice"}`)

	// Both viewers, sender included, see the same authoritative event
	for _, client := range []*testClient{alice, bob} {
		ev := client.recv(t)
		assert.Equal(t, "chat", ev["type"])
		assert.Equal(t, "alice", ev["from"])
		assert.Equal(t, "hello from alice", ev["message"])
	}

	// A later arrival sees no backlog
	carol := dialTestServer(t, srv)
	carol.registerAndLogin(t, "carol")
	carol.expectSilence(t, 200*time.Millisecond)
}

func TestIntegrationPipelinedCommands(t *testing.T) {
	srv := startIntegrationServer(t)
	client := dialTestServer(t, srv)

	// Several complete lines in a single write must all be dispatched
	batch := `{"type":"register","username":"alice","password":"pw"}` + "\n" +
		`{"type":"login","username":"alice","password":"pw"}` + "\n" +
		`{"type":"ping"}` + "\n"
	_, err := client.conn.Write([]byte(batch))
	require.NoError(t, err)

	assert.Equal(t, "register_ok", client.recv(t)["type"])
	assert.Equal(t, "login_ok", client.recv(t)["type"])
	assert.Equal(t, "pong", client.recv(t)["type"])
}

func TestIntegrationQueryOnlineFlipsOnDisconnect(t *testing.T) {
	srv := startIntegrationServer(t)

	alice := dialTestServer(t, srv)
	bob := dialTestServer(t, srv)
	alice.registerAndLogin(t, "alice")
	bob.registerAndLogin(t, "bob")

	bob.send(t, `{"type":"query_online","user":"alice"}`)
	ev := bob.recv(t)
	require.Equal(t, "online_status", ev["type"])
	assert.Equal(t, true, ev["online"])

	alice.conn.Close()

	// Teardown is asynchronous: poll until presence flips
	deadline := time.Now().Add(2 * time.Second)
	for {
		bob.send(t, `{"type":"query_online","user":"alice"}`)
		ev = bob.recv(t)
		if ev["online"] == false {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("alice still reported online after disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestIntegrationUnauthenticatedGating(t *testing.T) {
	srv := startIntegrationServer(t)
	client := dialTestServer(t, srv)

	client.send(t, `{"type":"ping"}`)
	assert.Equal(t, "pong", client.recv(t)["type"])

	client.send(t, `{"type":"chat","message":"hi"}`)
	ev := client.recv(t)
	assert.Equal(t, "error", ev["type"])
	assert.Equal(t, "Please login first.", ev["message"])

	// A bad command never tears the connection down
	client.send(t, "}}}")
	assert.Equal(t, "Invalid JSON", client.recv(t)["message"])

	client.send(t, `{"type":"ping"}`)
	assert.Equal(t, "pong", client.recv(t)["type"])
}

func TestIntegrationContactLinking(t *testing.T) {
	srv := startIntegrationServer(t)

	alice := dialTestServer(t, srv)
	bob := dialTestServer(t, srv)
	alice.registerAndLogin(t, "alice")
	bob.registerAndLogin(t, "bob")

	alice.send(t, `{"type":"get_code"}`)
	ev := alice.recv(t)
	require.Equal(t, "your_code", ev["type"])
	code := ev["code"].(string)
	require.Len(t, code, 6)
	assert.InDelta(t, 60, ev["ttl"], 1)

	bob.send(t, fmt.Sprintf(`{"type":"add_contact","code":%q}`, code))
	ev = bob.recv(t)
	require.Equal(t, "add_contact_ok", ev["type"])
	assert.Equal(t, "alice", ev["contact"])

	bob.send(t, `{"type":"list_contacts"}`)
	ev = bob.recv(t)
	require.Equal(t, "list_contacts_ok", ev["type"])
	contacts := ev["contacts"].([]interface{})
	require.Len(t, contacts, 1)
	entry := contacts[0].(map[string]interface{})
	assert.Equal(t, "alice", entry["username"])
	assert.Equal(t, true, entry["online"])
}

func TestWebSocketTransport(t *testing.T) {
	srv := startIntegrationServer(t)

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	send := func(line string) {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(line+"\n")))
	}
	recv := func() map[string]interface{} {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	}

	send(`{"type":"register","username":"wanda","password":"pw"}`)
	assert.Equal(t, "register_ok", recv()["type"])

	send(`{"type":"login","username":"wanda","password":"pw"}`)
	assert.Equal(t, "login_ok", recv()["type"])

	// A TCP peer's broadcast reaches the WebSocket session and vice versa
	tcpPeer := dialTestServer(t, srv)
	tcpPeer.registerAndLogin(t, "tcp-peer")

	send(`{"type":"chat","message":"over websocket"}`)
	ev := recv()
	assert.Equal(t, "chat", ev["type"])
	assert.Equal(t, "wanda", ev["from"])

	ev = tcpPeer.recv(t)
	assert.Equal(t, "chat", ev["type"])
	assert.Equal(t, "over websocket", ev["message"])
}
