package server

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"legacychat/protocol"
	"legacychat/store"
)

// setupTestServer creates a server over a fresh in-memory store.
func setupTestServer(t *testing.T, mutate ...func(*ServerConfig)) *Server {
	t.Helper()
	config := &ServerConfig{Addr: "127.0.0.1:0"}
	for _, fn := range mutate {
		fn(config)
	}
	st := store.NewMemory(bcrypt.MinCost)
	srv := New(st, config)
	t.Cleanup(func() {
		srv.Shutdown()
		st.Close()
	})
	return srv
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

// pipeClient runs handleConnection on one end of a net.Pipe and returns
// the other end.
func pipeClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	go srv.handleConnection(serverConn)
	t.Cleanup(func() { clientConn.Close() })
	return &testClient{t: t, conn: clientConn, reader: bufio.NewReader(clientConn)}
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) sendRaw(line string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write([]byte(line))
	require.NoError(c.t, err)
}

func (c *testClient) readLine() (string, error) {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadString('\n')
	return strings.TrimSuffix(line, "\n"), err
}

func (c *testClient) readResponse() protocol.Response {
	c.t.Helper()
	line, err := c.readLine()
	require.NoError(c.t, err)
	var resp protocol.Response
	require.NoError(c.t, json.Unmarshal([]byte(line), &resp), "line %q", line)
	return resp
}

func (c *testClient) do(req map[string]any) protocol.Response {
	c.t.Helper()
	data, err := json.Marshal(req)
	require.NoError(c.t, err)
	c.sendRaw(string(data) + "\n")
	return c.readResponse()
}

func (c *testClient) mustSucceed(req map[string]any) protocol.Response {
	c.t.Helper()
	resp := c.do(req)
	require.Equal(c.t, protocol.StatusSuccess, resp.Status, "request %v: %s", req["action"], resp.Message)
	return resp
}

func signup(c *testClient, username, password string) {
	c.t.Helper()
	c.mustSucceed(map[string]any{"action": "signup", "username": username, "password": password})
}

func TestScenarioSignupLoginBuddy(t *testing.T) {
	srv := setupTestServer(t)
	c := pipeClient(t, srv)

	signup(c, "alice", "pw1")
	signup(c, "bob", "pw2")

	c.sendRaw(`{"action":"login","username":"alice","password":"pw1"}` + "\n")
	line, err := c.readLine()
	require.NoError(t, err)
	assert.Equal(t, `{"status":"success","message":"User logged in","buddies":[]}`, line)

	resp := c.do(map[string]any{"action": "add_buddy", "username": "alice", "buddy_username": "bob", "buddy_name": "Bobby"})
	assert.Equal(t, protocol.Success("Buddy added"), resp)

	resp = c.mustSucceed(map[string]any{"action": "login", "username": "alice", "password": "pw1"})
	assert.Equal(t, []string{"Bobby"}, resp.Buddies)
}

func TestDuplicateSignup(t *testing.T) {
	srv := setupTestServer(t)
	c := pipeClient(t, srv)

	signup(c, "alice", "pw1")
	resp := c.do(map[string]any{"action": "signup", "username": "alice", "password": "different"})
	assert.Equal(t, protocol.Failure("Username already exists"), resp)
}

func TestLoginFailures(t *testing.T) {
	srv := setupTestServer(t)
	c := pipeClient(t, srv)

	signup(c, "alice", "pw1")

	resp := c.do(map[string]any{"action": "login", "username": "alice", "password": "wrong"})
	assert.Equal(t, protocol.Failure("Incorrect password"), resp)

	resp = c.do(map[string]any{"action": "login", "username": "nobody", "password": "pw1"})
	assert.Equal(t, protocol.Failure("User does not exist"), resp)
}

func TestSendMessageBeforeRecipientLogsIn(t *testing.T) {
	srv := setupTestServer(t)
	c := pipeClient(t, srv)

	signup(c, "alice", "pw1")
	signup(c, "bob", "pw2")

	resp := c.do(map[string]any{"action": "send_message", "sender": "alice", "recipient": "bob", "message": "hi"})
	assert.Equal(t, protocol.Success("Message sent"), resp)

	c.sendRaw(`{"action":"get_messages","username":"bob"}` + "\n")
	line, err := c.readLine()
	require.NoError(t, err)
	assert.Equal(t, `{"status":"success","messages":[{"from":"alice","message":"hi"}]}`, line)

	c.sendRaw(`{"action":"get_messages","username":"bob"}` + "\n")
	line, err = c.readLine()
	require.NoError(t, err)
	assert.Equal(t, `{"status":"success","messages":[]}`, line)
}

func TestSendFile(t *testing.T) {
	srv := setupTestServer(t)
	c := pipeClient(t, srv)

	signup(c, "alice", "pw1")
	signup(c, "bob", "pw2")

	resp := c.do(map[string]any{
		"action":    "send_file",
		"sender":    "alice",
		"recipient": "bob",
		"filename":  "x.txt",
		"filedata":  base64.StdEncoding.EncodeToString([]byte("abc")),
	})
	assert.Equal(t, protocol.Success("File sent"), resp)

	resp = c.mustSucceed(map[string]any{"action": "get_messages", "username": "bob"})
	require.Len(t, resp.Messages, 1)
	msg := resp.Messages[0]
	assert.Equal(t, "alice", msg.From)
	assert.Equal(t, "file", msg.Type)
	assert.Equal(t, "x.txt", msg.Filename)

	data, err := base64.StdEncoding.DecodeString(msg.Filedata)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestUnknownActions(t *testing.T) {
	srv := setupTestServer(t)
	c := pipeClient(t, srv)

	for _, line := range []string{
		`{"action":"update_status","username":"alice","status":"away"}`,
		`{"action":"get_buddy_status","username":"alice"}`,
		`{"action":""}`,
		`{"username":"alice"}`,
		`{"action":42}`,
	} {
		c.sendRaw(line + "\n")
		assert.Equal(t, protocol.Failure("Unknown action"), c.readResponse(), line)
	}
}

func TestMalformedJSONKeepsConnection(t *testing.T) {
	srv := setupTestServer(t)
	c := pipeClient(t, srv)

	c.sendRaw("this is not json\n")
	assert.Equal(t, protocol.Failure("Invalid JSON"), c.readResponse())

	c.sendRaw("[1,2,3]\n")
	assert.Equal(t, protocol.Failure("Invalid JSON"), c.readResponse())

	signup(c, "alice", "pw1")
}

func TestPipelinedRequestsAnsweredInOrder(t *testing.T) {
	srv := setupTestServer(t)
	serverConn, clientConn := net.Pipe()
	go srv.handleConnection(serverConn)
	defer clientConn.Close()

	batch := `{"action":"signup","username":"alice","password":"pw1"}` + "\n" +
		`{"action":"signup","username":"alice","password":"pw1"}` + "\n" +
		`{"action":"login","username":"alice","password":"pw1"}` + "\n"

	// net.Pipe is unbuffered, so write from a goroutine while reading.
	go func() {
		clientConn.Write([]byte(batch[:17]))
		clientConn.Write([]byte(batch[17:]))
	}()

	c := &testClient{t: t, conn: clientConn, reader: bufio.NewReader(clientConn)}
	assert.Equal(t, protocol.Success("User signed up"), c.readResponse())
	assert.Equal(t, protocol.Failure("Username already exists"), c.readResponse())
	resp := c.readResponse()
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "User logged in", resp.Message)
}

func TestRequestTooLargeClosesConnection(t *testing.T) {
	srv := setupTestServer(t, func(cfg *ServerConfig) { cfg.MaxLineBytes = 64 })
	c := pipeClient(t, srv)

	go c.conn.Write([]byte(`{"action":"send_message","message":"` + strings.Repeat("x", 200) + `"}` + "\n"))
	assert.Equal(t, protocol.Failure("Request too large"), c.readResponse())

	_, err := c.readLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadTimeoutClosesIdleConnection(t *testing.T) {
	srv := setupTestServer(t, func(cfg *ServerConfig) { cfg.ReadTimeout = 50 * time.Millisecond })
	c := pipeClient(t, srv)

	signup(c, "alice", "pw1")

	_, err := c.readLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestClientDisconnectReleasesConnection(t *testing.T) {
	srv := setupTestServer(t)
	c := pipeClient(t, srv)

	signup(c, "alice", "pw1")
	assert.Equal(t, 1, srv.ActiveConnections())

	c.conn.Close()
	assert.Eventually(t, func() bool { return srv.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func startTCPServer(t *testing.T, mutate ...func(*ServerConfig)) (*Server, string) {
	t.Helper()
	srv := setupTestServer(t, mutate...)
	require.NoError(t, srv.Listen())

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()
	t.Cleanup(func() {
		srv.Shutdown()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
	})
	return srv, srv.Addr().String()
}

func TestListenFailsOnBoundAddress(t *testing.T) {
	_, addr := startTCPServer(t)

	other := New(store.NewMemory(bcrypt.MinCost), &ServerConfig{Addr: addr})
	assert.Error(t, other.Listen())
}

func TestServeBeforeListen(t *testing.T) {
	srv := setupTestServer(t)
	assert.Error(t, srv.Serve())
}

func TestConcurrentClientsOverTCP(t *testing.T) {
	_, addr := startTCPServer(t)

	admin := dialClient(t, addr)
	signup(admin, "bob", "pw")

	const senders = 10
	const perSender = 20

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()

			enc := json.NewEncoder(conn)
			dec := json.NewDecoder(bufio.NewReader(conn))
			sender := fmt.Sprintf("sender%d", i)
			for j := 0; j < perSender; j++ {
				req := map[string]any{"action": "send_message", "sender": sender, "recipient": "bob", "message": fmt.Sprint(j)}
				if err := enc.Encode(req); err != nil {
					t.Errorf("encode: %v", err)
					return
				}
				var resp protocol.Response
				if err := dec.Decode(&resp); err != nil {
					t.Errorf("decode: %v", err)
					return
				}
				if !resp.OK() {
					t.Errorf("send failed: %s", resp.Message)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	resp := admin.mustSucceed(map[string]any{"action": "get_messages", "username": "bob"})
	require.Len(t, resp.Messages, senders*perSender)

	next := make(map[string]int)
	for _, msg := range resp.Messages {
		assert.Equal(t, fmt.Sprint(next[msg.From]), msg.Message)
		next[msg.From]++
	}

	resp = admin.mustSucceed(map[string]any{"action": "get_messages", "username": "bob"})
	assert.Empty(t, resp.Messages)
}

func TestStalledConnectionDoesNotBlockOthers(t *testing.T) {
	_, addr := startTCPServer(t)

	stalled := dialClient(t, addr)
	stalled.sendRaw(`{"action":"signup","username":"half`)

	c := dialClient(t, addr)
	signup(c, "alice", "pw1")
}

func TestMaxConnections(t *testing.T) {
	_, addr := startTCPServer(t, func(cfg *ServerConfig) { cfg.MaxConnections = 1 })

	first := dialClient(t, addr)
	signup(first, "alice", "pw1")

	second := dialClient(t, addr)
	assert.Equal(t, protocol.Failure("Server is busy"), second.readResponse())

	first.conn.Close()
	assert.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return false
		}
		defer conn.Close()
		c := &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
		data, _ := json.Marshal(map[string]any{"action": "login", "username": "alice", "password": "pw1"})
		conn.Write(append(data, '\n'))
		line, err := c.readLine()
		return err == nil && strings.Contains(line, "User logged in")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestShutdownClosesConnections(t *testing.T) {
	srv, addr := startTCPServer(t)

	c := dialClient(t, addr)
	signup(c, "alice", "pw1")

	srv.Shutdown()

	_, err := c.readLine()
	assert.Error(t, err)

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestConnectionAcceptedAfterShutdownIsClosed(t *testing.T) {
	srv := setupTestServer(t)
	srv.Shutdown()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		srv.handleConnection(serverConn)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handleConnection kept serving after Shutdown")
	}

	clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := clientConn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, srv.ActiveConnections())
}

func TestGetStats(t *testing.T) {
	srv := setupTestServer(t)
	c := pipeClient(t, srv)

	signup(c, "alice", "pw1")
	signup(c, "bob", "pw2")
	c.mustSucceed(map[string]any{"action": "send_message", "sender": "alice", "recipient": "bob", "message": "hi"})

	assert.Equal(t, "connections=1,accounts=2,pending=1", srv.GetStats())
}

func TestMetricsHandler(t *testing.T) {
	srv := setupTestServer(t)
	c := pipeClient(t, srv)

	signup(c, "alice", "pw1")
	c.do(map[string]any{"action": "update_status"})
	c.sendRaw("{bad\n")
	c.readResponse()

	rec := httptest.NewRecorder()
	srv.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, `legacychat_requests_total{action="signup",status="success"} 1`)
	assert.Contains(t, body, `legacychat_requests_total{action="unknown",status="error"} 1`)
	assert.Contains(t, body, "legacychat_decode_errors_total 1")
	assert.Contains(t, body, "legacychat_accounts 1")
	assert.Contains(t, body, "legacychat_connections_active 1")
}

func controlCommand(t *testing.T, path, cmd string) string {
	t.Helper()
	var conn net.Conn
	require.Eventually(t, func() bool {
		var err error
		conn, err = net.Dial("unix", path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	_, err := conn.Write([]byte(cmd + "\n"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}

func TestControlSocket(t *testing.T) {
	srv := setupTestServer(t)
	path := filepath.Join(t.TempDir(), "ctl.sock")

	shutdown := make(chan struct{})
	served := make(chan error, 1)
	go func() {
		served <- srv.ServeControl(path, func() {
			srv.Shutdown()
			close(shutdown)
		})
	}()

	assert.Equal(t, "OK|connections=0,accounts=0,pending=0", controlCommand(t, path, "stats"))
	assert.Equal(t, "ERROR|Unknown command", controlCommand(t, path, "reboot"))
	assert.Equal(t, "OK|Shutting down", controlCommand(t, path, "shutdown"))

	select {
	case <-shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback not called")
	}
	assert.NoFileExists(t, path)
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeControl did not return")
	}
}
