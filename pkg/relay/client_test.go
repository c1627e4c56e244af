package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhub/relayhub/pkg/model"
	"github.com/relayhub/relayhub/pkg/server"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}

func newTestHub(t *testing.T) (*server.Server, *httptest.Server, string) {
	t.Helper()
	srv := &server.Server{Log: testLogger()}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newTestClient(t *testing.T, wsURL, channel string) *Client {
	t.Helper()
	c := New(Config{
		URL:              wsURL,
		Channel:          channel,
		JoinTimeout:      2 * time.Second,
		RequestTimeout:   2 * time.Second,
		HeartbeatTimeout: 300 * time.Millisecond,
		ReconnectDelay:   50 * time.Millisecond,
	}, testLogger())
	c.Start()
	t.Cleanup(func() { c.Close() })
	return c
}

func waitConnected(t *testing.T, c *Client, channel string) {
	t.Helper()
	require.Eventually(t, func() bool {
		status := c.Status()
		return status.Connected && status.Channel == channel
	}, 5*time.Second, 10*time.Millisecond)
}

// startPeer joins channel over a raw connection and answers every relayed
// command with respond. A nil respond makes the peer silent.
func startPeer(t *testing.T, wsURL, channel string, respond func(cmd commandBody) (interface{}, string)) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	writePeer(t, conn, model.Envelope{Type: model.TypeJoin, Channel: channel})

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := model.Decode(data)
			if err != nil || env.Type != model.TypeBroadcast || env.Sender == model.SenderSelf {
				continue
			}
			var cmd commandBody
			if json.Unmarshal(env.Message, &cmd) != nil || cmd.ID == "" || respond == nil {
				continue
			}

			reply := model.Reply{ID: cmd.ID}
			result, errMsg := respond(cmd)
			if errMsg != "" {
				reply.Error = errMsg
			} else {
				raw, err := json.Marshal(result)
				if err != nil {
					continue
				}
				reply.Result = raw
			}
			cargo, err := model.Raw(reply)
			if err != nil {
				continue
			}
			out, err := model.Envelope{Type: model.TypeMessage, Channel: channel, Message: cargo}.Encode()
			if err != nil {
				continue
			}
			conn.WriteMessage(websocket.TextMessage, out)
		}
	}()
}

func writePeer(t *testing.T, conn *websocket.Conn, env model.Envelope) {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestRequestResolvesWithPeerReply(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	startPeer(t, wsURL, "room", func(cmd commandBody) (interface{}, string) {
		return map[string]interface{}{"echoed": cmd.Command}, ""
	})

	c := newTestClient(t, wsURL, "room")
	waitConnected(t, c, "room")

	result, err := c.Request(context.Background(), "room", Command{Type: "get_thing"}, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echoed":"get_thing"}`, string(result))
}

func TestRequestEmbedsCorrelationID(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	gotCh := make(chan commandBody, 1)
	startPeer(t, wsURL, "room", func(cmd commandBody) (interface{}, string) {
		gotCh <- cmd
		return "ok", ""
	})

	c := newTestClient(t, wsURL, "room")
	waitConnected(t, c, "room")

	_, err := c.Request(context.Background(), "room", Command{
		Type:   "set_fill",
		Params: map[string]interface{}{"node": "n1"},
	}, 0)
	require.NoError(t, err)
	got := <-gotCh
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "set_fill", got.Command)
	assert.Equal(t, "n1", got.Params["node"])
	// The ID is embedded in the params as well, so the peer can echo it back.
	assert.Equal(t, got.ID, got.Params["commandId"])
}

func TestRequestFailsWithPeerError(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	startPeer(t, wsURL, "room", func(cmd commandBody) (interface{}, string) {
		return nil, "node not found"
	})

	c := newTestClient(t, wsURL, "room")
	waitConnected(t, c, "room")

	_, err := c.Request(context.Background(), "room", Command{Type: "get_thing"}, 0)
	require.Error(t, err)
	assert.Equal(t, "node not found", err.Error())
}

func TestRequestTimesOut(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	startPeer(t, wsURL, "room", nil) // Peer joins but never answers.

	c := newTestClient(t, wsURL, "room")
	waitConnected(t, c, "room")

	_, err := c.Request(context.Background(), "room", Command{Type: "get_thing"}, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))

	// The pending table no longer holds the request.
	s := c.currentSession()
	require.NotNil(t, s)
	s.mtx.Lock()
	assert.Empty(t, s.pending)
	s.mtx.Unlock()
}

func TestNotConnected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:0"}, testLogger())
	// Never started, so there is no transport at all.
	_, err := c.Request(context.Background(), "room", Command{Type: "ping"}, 0)
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.True(t, errors.Is(c.Join(context.Background(), "room"), ErrNotConnected))
	assert.Equal(t, Status{}, c.Status())
}

// severConnection drops the client's transport out from under it. httptest's
// CloseClientConnections cannot do this: it only closes tracked connections,
// and hijacked (WebSocket) connections are removed from tracking.
func severConnection(t *testing.T, c *Client) {
	t.Helper()
	s := c.currentSession()
	require.NotNil(t, s)
	require.NoError(t, s.conn.UnderlyingConn().Close())
}

func TestConnectionLossFailsAllPending(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	startPeer(t, wsURL, "room", nil)

	c := newTestClient(t, wsURL, "room")
	waitConnected(t, c, "room")

	const n = 4
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Request(context.Background(), "room", Command{Type: "get_thing"}, 10*time.Second)
			errs <- err
		}()
	}

	// Wait for every request to be registered before dropping connections.
	require.Eventually(t, func() bool {
		s := c.currentSession()
		if s == nil {
			return false
		}
		s.mtx.Lock()
		defer s.mtx.Unlock()
		return len(s.pending) == n
	}, 5*time.Second, 10*time.Millisecond)

	severConnection(t, c)

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			assert.True(t, errors.Is(err, ErrConnectionClosed), "got %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("pending request was not failed on connection loss")
		}
	}
}

func TestReconnectsAndRejoins(t *testing.T) {
	srv, _, wsURL := newTestHub(t)

	c := newTestClient(t, wsURL, "room")
	waitConnected(t, c, "room")

	severConnection(t, c)
	require.Eventually(t, func() bool {
		return !c.Status().Connected
	}, 5*time.Second, 10*time.Millisecond)

	// The client comes back on its own and re-affiliates with its channel.
	waitConnected(t, c, "room")
	require.Eventually(t, func() bool {
		return srv.Hub.Stats().NumMembers == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHeartbeat(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	startPeer(t, wsURL, "room", func(cmd commandBody) (interface{}, string) {
		if cmd.Command == "ping" {
			return "pong", ""
		}
		return nil, "unknown command"
	})

	c := newTestClient(t, wsURL, "room")
	waitConnected(t, c, "room")

	assert.True(t, c.Heartbeat("room"))
	// No peer lives on this channel; the timeout comes back as inactivity,
	// not an error.
	assert.False(t, c.Heartbeat("empty-room"))
}

func TestJoinIsNoOpWhenAlreadyJoined(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	c := newTestClient(t, wsURL, "room")
	waitConnected(t, c, "room")

	require.NoError(t, c.Join(context.Background(), "room"))
	assert.Equal(t, "room", c.Status().Channel)
}

func TestCloseFailsPendingAndStops(t *testing.T) {
	_, _, wsURL := newTestHub(t)
	startPeer(t, wsURL, "room", nil)

	c := newTestClient(t, wsURL, "room")
	waitConnected(t, c, "room")

	errs := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "room", Command{Type: "get_thing"}, 10*time.Second)
		errs <- err
	}()
	require.Eventually(t, func() bool {
		s := c.currentSession()
		if s == nil {
			return false
		}
		s.mtx.Lock()
		defer s.mtx.Unlock()
		return len(s.pending) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	assert.True(t, errors.Is(<-errs, ErrConnectionClosed))

	// Closed for good: no reconnect happens.
	time.Sleep(200 * time.Millisecond)
	assert.False(t, c.Status().Connected)
}
