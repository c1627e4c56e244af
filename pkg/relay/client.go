// Package relay implements the client side of the channel relay: it turns
// the broker's connectionless broadcast channel into a request/response
// abstraction with per-request timeouts, automatic reconnection, and channel
// re-affiliation after reconnect.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/relayhub/relayhub/pkg/model"
)

// Errors surfaced to callers of Join and Request.
var (
	ErrNotConnected     = errors.New("Not connected to relay")
	ErrTimeout          = errors.New("Request timed out")
	ErrConnectionClosed = errors.New("Connection closed")
)

// Default deadlines and reconnect pacing.
const (
	DefaultJoinTimeout      = 5 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultHeartbeatTimeout = 3 * time.Second
	DefaultReconnectDelay   = 2 * time.Second
	defaultMaxReconnectWait = 30 * time.Second
	handshakeTimeout        = 10 * time.Second
)

// Config configures a relay client.
type Config struct {
	// URL of the broker, e.g. ws://127.0.0.1:3055.
	URL string

	// AuthToken is the shared bearer token presented during the handshake.
	// Empty means no Authorization header is sent.
	AuthToken string

	// Channel is the target channel re-joined automatically after every
	// (re)connect. May be empty if callers always join explicitly.
	Channel string

	// Deadlines; zero values pick the defaults above.
	JoinTimeout      time.Duration
	RequestTimeout   time.Duration
	HeartbeatTimeout time.Duration

	// ReconnectDelay is the initial delay before a reconnect attempt; the
	// delay backs off exponentially up to MaxReconnectDelay.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// A Command is an opaque operation forwarded to the remote peer on a channel.
// The relay does not interpret Type or Params; mapping domain operations onto
// commands belongs to the caller.
type Command struct {
	Type   string
	Params map[string]interface{}
}

// commandBody is the cargo of a request envelope. The correlation ID is
// embedded here as well so the remote peer can echo it back in its reply.
type commandBody struct {
	ID      string                 `json:"id"`
	Command string                 `json:"command,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Status reports transport liveness and the current joined channel.
type Status struct {
	Connected bool   `json:"connected"`
	Channel   string `json:"channel,omitempty"`
}

// A Client owns a single connection to a channel broker and exposes the
// channel as a request/response transport. Create one with New, then call
// Start; the client keeps reconnecting until Close.
type Client struct {
	config Config
	log    *logrus.Logger

	mtx  sync.RWMutex // Protects sess
	sess *session

	shutdown chan struct{}
	once     sync.Once
}

// New creates a relay client. Zero config deadlines get the package defaults.
func New(config Config, log *logrus.Logger) *Client {
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = DefaultJoinTimeout
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultReconnectDelay
	}
	if config.MaxReconnectDelay <= 0 {
		config.MaxReconnectDelay = defaultMaxReconnectWait
	}
	return &Client{
		config:   config,
		log:      log,
		shutdown: make(chan struct{}),
	}
}

// Start launches the connection loop. It returns immediately; use Status or
// Heartbeat to observe liveness.
func (c *Client) Start() {
	go c.run()
}

// Close stops the connection loop and fails any pending requests.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.shutdown)
		if s := c.currentSession(); s != nil {
			s.close(ErrConnectionClosed)
		}
	})
	return nil
}

// Join ensures the client is a member of channel, sending a join request and
// waiting for the broker's confirmation. Joining the current channel is a
// no-op.
func (c *Client) Join(ctx context.Context, channel string) error {
	s := c.currentSession()
	if s == nil {
		return ErrNotConnected
	}
	return c.join(ctx, s, channel)
}

func (c *Client) join(ctx context.Context, s *session, channel string) error {
	if s.currentChannel() == channel {
		return nil
	}

	id := uuid.NewString()
	pr, err := s.register(id)
	if err != nil {
		return err
	}

	// Mark the channel joined before the confirmation arrives, so a
	// concurrent request for the same channel does not issue a duplicate
	// join. If the join is rejected or times out the marker is stale until
	// the caller retries or the connection is rebuilt; this race is kept
	// deliberately for the round trip it saves.
	s.markJoined(channel)

	err = s.send(model.Envelope{
		ID:      id,
		Type:    model.TypeJoin,
		Channel: channel,
	})
	if err != nil {
		s.take(id)
		return err
	}

	c.log.WithField("channel", channel).Debug("Joining channel")
	_, err = c.await(ctx, s, id, pr, c.config.JoinTimeout)
	return err
}

// Request sends cmd to the peers on channel and waits for the reply carrying
// the same correlation ID. A non-positive timeout picks the configured
// request timeout. The client joins channel first if it is not its current
// channel.
func (c *Client) Request(ctx context.Context, channel string, cmd Command, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.config.RequestTimeout
	}
	s := c.currentSession()
	if s == nil {
		return nil, ErrNotConnected
	}
	if s.currentChannel() != channel {
		if err := c.join(ctx, s, channel); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	params := make(map[string]interface{}, len(cmd.Params)+1)
	for k, v := range cmd.Params {
		params[k] = v
	}
	params["commandId"] = id
	cargo, err := model.Raw(commandBody{ID: id, Command: cmd.Type, Params: params})
	if err != nil {
		return nil, err
	}

	pr, err := s.register(id)
	if err != nil {
		return nil, err
	}
	err = s.send(model.Envelope{
		ID:      id,
		Type:    model.TypeMessage,
		Channel: channel,
		Message: cargo,
	})
	if err != nil {
		s.take(id)
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"channel": channel,
		"command": cmd.Type,
		"id":      id,
	}).Debug("Sent command to peer")
	return c.await(ctx, s, id, pr, timeout)
}

// Heartbeat reports whether a peer on channel answers a lightweight ping
// within a short deadline. Inactivity is a boolean result, not an error.
func (c *Client) Heartbeat(channel string) bool {
	_, err := c.Request(context.Background(), channel, Command{Type: "ping"}, c.config.HeartbeatTimeout)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"channel": channel,
			"error":   err,
		}).Debug("Peer not active on channel")
		return false
	}
	return true
}

// Status reports transport liveness and the current joined channel. It has
// no side effects.
func (c *Client) Status() Status {
	s := c.currentSession()
	if s == nil || s.isClosed() {
		return Status{}
	}
	return Status{
		Connected: true,
		Channel:   s.currentChannel(),
	}
}

// await blocks until the pending request resolves, the deadline elapses, or
// ctx is canceled. Resolution is a single take-and-clear on the session, so a
// timeout firing after a reply already resolved the request is a no-op.
func (c *Client) await(ctx context.Context, s *session, id string, pr *pendingRequest, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-pr.done:
		return o.result, o.err
	case <-timer.C:
		if s.take(id) != nil {
			return nil, ErrTimeout
		}
		// A reply or the closing connection won the race; its outcome is
		// already on the way.
		o := <-pr.done
		return o.result, o.err
	case <-ctx.Done():
		if s.take(id) != nil {
			return nil, ctx.Err()
		}
		o := <-pr.done
		return o.result, o.err
	}
}

// run is the connection loop: dial, pump, tear down, back off, repeat.
func (c *Client) run() {
	b := &backoff.Backoff{
		Min:    c.config.ReconnectDelay,
		Max:    c.config.MaxReconnectDelay,
		Factor: 2,
	}
	for {
		select {
		case <-c.shutdown:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			d := b.Duration()
			c.log.WithFields(logrus.Fields{
				"url":      c.config.URL,
				"error":    err,
				"retry_in": d,
			}).Warn("Cannot connect to relay")
			if !c.sleep(d) {
				return
			}
			continue
		}
		b.Reset()

		s := newSession(conn)
		c.setSession(s)
		c.log.WithField("url", c.config.URL).Info("Connected to relay")

		// Re-affiliate with the configured channel. This runs beside the
		// read loop, which must already be pumping to see the confirmation.
		if c.config.Channel != "" {
			go func() {
				if err := c.join(context.Background(), s, c.config.Channel); err != nil {
					c.log.WithFields(logrus.Fields{
						"channel": c.config.Channel,
						"error":   err,
					}).Warn("Cannot rejoin channel")
				}
			}()
		}

		c.readLoop(s)

		c.dropSession(s)
		s.close(ErrConnectionClosed)
		c.log.Info("Disconnected from relay")

		if !c.sleep(b.Duration()) {
			return
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	var header http.Header
	if c.config.AuthToken != "" {
		header = http.Header{"Authorization": {"Bearer " + c.config.AuthToken}}
	}
	conn, _, err := d.Dial(c.config.URL, header)
	return conn, errors.Wrap(err, "Dial relay")
}

// readLoop pumps frames off the session's transport until it fails.
func (c *Client) readLoop(s *session) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			c.log.WithField("error", err).Debug("Read loop ended")
			return
		}
		c.handleFrame(s, data)
	}
}

// handleFrame resolves the pending request a received envelope answers, if
// any. Envelopes with unknown or absent correlation IDs are ignored.
func (c *Client) handleFrame(s *session, data []byte) {
	env, err := model.Decode(data)
	if err != nil {
		c.log.WithField("error", err).Debug("Ignoring malformed frame")
		return
	}

	// The broker echoes our own broadcasts back to us, tagged as self-sent.
	// The echo carries our correlation ID, so it must not be mistaken for
	// the peer's reply.
	if env.Type == model.TypeBroadcast && env.Sender == model.SenderSelf {
		return
	}

	id := env.CorrelationID()
	if id == "" {
		return
	}
	pr := s.take(id)
	if pr == nil {
		c.log.WithField("id", id).Debug("Ignoring reply with no pending request")
		return
	}

	if env.Error != "" {
		pr.done <- outcome{err: errors.New(env.Error)}
		return
	}
	var reply model.Reply
	if err := json.Unmarshal(env.Message, &reply); err == nil {
		if reply.Error != "" {
			pr.done <- outcome{err: errors.New(reply.Error)}
			return
		}
		if len(reply.Result) > 0 {
			pr.done <- outcome{result: reply.Result}
			return
		}
	}
	pr.done <- outcome{result: env.Message}
}

// sleep waits for d, returning false if the client shuts down first.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.shutdown:
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) currentSession() *session {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.sess
}

func (c *Client) setSession(s *session) {
	c.mtx.Lock()
	c.sess = s
	c.mtx.Unlock()
}

// dropSession clears the current session only if it is still s, so a newer
// generation is never knocked out by an older loop iteration.
func (c *Client) dropSession(s *session) {
	c.mtx.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mtx.Unlock()
}
