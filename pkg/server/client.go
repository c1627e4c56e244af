// Copyright © 2025 RelayHub authors
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/relayhub/relayhub/pkg/broker"
	"github.com/relayhub/relayhub/pkg/model"
)

const (
	sendBuffSize = 16 // Buffer size of channel for sending envelopes to clients
	writeWait    = 10 * time.Second
)

// A client pipes envelopes between one WebSocket connection and the broker.
// It implements broker.Conn.
type client struct {
	conn *websocket.Conn
	send chan model.Envelope
	done chan struct{} // Closed when the client is finished
	once sync.Once
	log  *logrus.Entry
}

func newClient(conn *websocket.Conn, log *logrus.Entry) *client {
	return &client{
		conn: conn,
		send: make(chan model.Envelope, sendBuffSize),
		done: make(chan struct{}),
		log:  log,
	}
}

// Send queues an envelope for delivery to the peer. It never blocks: if the
// peer's buffer is full or the connection is finished, the envelope is
// dropped and an error returned so the broker can skip this member.
func (c *client) Send(env model.Envelope) error {
	select {
	case <-c.done:
		return errors.New("Client is closed")
	default:
	}

	select {
	case c.send <- env:
		return nil
	default:
		return errors.New("Client send buffer is full")
	}
}

// Open reports whether the peer can still take traffic.
func (c *client) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// stop marks the client finished. Idempotent.
func (c *client) stop() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump reads frames from the connection and hands them to the broker.
// It returns when the connection ends, after the broker has been told to
// forget this member.
func (c *client) readPump(hub *broker.Broker) {
	defer func() {
		c.stop()
		hub.HandleClose(c)
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithField("error", err).Debug("Read error")
			}
			return
		}
		hub.HandleFrame(c, data)
	}
}

// writePump serializes queued envelopes onto the connection, and pings the
// peer every pingPeriod if one is configured.
func (c *client) writePump(pingPeriod time.Duration) {
	var pings <-chan time.Time
	if pingPeriod > 0 {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		pings = ticker.C
	}
	defer c.stop()

	for {
		select {
		case env := <-c.send:
			data, err := env.Encode()
			if err != nil {
				c.log.WithField("error", err).Error("Error serializing envelope")
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.WithField("error", err).Debug("Write error")
				return
			}
		case <-pings:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
