// Package broker implements the channel broker: a hub that tracks which
// connections belong to which named channel, and fans envelopes out to
// channel members.
package broker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relayhub/relayhub/pkg/model"
)

// A Conn is one transport-level peer attached to the broker.
//
// Send must not block the caller; implementations queue the envelope and drop
// it if the peer cannot take it. Open reports whether the peer can still take
// traffic. Conn values must be comparable, as the broker uses them for set
// membership.
type Conn interface {
	Send(env model.Envelope) error
	Open() bool
}

// A Broker relays envelopes between connections rendezvousing on named
// channels. The zero value is not usable; call New.
type Broker struct {
	log       *logrus.Logger
	startedAt time.Time

	mtx             sync.RWMutex // Protects channels and the counters below
	channels        map[string]*channel
	maxChannels     int
	maxChannelsTime time.Time
}

// New creates a broker with no channels.
func New(log *logrus.Logger) *Broker {
	return &Broker{
		log:             log,
		startedAt:       time.Now(),
		channels:        make(map[string]*channel),
		maxChannelsTime: time.Now(),
	}
}

// HandleOpen registers a newly connected peer. The peer belongs to no channel
// until it sends a join frame; it is only invited to pick one.
func (b *Broker) HandleOpen(conn Conn) {
	b.log.Debug("Client connected")
	b.deliver(conn, model.NewSystemText("", "Please join a channel to start chatting"))
}

// HandleFrame processes one wire frame from conn. Malformed frames and
// unknown envelope types are logged and swallowed; the connection is never
// dropped for them, and no other connection is ever affected.
func (b *Broker) HandleFrame(conn Conn, data []byte) {
	env, err := model.Decode(data)
	if err != nil {
		b.log.WithField("error", err).Warn("Dropping malformed frame")
		return
	}

	switch env.Type {
	case model.TypeJoin:
		b.handleJoin(conn, env)
	case model.TypeMessage:
		b.handleMessage(conn, env)
	default:
		b.log.WithField("type", env.Type).Debug("Ignoring frame with unhandled type")
	}
}

// HandleClose removes conn from every channel it was a member of, notifying
// the remaining members of each. Calling HandleClose again for the same
// connection is a no-op.
func (b *Broker) HandleClose(conn Conn) {
	b.mtx.Lock()
	left := make(map[string][]Conn)
	for name, ch := range b.channels {
		if !ch.remove(conn) {
			continue
		}
		left[name] = ch.members()
		if ch.empty() {
			delete(b.channels, name)
		}
	}
	b.mtx.Unlock()

	for name, members := range left {
		b.log.WithField("channel", name).Debug("Client left channel")
		notice := model.NewSystemText(name, "A user has left the channel")
		for _, member := range members {
			b.deliver(member, notice)
		}
	}
}

func (b *Broker) handleJoin(conn Conn, env model.Envelope) {
	if env.Channel == "" {
		b.deliver(conn, model.NewError(env.ID, "Channel name is required"))
		return
	}

	b.mtx.Lock()
	ch, ok := b.channels[env.Channel]
	if !ok {
		ch = newChannel(env.Channel)
		b.channels[env.Channel] = ch
		if len(b.channels) > b.maxChannels {
			b.maxChannels = len(b.channels)
			b.maxChannelsTime = time.Now()
		}
	}
	ch.add(conn)
	others := ch.othersOf(conn)
	b.mtx.Unlock()

	b.log.WithField("channel", env.Channel).Debug("Client joined channel")

	cargo, err := model.Raw(model.JoinResult{
		ID:     env.ID,
		Result: "Connected to channel: " + env.Channel,
	})
	if err != nil {
		b.log.WithField("error", err).Error("Encoding join confirmation")
		return
	}
	b.deliver(conn, model.Envelope{
		Type:    model.TypeSystem,
		Channel: env.Channel,
		Message: cargo,
	})

	notice := model.NewSystemText(env.Channel, "A new user has joined the channel")
	for _, member := range others {
		b.deliver(member, notice)
	}
}

func (b *Broker) handleMessage(conn Conn, env model.Envelope) {
	if env.Channel == "" {
		b.deliver(conn, model.NewError(env.ID, "Channel name is required"))
		return
	}

	b.mtx.RLock()
	ch, ok := b.channels[env.Channel]
	var members []Conn
	if ok && ch.has(conn) {
		members = ch.members()
	}
	b.mtx.RUnlock()

	if members == nil {
		b.deliver(conn, model.NewError(env.ID, "You must join the channel first"))
		return
	}

	// Fan out to every member, the sender included. The sender's copy is
	// tagged so a client can tell its own echo apart from peer traffic.
	for _, member := range members {
		sender := model.SenderPeer
		if member == conn {
			sender = model.SenderSelf
		}
		b.deliver(member, model.Envelope{
			Type:    model.TypeBroadcast,
			Channel: env.Channel,
			Message: env.Message,
			Sender:  sender,
		})
	}
}

// deliver sends an envelope to a single connection, best effort. Members in a
// non-open state are skipped, and send failures never propagate to the caller
// or interrupt delivery to other members.
func (b *Broker) deliver(conn Conn, env model.Envelope) {
	if !conn.Open() {
		return
	}
	if err := conn.Send(env); err != nil {
		b.log.WithField("error", err).Debug("Dropping envelope to unresponsive client")
	}
}

// Stats contains summary information about a running broker.
type Stats struct {
	Uptime          time.Duration `json:"uptime"`
	NumChannels     int           `json:"num_channels"`
	NumMembers      int           `json:"num_members"`
	MaxChannels     int           `json:"max_channels"`
	MaxChannelsTime time.Time     `json:"max_channels_at"`
}

// Stats gets stats about this broker.
func (b *Broker) Stats() Stats {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	numMembers := 0
	for _, ch := range b.channels {
		numMembers += ch.size()
	}
	return Stats{
		Uptime:          time.Since(b.startedAt),
		NumChannels:     len(b.channels),
		NumMembers:      numMembers,
		MaxChannels:     b.maxChannels,
		MaxChannelsTime: b.maxChannelsTime,
	}
}
