// Package model defines the wire envelope exchanged between relay clients and
// the channel broker.
package model

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// A Type names one of the closed set of envelope kinds on the wire.
type Type string

// Envelope types.
const (
	TypeJoin      Type = "join"
	TypeMessage   Type = "message"
	TypeSystem    Type = "system"
	TypeError     Type = "error"
	TypeBroadcast Type = "broadcast"
)

// Sender tags on broadcast envelopes.
// The broker stamps SenderSelf on the copy echoed to the originating
// connection, and SenderPeer on every other copy, so a client can recognize
// its own message without comparing connection identities.
const (
	SenderSelf = "You"
	SenderPeer = "User"
)

// An Envelope is the unit of traffic on a relay connection.
// Message is opaque cargo; the broker forwards it without looking inside.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    Type            `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Decode parses a single wire frame into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "Decode envelope")
	}
	if env.Type == "" {
		return Envelope{}, errors.New("Envelope has no type")
	}
	return env, nil
}

// Encode serializes an envelope to a wire frame.
func (env Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(env)
	return data, errors.Wrap(err, "Encode envelope")
}

// NewError creates an error envelope addressed to a single connection.
// If the offending frame carried a correlation ID, it is echoed so the
// sender's pending request fails promptly instead of timing out.
func NewError(id, reason string) Envelope {
	return Envelope{
		ID:    id,
		Type:  TypeError,
		Error: reason,
	}
}

// NewSystemText creates a system envelope carrying a plain text notice.
func NewSystemText(channel, text string) Envelope {
	return Envelope{
		Type:    TypeSystem,
		Channel: channel,
		Message: String(text),
	}
}

// A JoinResult confirms channel membership to the joining connection.
// It is carried as the cargo of a system envelope and echoes the ID of the
// join request it answers.
type JoinResult struct {
	ID     string `json:"id,omitempty"`
	Result string `json:"result"`
}

// A Reply is the shape clients look for inside the cargo of an envelope
// answering one of their requests. Peers echo the request ID here, along with
// either a result or an error.
type Reply struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// CorrelationID extracts the ID a reply envelope answers: the top-level ID if
// present, otherwise the ID embedded in an object-valued cargo. Returns ""
// when the envelope correlates with nothing.
func (env Envelope) CorrelationID() string {
	if env.ID != "" {
		return env.ID
	}
	var reply Reply
	if err := json.Unmarshal(env.Message, &reply); err != nil {
		return ""
	}
	return reply.ID
}

// String encodes a plain string as envelope cargo.
func String(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// Raw encodes an arbitrary value as envelope cargo.
func Raw(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	return data, errors.Wrap(err, "Encode cargo")
}
