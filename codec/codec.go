// Package codec (de)serializes MessageEnvelopes onto the wire. Isolating it
// from the messenger means the wire format can change without touching
// pub/sub or handler-dispatch logic.
package codec

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lattice-labs/swarmcore/swarmerr"
)

// ProtocolVersion is the current major wire version. decode rejects any
// envelope whose Version differs.
const ProtocolVersion = 1

// ChannelKind identifies the routing class of a MessageEnvelope.
type ChannelKind string

const (
	ChannelBroadcast    ChannelKind = "broadcast"
	ChannelTargeted     ChannelKind = "targeted"
	ChannelCoordination ChannelKind = "coordination"
	ChannelAgent        ChannelKind = "agent"
	ChannelTask         ChannelKind = "task"
	ChannelEvent        ChannelKind = "event"
	ChannelRequest      ChannelKind = "request"
	ChannelResponse     ChannelKind = "response"
)

// Envelope is the wire shape of every pub/sub payload.
type Envelope struct {
	ID          string      `msgpack:"id"`
	FromSwarm   string      `msgpack:"from_swarm"`
	ToSwarm     string      `msgpack:"to_swarm,omitempty"`
	ToAgent     string      `msgpack:"to_agent,omitempty"`
	ChannelKind ChannelKind `msgpack:"channel_kind"`
	SentAt      int64       `msgpack:"sent_at"` // unix millis
	Version     int         `msgpack:"version"`
	Payload     []byte      `msgpack:"payload"`
	RequestID   string      `msgpack:"request_id,omitempty"`
}

// Codec encodes/decodes envelopes with a configurable size ceiling.
type Codec struct {
	MaxMessageSize int
}

// New returns a Codec enforcing maxMessageSize bytes per encoded envelope.
func New(maxMessageSize int) *Codec {
	return &Codec{MaxMessageSize: maxMessageSize}
}

// Encode serializes env, failing with MessageTooLarge if the result exceeds
// MaxMessageSize.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	env.Version = ProtocolVersion
	data, err := msgpack.Marshal(env)
	if err != nil {
		return nil, swarmerr.MalformedMessage("encode envelope", err)
	}
	if c.MaxMessageSize > 0 && len(data) > c.MaxMessageSize {
		return nil, swarmerr.MessageTooLarge("envelope exceeds max message size")
	}
	return data, nil
}

// Decode parses a single wire message, rejecting a version mismatch.
func (c *Codec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Envelope{}, swarmerr.MalformedMessage("decode envelope", err)
	}
	if env.Version != ProtocolVersion {
		return Envelope{}, swarmerr.VersionMismatch("envelope protocol version mismatch")
	}
	return env, nil
}

// BatchDecode decodes a list of wire messages. Malformed or version-mismatched
// entries are skipped rather than failing the whole batch, since a single
// poison message on a shared channel should not block every other message
// riding along with it.
func (c *Codec) BatchDecode(messages [][]byte) []Envelope {
	envelopes := make([]Envelope, 0, len(messages))
	for _, m := range messages {
		env, err := c.Decode(m)
		if err != nil {
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes
}
