// Package messenger implements the six Redis pub/sub message patterns every
// swarm uses to talk to the rest of the cluster, plus request/response
// correlation and bounded per-channel history.
package messenger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"

	"github.com/lattice-labs/swarmcore/codec"
	"github.com/lattice-labs/swarmcore/rstore"
	"github.com/lattice-labs/swarmcore/swarmerr"
	"github.com/lattice-labs/swarmcore/swarmmetrics"
)

// Config tunes messenger behavior.
type Config struct {
	Prefix           string
	MaxMessageSize   int
	MessageRetention int64
	MessageTTL       time.Duration
	// RequestRateLimit bounds outbound request() calls per second to guard
	// against a single misbehaving handler causing a request storm.
	RequestRateLimit rate.Limit
}

func DefaultConfig(prefix string) Config {
	return Config{
		Prefix:           prefix,
		MaxMessageSize:   1 << 20,
		MessageRetention: 1000,
		MessageTTL:       time.Hour,
		RequestRateLimit: 50,
	}
}

// Handler processes an envelope's decoded payload keyed by message type.
type Handler func(env codec.Envelope)

type pendingRequest struct {
	ch      chan codec.Envelope
	timer   *time.Timer
	expired bool
}

// Messenger is one swarm's bound connection to the cluster's pub/sub fabric.
type Messenger struct {
	selfSwarmID string
	config      Config
	store       *rstore.Store
	codec       *codec.Codec
	pubsub      *redis.PubSub
	limiter     *rate.Limiter

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]*pendingRequest
	subbed   map[string]bool

	closed bool
}

// New binds a Messenger to selfSwarmID. It subscribes to nothing until
// Subscribe/SubscribePattern is called explicitly.
func New(store *rstore.Store, selfSwarmID string, config Config) *Messenger {
	return &Messenger{
		selfSwarmID: selfSwarmID,
		config:      config,
		store:       store,
		codec:       codec.New(config.MaxMessageSize),
		pubsub:      store.Client.Subscribe(context.Background()),
		limiter:     rate.NewLimiter(config.RequestRateLimit, int(config.RequestRateLimit)+1),
		handlers:    make(map[string]Handler),
		pending:     make(map[string]*pendingRequest),
		subbed:      make(map[string]bool),
	}
}

func (m *Messenger) channelGlobal() string        { return m.config.Prefix + ":global" }
func (m *Messenger) channelSwarm(id string) string { return m.config.Prefix + ":swarm:" + id }
func (m *Messenger) channelCoordination() string  { return m.config.Prefix + ":coordination" }
func (m *Messenger) channelAgents(swarm string) string {
	return m.config.Prefix + ":swarm:" + swarm + ":agents"
}
func (m *Messenger) channelTasks() string { return m.config.Prefix + ":tasks" }
func (m *Messenger) channelEvents() string { return m.config.Prefix + ":events" }
func (m *Messenger) historyKey(channel string) string {
	return m.config.Prefix + ":history:" + channel
}

// Subscribe joins channel and begins dispatching its messages to handlers.
func (m *Messenger) Subscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subbed[channel] {
		return nil
	}
	if err := m.pubsub.Subscribe(ctx, channel); err != nil {
		return swarmerr.Unavailable("subscribe to channel", err)
	}
	m.subbed[channel] = true
	return nil
}

// SubscribePattern joins a glob pattern (e.g. "<prefix>:swarm:*").
func (m *Messenger) SubscribePattern(ctx context.Context, glob string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.pubsub.PSubscribe(ctx, glob); err != nil {
		return swarmerr.Unavailable("subscribe to pattern", err)
	}
	m.subbed[glob] = true
	return nil
}

// Unsubscribe leaves channel.
func (m *Messenger) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subbed, channel)
	if err := m.pubsub.Unsubscribe(ctx, channel); err != nil {
		return swarmerr.Unavailable("unsubscribe", err)
	}
	return nil
}

// OnMessage registers handler for messageType, the discriminator expected
// inside the envelope's decoded payload. Replaces any prior handler for the
// same type.
func (m *Messenger) OnMessage(messageType string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[messageType] = handler
}

// Run drains the underlying pub/sub connection until ctx is cancelled,
// dispatching each envelope to its registered handler (or logging it once
// if the type is unknown). Callers run this in its own goroutine.
func (m *Messenger) Run(ctx context.Context) {
	ch := m.pubsub.Channel()
	seenUnknown := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.dispatch([]byte(msg.Payload), msg.Channel, seenUnknown)
		}
	}
}

func (m *Messenger) dispatch(raw []byte, channel string, seenUnknown map[string]bool) {
	env, err := m.codec.Decode(raw)
	if err != nil {
		swarmmetrics.MessagesDropped.WithLabelValues("decode_error").Inc()
		return
	}
	if env.FromSwarm == m.selfSwarmID {
		swarmmetrics.MessagesDropped.WithLabelValues("loopback").Inc()
		return
	}

	if env.ChannelKind == codec.ChannelResponse && env.RequestID != "" {
		m.resolvePending(env)
		return
	}

	msgType := messageType(env)
	m.mu.Lock()
	handler, ok := m.handlers[msgType]
	m.mu.Unlock()
	if !ok {
		if !seenUnknown[msgType] {
			seenUnknown[msgType] = true
			log.Printf("messenger: no handler registered for message type %q on channel %s", msgType, channel)
		}
		swarmmetrics.MessagesDropped.WithLabelValues("unhandled_type").Inc()
		return
	}
	handler(env)
}

func (m *Messenger) resolvePending(env codec.Envelope) {
	m.mu.Lock()
	pending, ok := m.pending[env.RequestID]
	if ok {
		delete(m.pending, env.RequestID)
	}
	m.mu.Unlock()
	if !ok || pending.expired {
		return
	}
	pending.timer.Stop()
	pending.ch <- env
}

func (m *Messenger) publish(ctx context.Context, channel string, env codec.Envelope) (string, error) {
	env.ID = uuid.NewString()
	env.FromSwarm = m.selfSwarmID
	env.SentAt = time.Now().UnixMilli()

	data, err := m.codec.Encode(env)
	if err != nil {
		return "", err
	}
	if err := m.store.Client.Publish(ctx, channel, data).Err(); err != nil {
		return "", swarmerr.Unavailable("publish", err)
	}
	if err := m.store.LPushTrimExpire(ctx, m.historyKey(channel), string(data), m.config.MessageRetention, m.config.MessageTTL); err != nil {
		log.Printf("messenger: failed to append history for %s: %v", channel, err)
	}
	swarmmetrics.MessagesPublished.WithLabelValues(string(env.ChannelKind)).Inc()
	return env.ID, nil
}

// SendTo delivers payload to targetSwarmID's channel.
func (m *Messenger) SendTo(ctx context.Context, targetSwarmID string, payload []byte) (string, error) {
	return m.publish(ctx, m.channelSwarm(targetSwarmID), codec.Envelope{
		ToSwarm:     targetSwarmID,
		ChannelKind: codec.ChannelTargeted,
		Payload:     payload,
	})
}

// Broadcast delivers payload to every subscriber of the global channel.
func (m *Messenger) Broadcast(ctx context.Context, payload []byte) (string, error) {
	return m.publish(ctx, m.channelGlobal(), codec.Envelope{
		ChannelKind: codec.ChannelBroadcast,
		Payload:     payload,
	})
}

// SendCoordination delivers payload on the leader-election/cluster-control
// channel.
func (m *Messenger) SendCoordination(ctx context.Context, payload []byte) (string, error) {
	return m.publish(ctx, m.channelCoordination(), codec.Envelope{
		ChannelKind: codec.ChannelCoordination,
		Payload:     payload,
	})
}

// SendAgent delivers payload to a specific agent inside targetSwarm.
func (m *Messenger) SendAgent(ctx context.Context, targetSwarm, targetAgent string, payload []byte) (string, error) {
	return m.publish(ctx, m.channelAgents(targetSwarm), codec.Envelope{
		ToSwarm:     targetSwarm,
		ToAgent:     targetAgent,
		ChannelKind: codec.ChannelAgent,
		Payload:     payload,
	})
}

// SendTask publishes a task lifecycle event.
func (m *Messenger) SendTask(ctx context.Context, payload []byte) (string, error) {
	return m.publish(ctx, m.channelTasks(), codec.Envelope{
		ChannelKind: codec.ChannelTask,
		Payload:     payload,
	})
}

// PublishEvent publishes non-actionable telemetry.
func (m *Messenger) PublishEvent(ctx context.Context, payload []byte) (string, error) {
	return m.publish(ctx, m.channelEvents(), codec.Envelope{
		ChannelKind: codec.ChannelEvent,
		Payload:     payload,
	})
}

// Request sends payload to targetSwarmID and blocks for a correlated
// response, failing with Timeout if none arrives within timeout.
func (m *Messenger) Request(ctx context.Context, targetSwarmID string, payload []byte, timeout time.Duration) (codec.Envelope, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return codec.Envelope{}, swarmerr.Unavailable("request rate limited", err)
	}

	requestID := uuid.NewString()
	pending := &pendingRequest{ch: make(chan codec.Envelope, 1)}

	m.mu.Lock()
	m.pending[requestID] = pending
	m.mu.Unlock()

	pending.timer = time.AfterFunc(timeout, func() {
		m.mu.Lock()
		if p, ok := m.pending[requestID]; ok && p == pending {
			p.expired = true
			delete(m.pending, requestID)
		}
		m.mu.Unlock()
	})

	started := time.Now()
	_, err := m.publish(ctx, m.channelSwarm(targetSwarmID), codec.Envelope{
		ToSwarm:     targetSwarmID,
		ChannelKind: codec.ChannelRequest,
		Payload:     payload,
		RequestID:   requestID,
	})
	if err != nil {
		pending.timer.Stop()
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
		return codec.Envelope{}, err
	}

	select {
	case env := <-pending.ch:
		swarmmetrics.RequestLatency.Observe(time.Since(started).Seconds())
		return env, nil
	case <-time.After(timeout):
		swarmmetrics.RequestTimeouts.Inc()
		return codec.Envelope{}, swarmerr.Timeout(fmt.Sprintf("request to %q timed out after %v", targetSwarmID, timeout))
	case <-ctx.Done():
		return codec.Envelope{}, swarmerr.Timeout("request cancelled")
	}
}

// Respond answers an envelope previously delivered via a request() handler.
func (m *Messenger) Respond(ctx context.Context, original codec.Envelope, payload []byte) error {
	_, err := m.publish(ctx, m.channelSwarm(original.FromSwarm), codec.Envelope{
		ToSwarm:     original.FromSwarm,
		ChannelKind: codec.ChannelResponse,
		Payload:     payload,
		RequestID:   original.RequestID,
	})
	return err
}

// GetHistory reads back up to limit envelopes most-recently published on
// channel, newest first.
func (m *Messenger) GetHistory(ctx context.Context, channel string, limit int64) ([]codec.Envelope, error) {
	raw, err := m.store.LRange(ctx, m.historyKey(channel), 0, limit-1)
	if err != nil {
		return nil, err
	}
	bufs := make([][]byte, len(raw))
	for i, s := range raw {
		bufs[i] = []byte(s)
	}
	if limit > 5 {
		return m.codec.BatchDecode(bufs), nil
	}
	envelopes := make([]codec.Envelope, 0, len(bufs))
	for _, b := range bufs {
		env, err := m.codec.Decode(b)
		if err != nil {
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

// Close tears down the pub/sub connection. Idempotent.
func (m *Messenger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.pubsub.Close()
}

// messageType extracts the handler-dispatch discriminator: a "type" field
// inside the envelope's payload (spec.md §9's "sum type of known message
// kinds" intent, with an escape hatch for opaque payloads that carry none).
// Payloads that don't decode as a map, or carry no "type" field, dispatch
// under the channel kind instead so targeted/broadcast traffic without a
// typed payload still reaches a default handler.
func messageType(env codec.Envelope) string {
	var generic map[string]interface{}
	if err := msgpack.Unmarshal(env.Payload, &generic); err == nil {
		if t, ok := generic["type"].(string); ok && t != "" {
			return t
		}
	}
	return string(env.ChannelKind)
}
