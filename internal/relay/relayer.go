package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"walletwire/internal/events"
	"walletwire/internal/history"
	"walletwire/internal/observability"
	"walletwire/internal/rpc"
)

const (
	methodPublish      = "irn_publish"
	methodSubscribe    = "irn_subscribe"
	methodUnsubscribe  = "irn_unsubscribe"
	methodSubscription = "irn_subscription"
)

type publishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int64  `json:"ttl"`
	Tag     uint32 `json:"tag"`
	Prompt  bool   `json:"prompt"`
}

type subscribeParams struct {
	Topic string `json:"topic"`
}

type unsubscribeParams struct {
	Topic string `json:"topic"`
	ID    string `json:"id"`
}

type subscriptionParams struct {
	ID   string `json:"id"`
	Data struct {
		Topic   string `json:"topic"`
		Message string `json:"message"`
	} `json:"data"`
}

// MessageEvent is one deduplicated inbound ciphertext delivery.
type MessageEvent struct {
	Topic   string
	Message string
}

// Relayer speaks the relay's publish/subscribe RPC over a Provider and
// deduplicates inbound deliveries before handing them to listeners.
type Relayer struct {
	log      zerolog.Logger
	provider *Provider
	tracker  *history.MessageTracker

	mu            sync.Mutex
	subscriptions map[string]string

	// Messages fires once per never-before-seen inbound message.
	Messages *events.Emitter[MessageEvent]

	inboundSub   *events.Subscription
	reconnectSub *events.Subscription
}

func NewRelayer(provider *Provider, tracker *history.MessageTracker, log zerolog.Logger) *Relayer {
	r := &Relayer{
		log:           log.With().Str("module", "relayer").Logger(),
		provider:      provider,
		tracker:       tracker,
		subscriptions: make(map[string]string),
		Messages:      events.NewEmitter[MessageEvent](),
	}
	r.inboundSub = provider.RequestReceived.Subscribe(r.onInbound)
	r.reconnectSub = provider.Connected.Subscribe(func(string) { r.resubscribe() })
	return r
}

// Connect opens the underlying provider connection.
func (r *Relayer) Connect(ctx context.Context) error {
	return r.provider.Connect(ctx)
}

func (r *Relayer) IsConnected() bool {
	return r.provider.IsConnected()
}

// Publish sends a ciphertext to topic with the given publish attributes.
func (r *Relayer) Publish(ctx context.Context, topic, message string, opts rpc.PublishOptions) error {
	params := publishParams{
		Topic:   topic,
		Message: message,
		TTL:     int64(opts.TTL.Seconds()),
		Tag:     opts.Tag,
		Prompt:  opts.Prompt,
	}
	ok, err := Request[bool](ctx, r.provider, methodPublish, params)
	if err != nil {
		observability.RecordRelayPublish("error")
		return fmt.Errorf("relay publish %s: %w", topic, err)
	}
	if !ok {
		observability.RecordRelayPublish("rejected")
		return fmt.Errorf("relay publish %s: %w", topic, ErrNotConnected)
	}
	observability.RecordRelayPublish("ok")
	return nil
}

// Subscribe registers interest in topic and returns the relay's
// subscription id. Subscribing to an already-subscribed topic returns
// the existing id without another round trip.
func (r *Relayer) Subscribe(ctx context.Context, topic string) (string, error) {
	r.mu.Lock()
	if id, ok := r.subscriptions[topic]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	id, err := Request[string](ctx, r.provider, methodSubscribe, subscribeParams{Topic: topic})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrSubscribeFail, topic, err)
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s", ErrSubscribeFail, topic)
	}

	r.mu.Lock()
	r.subscriptions[topic] = id
	r.mu.Unlock()
	r.log.Debug().Str("topic", topic).Str("sub", id).Msg("subscribed")
	return id, nil
}

// IsSubscribed reports whether topic has a live subscription.
func (r *Relayer) IsSubscribed(topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subscriptions[topic]
	return ok
}

// Unsubscribe drops the subscription for topic. Unknown topics are a
// no-op.
func (r *Relayer) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	id, ok := r.subscriptions[topic]
	if ok {
		delete(r.subscriptions, topic)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if _, err := Request[bool](ctx, r.provider, methodUnsubscribe, unsubscribeParams{Topic: topic, ID: id}); err != nil {
		return fmt.Errorf("relay unsubscribe %s: %w", topic, err)
	}
	r.log.Debug().Str("topic", topic).Msg("unsubscribed")
	return nil
}

// resubscribe re-establishes every tracked topic after a reconnect. The
// relay assigns fresh subscription ids.
func (r *Relayer) resubscribe() {
	r.mu.Lock()
	topics := make([]string, 0, len(r.subscriptions))
	for topic := range r.subscriptions {
		topics = append(topics, topic)
	}
	r.subscriptions = make(map[string]string)
	r.mu.Unlock()

	ctx := context.Background()
	for _, topic := range topics {
		if _, err := r.Subscribe(ctx, topic); err != nil {
			r.log.Error().Err(err).Str("topic", topic).Msg("resubscribe failed")
		}
	}
}

// onInbound handles an irn_subscription delivery: duplicate ciphertexts
// are acknowledged but not re-emitted.
func (r *Relayer) onInbound(payload *rpc.Payload) {
	if payload.Method != methodSubscription {
		r.log.Warn().Str("method", payload.Method).Msg("unexpected relay request")
		return
	}
	var params subscriptionParams
	if err := json.Unmarshal(payload.Params, &params); err != nil {
		r.log.Warn().Err(err).Msg("undecodable subscription params")
		return
	}
	topic := params.Data.Topic
	message := params.Data.Message

	seen, err := r.tracker.Has(topic, message)
	if err != nil {
		r.log.Error().Err(err).Str("topic", topic).Msg("dedupe lookup")
		return
	}
	if !seen {
		if _, err := r.tracker.Set(topic, message); err != nil {
			r.log.Error().Err(err).Str("topic", topic).Msg("dedupe record")
			return
		}
	}

	if err := r.provider.Respond(context.Background(), payload.ID, true); err != nil {
		r.log.Warn().Err(err).Int64("id", payload.ID).Msg("ack failed")
	}

	if seen {
		observability.RecordRelayMessage("duplicate")
		r.log.Debug().Str("topic", topic).Msg("duplicate message skipped")
		return
	}
	observability.RecordRelayMessage("ok")
	r.Messages.Emit(MessageEvent{Topic: topic, Message: message})
}

// Dispose tears down subscriptions, events and the provider.
func (r *Relayer) Dispose() {
	r.inboundSub.Close()
	r.reconnectSub.Close()
	r.Messages.Close()
	r.provider.Dispose()
}
