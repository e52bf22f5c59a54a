package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultChannel is the Redis Pub/Sub channel events are bridged on.
const DefaultChannel = "ktime:events"

const bridgePublishTimeout = 2 * time.Second

// RedisBridge relays events between ktime instances over Redis Pub/Sub.
// Events published here are tagged with the instance ID so the receiving
// loop can skip its own messages.
type RedisBridge struct {
	client     *redis.Client
	target     *Broadcaster
	channel    string
	instanceID string
	onRemote   []func(Event)
	logger     zerolog.Logger
}

// NewRedisBridge creates a bridge delivering remote events to target
func NewRedisBridge(client *redis.Client, target *Broadcaster, instanceID string, logger zerolog.Logger) *RedisBridge {
	return &RedisBridge{
		client:     client,
		target:     target,
		channel:    DefaultChannel,
		instanceID: instanceID,
		logger:     logger.With().Str("component", "redis-bridge").Logger(),
	}
}

// OnRemote registers fn to run for every event received from another
// instance, before local delivery. Register hooks before calling Run.
func (r *RedisBridge) OnRemote(fn func(Event)) {
	r.onRemote = append(r.onRemote, fn)
}

// Emit publishes ev to the other instances without blocking the caller
func (r *RedisBridge) Emit(ev Event) {
	if ev.Origin != "" {
		// Relayed from another instance
		return
	}
	ev.Origin = r.instanceID

	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode event")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), bridgePublishTimeout)
		defer cancel()
		if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
			r.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Failed to publish event to Redis")
		}
	}()
}

// Run receives events from other instances until ctx is done
func (r *RedisBridge) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	r.logger.Info().Str("channel", r.channel).Msg("Event bridge started")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Event bridge stopped")
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(msg.Payload)
		}
	}
}

func (r *RedisBridge) handle(payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Warn().Err(err).Msg("Ignoring malformed event")
		return
	}
	if ev.Origin == r.instanceID {
		return
	}
	for _, fn := range r.onRemote {
		fn(ev)
	}
	r.target.Deliver(ev)
}
