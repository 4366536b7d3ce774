package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// redisChannel is the pub/sub channel shared by all service instances.
const redisChannel = "segqueue:events"

// envelope is the cross-instance wire format. Origin lets an instance skip
// its own messages, which it already delivered locally.
type envelope struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBridge is a Publisher that delivers events to the local hub and
// relays them through Redis pub/sub so horizontally scaled instances reach
// their own connected clients. Redis failures are logged and swallowed:
// delivery is best-effort and must never undo a committed state change.
type RedisBridge struct {
	hub    *Hub
	client *redis.Client
	id     string
	log    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRedisBridge wraps the hub with a Redis relay.
func NewRedisBridge(hub *Hub, client *redis.Client, log *slog.Logger) *RedisBridge {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBridge{
		hub:    hub,
		client: client,
		id:     uuid.NewString(),
		log:    log,
	}
}

// Start begins consuming remote events. Returns immediately; the consume
// loop runs until Stop or context cancellation.
func (b *RedisBridge) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	sub := b.client.Subscribe(ctx, redisChannel)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { _ = sub.Close() }()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.deliverRemote(ctx, msg.Payload)
			}
		}
	}()
}

// Stop terminates the consume loop and waits for it to exit.
func (b *RedisBridge) Stop() {
	b.once.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
		b.wg.Wait()
	})
}

// Publish implements Publisher: local fanout first, then the Redis relay.
func (b *RedisBridge) Publish(ctx context.Context, room string, ev Event) error {
	if err := b.hub.Publish(ctx, room, ev); err != nil {
		return err
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		b.log.Error("failed to encode fanout event for relay",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()))
		return nil
	}
	raw, err := json.Marshal(envelope{
		Origin:  b.id,
		Room:    room,
		Type:    ev.Type,
		Payload: payload,
	})
	if err != nil {
		return nil
	}

	if err := b.client.Publish(ctx, redisChannel, raw).Err(); err != nil {
		b.log.Warn("redis relay publish failed",
			slog.String("room", room),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()))
	}
	return nil
}

func (b *RedisBridge) deliverRemote(ctx context.Context, raw string) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.log.Warn("discarding malformed relay message", slog.String("error", err.Error()))
		return
	}
	if env.Origin == b.id {
		return
	}

	var payload any
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			b.log.Warn("discarding relay message with malformed payload",
				slog.String("type", string(env.Type)),
				slog.String("error", err.Error()))
			return
		}
	}

	_ = b.hub.Publish(ctx, env.Room, Event{Type: env.Type, Payload: payload})
}
