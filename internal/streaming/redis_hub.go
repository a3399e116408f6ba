package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/rendis/loom/pkg/schema"
)

// RedisHub fans execution events out to every process through one Redis
// pub/sub channel. Filtering happens on the subscriber side. Events published
// while nobody is subscribed are lost.
type RedisHub struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewRedisHub creates a RedisHub publishing on "<prefix>:executions".
func NewRedisHub(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisHub {
	if prefix == "" {
		prefix = "loom"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisHub{client: client, channel: prefix + ":executions", logger: logger}
}

func (h *RedisHub) Publish(ctx context.Context, event ExecutionEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode execution event").WithCause(err)
	}
	if err := h.client.Publish(ctx, h.channel, body).Err(); err != nil {
		return schema.NewError(schema.ErrCodeQueue, "publish execution event").WithCause(err)
	}
	return nil
}

func (h *RedisHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan ExecutionEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ps := h.client.Subscribe(ctx, h.channel)
	// Wait for the subscription to be confirmed so no event published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, schema.NewError(schema.ErrCodeQueue, "subscribe to execution events").WithCause(err)
	}

	out := make(chan ExecutionEvent, defaultChannelBuffer)
	done := make(chan struct{})
	go func() {
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev ExecutionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.logger.Warn("dropping malformed execution event", "error", err)
					continue
				}
				if !matchFilter(filter, ev) {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}

var _ Hub = (*RedisHub)(nil)
