package messenger

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/fluxgraph/pkg/api"
)

// Redis publishes notifications on a Redis pub/sub channel so that engines
// in other processes observe waiting, archived and failed contexts.
type Redis struct {
	client  *redis.Client
	channel string
}

var _ api.Messenger = (*Redis)(nil)

// NewRedis returns a Redis messenger. channel defaults to
// "fluxgraph:notifications".
func NewRedis(client *redis.Client, channel string) *Redis {
	if channel == "" {
		channel = "fluxgraph:notifications"
	}
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Notify(ctx context.Context, contextID string, kind api.EventKind) error {
	payload, err := sonic.ConfigStd.Marshal(api.Notification{ContextID: contextID, Kind: kind})
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Subscribe listens on the channel until ctx is done. Malformed messages
// are skipped. The returned channel is closed when the subscription ends.
func (r *Redis) Subscribe(ctx context.Context) (<-chan api.Notification, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan api.Notification)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var n api.Notification
				if err := sonic.ConfigStd.UnmarshalFromString(msg.Payload, &n); err != nil {
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
