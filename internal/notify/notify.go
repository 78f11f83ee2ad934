package notify

import (
	"context"
	"fmt"

	"github.com/angelmondragon/hookrelay/pkg/logger"
	goredis "github.com/redis/go-redis/v9"
)

// WakeMessage is the payload published when new work is enqueued.
const WakeMessage = "new"

// Publisher is the fire-and-forget broadcast surface.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) error
}

// Notifier wakes idle workers after an enqueue. Messages are not replayed, so
// workers must also poll.
type Notifier struct {
	pub     Publisher
	channel string
}

func NewNotifier(pub Publisher, channel string) *Notifier {
	return &Notifier{pub: pub, channel: channel}
}

// Notify publishes a wake signal.
func (n *Notifier) Notify(ctx context.Context) error {
	if err := n.pub.Publish(ctx, n.channel, WakeMessage); err != nil {
		return fmt.Errorf("publish wake on %s: %w", n.channel, err)
	}
	return nil
}

// Forward calls wake for every message received until ctx is cancelled or
// msgs is closed.
func Forward(ctx context.Context, msgs <-chan *goredis.Message, wake func(), logg *logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				if logg != nil {
					logg.Warn(ctx, "wake subscription closed")
				}
				return
			}
			if logg != nil {
				logg.Debug(logg.WithField(ctx, "channel", msg.Channel), "wake received")
			}
			wake()
		}
	}
}
