package mailbox

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/engramhq/engram/engram"
)

// Notifier gives Receive callers a wake-up signal on top of the durable
// local queue. It is never the system of record: a missed or delayed
// notification only delays a caller's next poll, it never loses a message,
// so a mailbox with no notifier configured still behaves correctly under
// plain polling.
type Notifier interface {
	Notify(ctx context.Context, recipient string)
	Subscribe(ctx context.Context, recipient string) (ch <-chan struct{}, cancel func(), err error)
}

// RedisNotifier publishes to one pub/sub channel per recipient, the way a
// presence-style fan-out would, without making Redis durable state: on
// restart a subscriber simply misses whatever was published while it was
// down and falls back to its next scheduled poll.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier parses redisURL (e.g. "redis://localhost:6379/0") and
// constructs a notifier. It does not contact Redis until first use.
func NewRedisNotifier(redisURL string) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, engram.Wrap(engram.KindInvalidArgument, "parse redis url", err)
	}
	return &RedisNotifier{client: redis.NewClient(opts)}, nil
}

func notifyChannel(recipient string) string { return "engram:notify:" + recipient }

// Notify publishes a wake-up to recipient's channel. Publish errors are
// swallowed: a missed notification only costs a subscriber its next poll
// interval, never a lost message.
func (n *RedisNotifier) Notify(ctx context.Context, recipient string) {
	n.client.Publish(ctx, notifyChannel(recipient), "1")
}

// Subscribe returns a channel that receives a value on every wake-up for
// recipient, and a cancel func that must be called to release the
// underlying subscription.
func (n *RedisNotifier) Subscribe(ctx context.Context, recipient string) (<-chan struct{}, func(), error) {
	sub := n.client.Subscribe(ctx, notifyChannel(recipient))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, engram.Wrap(engram.KindStorageUnavailable, "redis subscribe", err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		for range sub.Channel() {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch, func() { _ = sub.Close() }, nil
}

// Close releases the underlying Redis client.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// SetNotifier attaches an optional wake-up notifier. Send publishes a
// notification to every targeted recipient after persisting; WaitForMessage
// uses it (when set) instead of sleeping for the full timeout.
func (m *Mailbox) SetNotifier(n Notifier) {
	m.notifier = n
}

// WaitForMessage blocks until recipient's notifier fires, ctx is canceled,
// or timeout elapses — whichever comes first. It is a best-effort hint, not
// a guarantee: callers must still call Receive afterward, since a
// notification can fire for a message that a concurrent Receive already
// consumed, and a missed notification is not a lost message.
func (m *Mailbox) WaitForMessage(ctx context.Context, recipient string, timeout time.Duration) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if m.notifier == nil {
		<-waitCtx.Done()
		return
	}

	ch, stop, err := m.notifier.Subscribe(waitCtx, recipient)
	if err != nil {
		<-waitCtx.Done()
		return
	}
	defer stop()

	select {
	case <-ch:
	case <-waitCtx.Done():
	}
}
