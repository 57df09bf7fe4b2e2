package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aurswift/aureposweb/internal/models"
)

const (
	publishTimeout   = 5 * time.Second
	maxReconnectWait = 30 * time.Second
)

// RedisBus is the distributed backend selected when PUBSUB_URL is
// configured. The publisher is a process-wide singleton connection;
// subscribers each get their own redis.PubSub connection, since
// subscriber-mode connections cannot publish. On publish failure it falls
// through to an in-process broadcaster so a single instance keeps working.
// The known limitation is that a multi-instance deployment then
// silently drops the event for any terminal connected to a different
// instance; fallbackCount surfaces this instead of staying silent.
type RedisBus struct {
	client   *redis.Client
	log      *zap.Logger
	metrics  *metrics
	fallback *localBroadcaster

	mu   sync.Mutex
	subs map[*Subscription]func()

	fallbacks uint64
}

func NewRedisBus(client *redis.Client, log *zap.Logger) *RedisBus {
	return &RedisBus{
		client:   client,
		log:      log,
		metrics:  newMetrics(),
		fallback: newLocalBroadcaster(100),
		subs:     make(map[*Subscription]func()),
	}
}

func (b *RedisBus) Mode() string { return "distributed" }

func (b *RedisBus) Publish(ctx context.Context, event models.Event) error {
	start := time.Now()
	defer func() { b.metrics.publishLatency.Observe(time.Since(start).Seconds()) }()

	data, err := json.Marshal(event)
	if err != nil {
		b.metrics.errorCount.WithLabelValues("publish_marshal").Inc()
		return fmt.Errorf("marshal event: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := b.client.Publish(pctx, channelName(event.LicenseKey), data).Err(); err != nil {
		b.metrics.errorCount.WithLabelValues("publish_redis").Inc()
		b.metrics.fallbackCount.Inc()
		atomic.AddUint64(&b.fallbacks, 1)
		b.log.Warn("distributed publish failed, falling back to in-process broadcast",
			zap.String("license_key", event.LicenseKey),
			zap.Error(err),
		)
		b.fallback.publish(channelName(event.LicenseKey), event)
		return nil
	}

	b.metrics.eventCount.WithLabelValues("publish", string(event.Type)).Inc()
	return nil
}

// FallbackCount reports how many publishes degraded to the in-process
// broadcaster since startup; the health/readiness endpoint surfaces this.
func (b *RedisBus) FallbackCount() uint64 { return atomic.LoadUint64(&b.fallbacks) }

func (b *RedisBus) Subscribe(ctx context.Context, licenseKey string) (*Subscription, error) {
	start := time.Now()
	defer func() { b.metrics.subscribeLatency.Observe(time.Since(start).Seconds()) }()

	channel := channelName(licenseKey)
	pubsub := b.client.Subscribe(ctx, channel)

	subCtx, cancelCtx := context.WithCancel(context.Background())
	events := make(chan models.Event, 100)

	sub := &Subscription{events: events}
	var closeOnce sync.Once
	sub.cancel = func() {
		closeOnce.Do(func() {
			cancelCtx()
			_ = pubsub.Close()
		})
	}

	b.mu.Lock()
	b.subs[sub] = sub.cancel
	b.mu.Unlock()

	b.metrics.activeSubscribers.Inc()
	go b.relay(subCtx, pubsub, events, channel, sub)

	return sub, nil
}

func (b *RedisBus) relay(ctx context.Context, pubsub *redis.PubSub, events chan models.Event, channel string, sub *Subscription) {
	defer func() {
		close(events)
		b.metrics.activeSubscribers.Dec()
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}()

	ch := pubsub.Channel()
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				// Connection reset: reconnect with exponential backoff
				// capped at 30s.
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				if backoff < maxReconnectWait {
					backoff *= 2
					if backoff > maxReconnectWait {
						backoff = maxReconnectWait
					}
				}
				pubsub = b.client.Subscribe(ctx, channel)
				ch = pubsub.Channel()
				continue
			}
			backoff = time.Second

			var event models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.metrics.errorCount.WithLabelValues("unmarshal").Inc()
				continue
			}
			select {
			case events <- event:
				b.metrics.eventCount.WithLabelValues("receive", string(event.Type)).Inc()
			default:
				b.metrics.errorCount.WithLabelValues("channel_full").Inc()
			}
		}
	}
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	cancels := make([]func(), 0, len(b.subs))
	for _, c := range b.subs {
		cancels = append(cancels, c)
	}
	b.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return b.client.Close()
}
