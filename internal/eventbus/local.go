package eventbus

import (
	"context"

	"github.com/aurswift/aureposweb/internal/models"
)

// InProcessBus is the Bus used when PUBSUB_URL is not configured, a single
// multi-listener broadcaster supporting hundreds of listeners per channel,
// when no distributed backend is configured.
type InProcessBus struct {
	broadcaster *localBroadcaster
}

func NewInProcessBus() *InProcessBus {
	return &InProcessBus{broadcaster: newLocalBroadcaster(100)}
}

func (b *InProcessBus) Publish(_ context.Context, event models.Event) error {
	b.broadcaster.publish(channelName(event.LicenseKey), event)
	return nil
}

func (b *InProcessBus) Subscribe(_ context.Context, licenseKey string) (*Subscription, error) {
	return b.broadcaster.subscribe(channelName(licenseKey)), nil
}

func (b *InProcessBus) Mode() string { return "in-process" }

func (b *InProcessBus) Close() error { return nil }
