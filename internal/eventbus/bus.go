// Package eventbus implements the cross-instance pub/sub channel (C2) the
// delivery fabric uses to fan out license-scoped events. It exposes a single
// Bus abstraction with two interchangeable backends: an in-process
// broadcaster and a Redis-backed distributed publisher, selected at startup
// from PUBSUB_URL.
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aurswift/aureposweb/internal/models"
)

// channelName returns the pub/sub channel for a license key, upper-cased so
// differently-cased spellings of one key share a channel.
func channelName(licenseKey string) string {
	return fmt.Sprintf("sse:license:%s", strings.ToUpper(licenseKey))
}

// Subscription is the handle returned by Subscribe. Cancel detaches the
// listener and releases any underlying transport subscription.
type Subscription struct {
	events chan models.Event
	cancel func()
}

func (s *Subscription) Events() <-chan models.Event { return s.events }

func (s *Subscription) Cancel() { s.cancel() }

// Bus is the capability every producer (C6, C7, C8) and consumer (C3)
// depends on. Publish never blocks the caller and never returns an error
// the caller must act on beyond logging, transport failures degrade the
// fabric, they do not fail the producing transaction.
type Bus interface {
	Publish(ctx context.Context, event models.Event) error
	Subscribe(ctx context.Context, licenseKey string) (*Subscription, error)
	Mode() string
	Close() error
}

// localBroadcaster is the in-process multi-listener fallback, grounded on
// the ritzau sse.go pub/sub shape: a buffered channel per listener, keyed by
// channel name, with a non-blocking publish that drops slow listeners
// instead of stalling the bus.
type localBroadcaster struct {
	mu        sync.RWMutex
	listeners map[string]map[int]chan models.Event
	nextID    int
	bufSize   int
}

func newLocalBroadcaster(bufSize int) *localBroadcaster {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &localBroadcaster{
		listeners: make(map[string]map[int]chan models.Event),
		bufSize:   bufSize,
	}
}

func (b *localBroadcaster) publish(channel string, event models.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.listeners[channel] {
		select {
		case ch <- event:
		default:
			// Slow listener: drop rather than stall the bus. Closing a
			// slow client's stream is handled by C3; the bus itself
			// just never blocks.
		}
	}
}

func (b *localBroadcaster) subscribe(channel string) *Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch := make(chan models.Event, b.bufSize)
	if b.listeners[channel] == nil {
		b.listeners[channel] = make(map[int]chan models.Event)
	}
	b.listeners[channel][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners[channel], id)
			if len(b.listeners[channel]) == 0 {
				delete(b.listeners, channel)
			}
			b.mu.Unlock()
			close(ch)
		})
	}

	return &Subscription{events: ch, cancel: cancel}
}
