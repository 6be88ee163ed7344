// Package events is the in-process lifecycle event bus. Fan-out with bounded
// per-subscriber queues; a slow subscriber drops its oldest events rather
// than delaying the publisher.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeplatform/plugind/internal/logging"
	"github.com/forgeplatform/plugind/internal/metrics"
	"github.com/forgeplatform/plugind/pkg/api"
)

// Lifecycle event kinds.
const (
	KindInstalling   = "plugin:installing"
	KindInstalled    = "plugin:installed"
	KindStarting     = "plugin:starting"
	KindStarted      = "plugin:started"
	KindStopping     = "plugin:stopping"
	KindStopped      = "plugin:stopped"
	KindError        = "plugin:error"
	KindHealth       = "plugin:health"
	KindWarning      = "plugin:warning"
	KindUninstalling = "plugin:uninstalling"
	KindUninstalled  = "plugin:uninstalled"
)

type subscriber struct {
	name string
	mu   sync.Mutex
	ch   chan api.EventRecord
}

// Bus fans events out to independent subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
	log    zerolog.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string]*subscriber),
		log:  logging.Component("events"),
	}
}

// Subscribe registers a named subscriber with a bounded queue. Subscribing an
// existing name replaces (and closes) the previous subscription.
func (b *Bus) Subscribe(name string, capacity int) <-chan api.EventRecord {
	if capacity <= 0 {
		capacity = 64
	}
	sub := &subscriber{name: name, ch: make(chan api.EventRecord, capacity)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.subs[name]; ok {
		close(prev.ch)
	}
	b.subs[name] = sub
	return sub.ch
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[name]; ok {
		delete(b.subs, name)
		close(sub.ch)
	}
}

// Publish delivers the record to every subscriber without blocking. When a
// queue is full the oldest queued event is dropped and counted.
func (b *Bus) Publish(rec api.EventRecord) {
	metrics.LifecycleTransitions.WithLabelValues(rec.Kind).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		sub.mu.Lock()
		select {
		case sub.ch <- rec:
		default:
			select {
			case <-sub.ch:
				metrics.EventsDropped.WithLabelValues(sub.name).Inc()
				b.log.Debug().Str("subscriber", sub.name).Str("kind", rec.Kind).
					Msg("subscriber queue full, dropped oldest event")
			default:
			}
			select {
			case sub.ch <- rec:
			default:
			}
		}
		sub.mu.Unlock()
	}
}

// Emit builds and publishes an event for a plugin, marshalling the payload.
func (b *Bus) Emit(kind, pluginKey string, payload any) {
	rec := api.EventRecord{
		PluginKey: pluginKey,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			rec.Payload = data
		}
	}
	b.Publish(rec)
}

// Close shuts every subscription down. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for name, sub := range b.subs {
		delete(b.subs, name)
		close(sub.ch)
	}
}
