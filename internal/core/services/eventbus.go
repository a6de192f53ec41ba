package services

import (
	"log/slog"
	"sync"

	"github.com/manthysbr/auleMarket/internal/core/domain"
)

// BroadcastKey subscribes to every event regardless of job.
const BroadcastKey = "*"

type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan domain.MarketEvent // Key: job ID or BroadcastKey
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan domain.MarketEvent),
	}
}

// Subscribe returns a channel that receives events for a specific job (its decimal ID),
// or for all jobs and admin actions when key is BroadcastKey.
func (b *EventBus) Subscribe(key string) (<-chan domain.MarketEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan domain.MarketEvent, 100) // Buffer to prevent blocking publisher
	b.subs[key] = append(b.subs[key], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[key]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[key] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[key]) == 0 {
				delete(b.subs, key)
			}
		})
	}

	return ch, unsub
}

// Publish delivers e to the job's subscribers and to broadcast subscribers.
// Admin events (JobID 0) only reach broadcast subscribers.
func (b *EventBus) Publish(e domain.MarketEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if e.JobID != 0 {
		b.deliver(e.JobID.String(), e)
	}
	b.deliver(BroadcastKey, e)
}

func (b *EventBus) deliver(key string, e domain.MarketEvent) {
	for _, ch := range b.subs[key] {
		select {
		case ch <- e:
		default:
			// If channel is full, drop event to prevent blocking the engine
			b.logger.Warn("event bus channel full, dropping event", "key", key, "job_id", e.JobID, "type", e.Type)
		}
	}
}
