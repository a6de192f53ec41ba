package redisrelay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/manthysbr/auleMarket/internal/core/domain"
	"github.com/manthysbr/auleMarket/internal/core/ports"
	"github.com/redis/go-redis/v9"
)

// Publisher is the slice of *redis.Client the relay needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Relay forwards market events to a Redis pub/sub channel as JSON so indexers and other
// processes can follow the marketplace. Publish never blocks the marketplace: events are
// queued and dropped when the queue is full.
type Relay struct {
	logger  *slog.Logger
	rdb     Publisher
	channel string
	queue   chan domain.MarketEvent
	dropped atomic.Uint64
}

var _ ports.EventPublisher = (*Relay)(nil)

func New(logger *slog.Logger, rdb Publisher, channel string, bufferSize int) *Relay {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Relay{
		logger:  logger,
		rdb:     rdb,
		channel: channel,
		queue:   make(chan domain.MarketEvent, bufferSize),
	}
}

func (r *Relay) Publish(e domain.MarketEvent) {
	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
		r.logger.Warn("redis relay queue full, dropping event", "event_id", e.ID, "type", e.Type)
	}
}

// Dropped is the number of events discarded because the queue was full.
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}

// Run drains the queue until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("redis event relay started", "channel", r.channel)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("redis event relay stopped")
			return nil
		case e := <-r.queue:
			r.forward(ctx, e)
		}
	}
}

func (r *Relay) forward(ctx context.Context, e domain.MarketEvent) {
	payload, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("failed to marshal event", "event_id", e.ID, "error", err)
		return
	}
	if err := r.rdb.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("failed to relay event", "event_id", e.ID, "type", e.Type, "error", err)
	}
}
