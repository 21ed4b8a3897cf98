package events

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/interchatapp/interchat-calls/internal/database"
	"github.com/interchatapp/interchat-calls/internal/domain"
	"github.com/interchatapp/interchat-calls/pkg/logger"
)

// RedisBridge forwards cluster-wide "queued" notifications from the shared
// store's pub/sub channel onto the local bus, so any worker process can run
// an immediate-match attempt for a request enqueued elsewhere.
type RedisBridge struct {
	client *database.RedisClient
	bus    *Bus

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewRedisBridge creates a bridge between the shared store and the local bus.
func NewRedisBridge(client *database.RedisClient, bus *Bus) *RedisBridge {
	return &RedisBridge{
		client: client,
		bus:    bus,
		stop:   make(chan struct{}),
	}
}

// Start subscribes to the queued-events channel and relays messages until
// stopped. Unparsable messages are logged and dropped.
func (b *RedisBridge) Start(ctx context.Context) error {
	pubsub := b.client.Client.Subscribe(ctx, domain.ChannelQueueEvents)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-b.stop:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var req domain.CallRequest
				if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
					logger.Warn("dropping malformed queued event", zap.Error(err))
					continue
				}
				b.bus.Publish(Event{Type: EventRequestQueued, Request: &req})
			}
		}
	}()
	return nil
}

// Stop halts the relay goroutine.
func (b *RedisBridge) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}
