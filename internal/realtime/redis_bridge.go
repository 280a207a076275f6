package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultChannel = "enhancement:snapshots"

// RedisBridge fans snapshots out through a Redis channel so any API
// instance holding the job's stream can deliver them.
type RedisBridge struct {
	client  *redis.Client
	channel string
	local   *Manager
	logger  zerolog.Logger
	ready   chan struct{}

	// detached is set once Run stops relaying; local streams are then fed directly.
	detached atomic.Bool
}

func NewRedisBridge(client *redis.Client, local *Manager, logger zerolog.Logger) *RedisBridge {
	return &RedisBridge{
		client:  client,
		channel: defaultChannel,
		local:   local,
		logger:  logger.With().Str("component", "sse_bridge").Logger(),
		ready:   make(chan struct{}),
	}
}

// Publish sends snap to every instance. If Redis is unreachable, or this
// instance is no longer subscribed, the snapshot is delivered locally too.
func (b *RedisBridge) Publish(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	err = b.client.Publish(ctx, b.channel, payload).Err()
	if b.local != nil && (err != nil || b.detached.Load()) {
		b.local.Broadcast(snap)
	}
	if err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Detached reports whether Run has stopped relaying.
func (b *RedisBridge) Detached() bool { return b.detached.Load() }

// Ready is closed once Run has subscribed.
func (b *RedisBridge) Ready() <-chan struct{} { return b.ready }

// Run relays channel messages into the local manager until ctx ends.
// Publish-only processes never call it.
func (b *RedisBridge) Run(ctx context.Context) error {
	defer func() {
		if ctx.Err() == nil {
			b.detached.Store(true)
		}
	}()
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	close(b.ready)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var snap Snapshot
			if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
				b.logger.Warn().Err(err).Msg("sse_bridge: drop malformed snapshot")
				continue
			}
			if b.local != nil {
				b.local.Broadcast(snap)
			}
		}
	}
}
