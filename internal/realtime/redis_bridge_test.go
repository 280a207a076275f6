package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enhancer/internal/domain"
)

func TestRedisBridgeFansOutToLocalStreams(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	receiver := NewManager(time.Second, zerolog.Nop())
	bridge := NewRedisBridge(client, receiver, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bridge.Run(ctx) }()

	select {
	case <-bridge.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never subscribed")
	}

	sub := receiver.Register("job-9")
	// A publish-only bridge, as the relay process uses.
	sender := NewRedisBridge(client, nil, zerolog.Nop())
	require.NoError(t, sender.Publish(ctx, snap("job-9", domain.JobStatusRendering, 61)))

	select {
	case got := <-sub.Events():
		assert.Equal(t, 61, got.Progress)
		assert.Equal(t, domain.JobStatusRendering, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot never arrived")
	}
}

func TestRedisBridgeFallsBackLocally(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	local := NewManager(time.Second, zerolog.Nop())
	sub := local.Register("job-1")
	bridge := NewRedisBridge(client, local, zerolog.Nop())

	err := bridge.Publish(context.Background(), snap("job-1", domain.JobStatusRendering, 50))
	assert.Error(t, err)
	assert.Equal(t, 50, (<-sub.Events()).Progress)
}

func TestRedisBridgeDeliversLocallyOnceDetached(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	local := NewManager(time.Second, zerolog.Nop())
	bridge := NewRedisBridge(client, local, zerolog.Nop())
	mr.Close()
	require.Error(t, bridge.Run(context.Background()))
	assert.True(t, bridge.Detached())

	require.NoError(t, mr.Restart())
	sub := local.Register("job-2")
	require.NoError(t, bridge.Publish(context.Background(), snap("job-2", domain.JobStatusUploading, 90)))

	select {
	case got := <-sub.Events():
		assert.Equal(t, 90, got.Progress)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot never reached the local stream")
	}
}

func TestRedisBridgeStaysAttachedOnShutdown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bridge := NewRedisBridge(client, NewManager(time.Second, zerolog.Nop()), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()
	<-bridge.Ready()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, bridge.Detached())
}
