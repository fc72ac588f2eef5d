package cachestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackendSweepRemovesExpiredAndPrunesShards(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "key-a", []byte("v"), time.Millisecond))
	require.NoError(t, b.AddToShard(ctx, "shard", "key-a"))
	time.Sleep(5 * time.Millisecond)

	removed := b.Sweep()
	assert.Equal(t, 1, removed)

	members, err := b.ShardMembers(ctx, "shard")
	require.NoError(t, err)
	assert.Empty(t, members)
}
