//go:build integration

package checkpoint_test

import (
	"context"
	"testing"

	"github.com/hugolhafner/go-sonar/checkpoint"
	"github.com/hugolhafner/go-sonar/internal/testutil"
	"github.com/hugolhafner/go-sonar/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEtcdStore_CommitAndGet(t *testing.T) {
	client := testutil.NewEtcdClient(t)
	s := checkpoint.NewEtcdStore(client, checkpoint.EtcdConfig{Prefix: "/test/checkpoints"})
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "0")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Commit(ctx, "0", "3", ""))
	require.NoError(t, s.Commit(ctx, "0", "9", "3"))

	cp, ok, err := s.Get(ctx, "0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stream.Position("9"), cp.Position)
}

func TestEtcdStore_StaleCommit(t *testing.T) {
	client := testutil.NewEtcdClient(t)
	s := checkpoint.NewEtcdStore(client, checkpoint.EtcdConfig{Prefix: "/test/stale"})
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx, "0", "10", ""))

	require.ErrorIs(t, s.Commit(ctx, "0", "20", "5"), checkpoint.ErrStale)
	require.ErrorIs(t, s.Commit(ctx, "0", "20", ""), checkpoint.ErrStale)
	require.ErrorIs(t, s.Commit(ctx, "0", "4", "10"), checkpoint.ErrStale)

	cp, _, err := s.Get(ctx, "0")
	require.NoError(t, err)
	assert.Equal(t, stream.Position("10"), cp.Position)
}
