//go:build integration

package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odmflush/internal/document"
	"odmflush/internal/gateway"
	"odmflush/internal/schema"
	"odmflush/internal/update"
	"odmflush/pkg/platform/sentinel"
	"odmflush/pkg/testutil/containers"
)

func TestWriteRetriesWhenIndexesChanged(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	rc := containers.GetManager().GetRedis(t)
	require.NoError(t, rc.FlushAll(ctx))
	g := New(rc.Client)

	title := schema.Index{Name: "title_1", Collection: "staleidx", Path: "title"}
	require.NoError(t, g.EnsureIndexes(ctx, title))

	first := gateway.Target{Collection: "staleidx", ID: "a"}
	insert := update.Operation{Kind: update.Insert, Document: document.Document{"_id": "a", "title": "same"}}

	// Indexes read before the declaration above.
	err := g.write(ctx, first, insert, nil)
	require.ErrorIs(t, err, redis.TxFailedErr)
	_, err = g.Load(ctx, "staleidx", "a")
	require.ErrorIs(t, err, sentinel.ErrNotFound)

	require.NoError(t, g.Submit(ctx, first, insert))

	second := gateway.Target{Collection: "staleidx", ID: "b"}
	err = g.Submit(ctx, second, update.Operation{Kind: update.Insert, Document: document.Document{"_id": "b", "title": "same"}})
	var cv *gateway.ConstraintViolation
	require.True(t, errors.As(err, &cv))
	assert.Equal(t, "title_1", cv.Index)
}
