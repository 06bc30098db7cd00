package issue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odmflush/internal/gateway/memory"
	"odmflush/internal/schema"
	"odmflush/internal/unitofwork"
	dErrors "odmflush/pkg/domain-errors"
)

func newService(t *testing.T) *Service {
	t.Helper()
	gw := memory.New()
	require.NoError(t, gw.EnsureIndexes(context.Background(), Schema().Indexes()...))
	registry := schema.NewRegistry(Schema())
	return NewService(func() *unitofwork.Session {
		return unitofwork.New(gw, unitofwork.WithSchemas(registry))
	})
}

func ptr[T any](v T) *T { return &v }

func TestService(t *testing.T) {
	ctx := context.Background()

	t.Run("create validates and persists", func(t *testing.T) {
		svc := newService(t)
		_, err := svc.Create(ctx, "  ")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))

		created, err := svc.Create(ctx, "Issue1")
		require.NoError(t, err)
		got, err := svc.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "Issue1", got.Title)
		assert.Empty(t, got.Tasks)

		_, err = svc.Create(ctx, "Issue1")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConstraintViolation))
	})

	t.Run("update writes title and tasks together", func(t *testing.T) {
		svc := newService(t)
		a, err := svc.Create(ctx, "A")
		require.NoError(t, err)
		b, err := svc.Create(ctx, "B")
		require.NoError(t, err)

		view, err := svc.Update(ctx, a.ID, Changes{
			Title:       ptr("A2"),
			AddTasks:    []string{"t1", "t2"},
			AddComments: []CommentInput{{Title: "c", Body: "hi"}},
			AddRelated:  []string{b.ID},
		})
		require.NoError(t, err)
		assert.Equal(t, "A2", view.Title)
		require.Len(t, view.Tasks, 2)
		assert.Equal(t, a.ID, view.Tasks[0].Issue)
		assert.Equal(t, []string{b.ID}, view.Related)

		found, err := svc.FindByTitle(ctx, "A2")
		require.NoError(t, err)
		assert.Equal(t, a.ID, found.ID)
	})

	t.Run("rejected update leaves the stored issue untouched", func(t *testing.T) {
		svc := newService(t)
		a, err := svc.Create(ctx, "A")
		require.NoError(t, err)
		_, err = svc.Update(ctx, a.ID, Changes{AddTasks: []string{"shared"}})
		require.NoError(t, err)
		b, err := svc.Create(ctx, "B")
		require.NoError(t, err)

		_, err = svc.Update(ctx, b.ID, Changes{Title: ptr("B2"), AddTasks: []string{"shared"}})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConstraintViolation))

		got, err := svc.Get(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, "B", got.Title)
		assert.Empty(t, got.Tasks)
	})

	t.Run("renames and removals", func(t *testing.T) {
		svc := newService(t)
		a, err := svc.Create(ctx, "A")
		require.NoError(t, err)
		_, err = svc.Update(ctx, a.ID, Changes{AddTasks: []string{"t0", "t1", "t2"}})
		require.NoError(t, err)

		view, err := svc.Update(ctx, a.ID, Changes{
			RenameTasks: map[int]string{0: "first"},
			RemoveTasks: []int{2, 1, 2},
		})
		require.NoError(t, err)
		require.Len(t, view.Tasks, 1)
		assert.Equal(t, "first", view.Tasks[0].Title)

		_, err = svc.Update(ctx, a.ID, Changes{RemoveTasks: []int{5}})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))

		_, err = svc.Update(ctx, a.ID, Changes{
			RenameTasks: map[int]string{0: "doomed"},
			RemoveTasks: []int{0},
		})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConsolidationConflict))

		got, err := svc.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "first", got.Tasks[0].Title)
	})

	t.Run("delete removes the issue", func(t *testing.T) {
		svc := newService(t)
		a, err := svc.Create(ctx, "A")
		require.NoError(t, err)
		require.NoError(t, svc.Delete(ctx, a.ID))

		_, err = svc.Get(ctx, a.ID)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
		assert.True(t, dErrors.HasCode(svc.Delete(ctx, a.ID), dErrors.CodeNotFound))
	})

	t.Run("empty title update is rejected before writing", func(t *testing.T) {
		svc := newService(t)
		a, err := svc.Create(ctx, "A")
		require.NoError(t, err)
		_, err = svc.Update(ctx, a.ID, Changes{Title: ptr("")})
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}
