package changeset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker(t *testing.T) {
	root := Key{Collection: "issues", ID: "i1"}
	other := Key{Collection: "issues", ID: "i2"}

	t.Run("sets are last write wins, collection ops keep order", func(t *testing.T) {
		tr := NewTracker()
		first := tr.Track(root, Operation{Kind: Set, Path: "title", Value: "a"})
		tr.Track(root, Operation{Kind: Insert, Path: "tasks", Index: 0, Value: map[string]any{}})
		tr.Track(root, Operation{Kind: Set, Path: "title", Value: "b"})
		tr.Track(root, Operation{Kind: Remove, Path: "tasks", Index: 0})

		cs := tr.Diff(root)
		require.Equal(t, 3, cs.Len())
		op, ok := cs.Field("title")
		require.True(t, ok)
		assert.Equal(t, "b", op.Value)
		assert.Greater(t, op.Seq, first.Seq)

		colls := cs.Collections()
		require.Len(t, colls, 2)
		assert.Equal(t, Insert, colls[0].Kind)
		assert.Equal(t, Remove, colls[1].Kind)
		assert.Less(t, colls[0].Seq, colls[1].Seq)
		assert.Equal(t, []string{"tasks", "title"}, cs.Paths())
	})

	t.Run("roots are tracked independently", func(t *testing.T) {
		tr := NewTracker()
		tr.Track(root, Operation{Kind: Set, Path: "title", Value: "a"})
		tr.Track(other, Operation{Kind: Unset, Path: "body"})

		assert.True(t, tr.Dirty(root))
		assert.True(t, tr.Dirty(other))
		tr.Clear(root)
		assert.False(t, tr.Dirty(root))
		assert.True(t, tr.Diff(root).Empty())
		assert.Equal(t, 1, tr.Diff(other).Len())
	})

	t.Run("diff is a copy", func(t *testing.T) {
		tr := NewTracker()
		tr.Track(root, Operation{Kind: Set, Path: "title", Value: "a"})
		cs := tr.Diff(root)
		tr.Track(root, Operation{Kind: Set, Path: "body", Value: "b"})
		assert.Equal(t, 1, cs.Len())
	})

	t.Run("fields are sorted by path", func(t *testing.T) {
		tr := NewTracker()
		tr.Track(root, Operation{Kind: Set, Path: "z"})
		tr.Track(root, Operation{Kind: Set, Path: "a"})
		fields := tr.Diff(root).Fields()
		require.Len(t, fields, 2)
		assert.Equal(t, "a", fields[0].Path)
	})
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "issues/i1", Key{Collection: "issues", ID: "i1"}.String())
}
