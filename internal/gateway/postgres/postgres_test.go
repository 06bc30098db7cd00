package postgres

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odmflush/internal/gateway"
	"odmflush/pkg/platform/sentinel"
)

func TestParseKeyDetail(t *testing.T) {
	tests := []struct {
		detail string
		index  string
		key    string
	}{
		{
			detail: `Key (collection, index_name, key)=(issues, title_1, "Issue1") already exists.`,
			index:  "title_1",
			key:    `"Issue1"`,
		},
		{
			detail: `Key (collection, index_name, key)=(issues, tasks.title_1, "a, (b)") already exists.`,
			index:  "tasks.title_1",
			key:    `"a, (b)"`,
		},
		{detail: "", index: "unknown"},
		{detail: "Key (a)=(b) already exists.", index: "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.detail, func(t *testing.T) {
			index, key := parseKeyDetail(tt.detail)
			assert.Equal(t, tt.index, index)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestMapError(t *testing.T) {
	target := gateway.Target{Collection: "issues", ID: "i1"}
	detail := `Key (collection, index_name, key)=(issues, title_1, "A") already exists.`

	t.Run("pgx unique violation", func(t *testing.T) {
		err := mapError(fmt.Errorf("claim: %w", &pgconn.PgError{Code: uniqueViolation, Detail: detail}), target)
		var cv *gateway.ConstraintViolation
		require.True(t, errors.As(err, &cv))
		assert.Equal(t, "title_1", cv.Index)
		assert.Equal(t, target, cv.Target)
	})

	t.Run("lib/pq unique violation", func(t *testing.T) {
		err := mapError(&pq.Error{Code: uniqueViolation, Detail: detail}, target)
		assert.ErrorIs(t, err, sentinel.ErrConflict)
	})

	t.Run("violation found by the key check passes through", func(t *testing.T) {
		in := &gateway.ConstraintViolation{Index: "tasks.title_1", Target: target}
		assert.Same(t, in, mapError(in, target))
	})

	t.Run("other database errors pass through", func(t *testing.T) {
		in := &pgconn.PgError{Code: "23503"}
		assert.ErrorIs(t, mapError(in, target), in)
	})

	t.Run("broken connections are unavailable", func(t *testing.T) {
		assert.ErrorIs(t, mapError(driver.ErrBadConn, target), sentinel.ErrUnavailable)
	})
}
