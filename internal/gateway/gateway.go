// Package gateway defines the storage contract the unit of work writes through and
// the pieces every backend shares: applying a compiled update to a stored body and
// extracting the unique keys a body occupies.
package gateway

import (
	"context"
	"fmt"

	"odmflush/internal/document"
	"odmflush/internal/schema"
	"odmflush/internal/update"
	"odmflush/pkg/platform/sentinel"
)

// Target addresses one root. Writes are filtered on identity only.
type Target struct {
	Collection string
	ID         string
}

func (t Target) String() string {
	return t.Collection + "/" + t.ID
}

//go:generate mockgen -source=gateway.go -destination=mocks/gateway_mock.go -package=mocks Gateway

// Gateway executes one atomic write per Submit call.
type Gateway interface {
	// Submit applies op to the document at target, all or nothing. A rejected
	// write returns *ConstraintViolation.
	Submit(ctx context.Context, target Target, op update.Operation) error
	// Load returns the committed body, or sentinel.ErrNotFound.
	Load(ctx context.Context, collection, id string) (document.Document, error)
	// FindOne returns the id and body of the first document whose field equals
	// value, or sentinel.ErrNotFound.
	FindOne(ctx context.Context, collection, field string, value any) (string, document.Document, error)
	// EnsureIndexes declares unique indexes.
	EnsureIndexes(ctx context.Context, indexes ...schema.Index) error
}

// ConstraintViolation is a write rejected by a unique index.
type ConstraintViolation struct {
	Index  string
	Target Target
	Key    string
}

func (e *ConstraintViolation) Error() string {
	return fmt.Sprintf("E11000 duplicate key error: index %s on %s (key %s)", e.Index, e.Target, e.Key)
}

// Is makes every ConstraintViolation match sentinel.ErrConflict.
func (e *ConstraintViolation) Is(target error) bool {
	return target == sentinel.ErrConflict
}

// IDField is the body field that stores the root identity.
const IDField = "_id"

// Apply returns the body produced by applying op to current. current is not
// modified.
func Apply(current document.Document, id string, op update.Operation) (document.Document, error) {
	switch op.Kind {
	case update.Insert:
		next := op.Document.Clone()
		if next == nil {
			next = document.Document{}
		}
		next[IDField] = id
		return next, nil
	case update.Update:
		next := current.Clone()
		for _, p := range op.Paths() {
			f := op.Fields[p]
			var err error
			if f.Remove {
				err = next.Unset(p)
			} else {
				err = next.Set(p, f.Value)
			}
			if err != nil {
				return nil, fmt.Errorf("apply %q: %w: %w", p, sentinel.ErrInvalidState, err)
			}
		}
		next[IDField] = id
		return next, nil
	case update.Delete, update.Noop:
		return nil, nil
	default:
		return nil, fmt.Errorf("apply: unknown operation kind %v", op.Kind)
	}
}
