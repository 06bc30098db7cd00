// Package memory is an in-process gateway. It keeps each collection in a map and
// enforces unique indexes the way a document store does: a write is computed on
// a copy of the stored body, its unique keys are checked against every other
// document, and only then is the copy swapped in.
package memory

import (
	"context"
	"fmt"
	"sync"

	"odmflush/internal/document"
	"odmflush/internal/gateway"
	"odmflush/internal/schema"
	"odmflush/internal/update"
	"odmflush/pkg/platform/sentinel"
)

type ownerKey struct {
	collection string
	index      string
	key        string
}

// Gateway stores documents in memory. Safe for concurrent use.
type Gateway struct {
	mu          sync.RWMutex
	collections map[string]map[string]document.Document
	order       map[string][]string
	indexes     map[string][]schema.Index
	owners      map[ownerKey]string
	submits     int
}

// New returns an empty gateway.
func New() *Gateway {
	return &Gateway{
		collections: make(map[string]map[string]document.Document),
		order:       make(map[string][]string),
		indexes:     make(map[string][]schema.Index),
		owners:      make(map[ownerKey]string),
	}
}

var _ gateway.Gateway = (*Gateway)(nil)

// Submit applies op to target atomically.
func (g *Gateway) Submit(ctx context.Context, target gateway.Target, op update.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if op.IsNoop() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits++

	coll := g.collection(target.Collection)
	current, exists := coll[target.ID]
	indexes := g.indexes[target.Collection]

	switch op.Kind {
	case update.Insert:
		if exists {
			return &gateway.ConstraintViolation{Index: "_id_", Target: target, Key: gateway.EncodeKey(target.ID)}
		}
	case update.Update, update.Delete:
		if !exists {
			return fmt.Errorf("submit %s: %w", target, sentinel.ErrNotFound)
		}
	}

	if op.Kind == update.Delete {
		g.release(target, gateway.Occupancy(current, indexes))
		delete(coll, target.ID)
		g.forget(target)
		return nil
	}

	next, err := gateway.Apply(current, target.ID, op)
	if err != nil {
		return fmt.Errorf("submit %s: %w", target, err)
	}
	claimed := gateway.Occupancy(next, indexes)
	if err := g.checkClaims(target, claimed); err != nil {
		return err
	}

	if exists {
		g.release(target, gateway.Occupancy(current, indexes))
	} else {
		g.order[target.Collection] = append(g.order[target.Collection], target.ID)
	}
	g.claim(target, claimed)
	coll[target.ID] = next
	return nil
}

// Load returns a copy of the stored body.
func (g *Gateway) Load(ctx context.Context, collection, id string) (document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	doc, ok := g.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("load %s/%s: %w", collection, id, sentinel.ErrNotFound)
	}
	return doc.Clone(), nil
}

// FindOne scans collection in insertion order.
func (g *Gateway) FindOne(ctx context.Context, collection, field string, value any) (string, document.Document, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	want := gateway.EncodeKey(value)
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, id := range g.order[collection] {
		doc := g.collections[collection][id]
		if v, ok := doc.Get(field); ok && gateway.EncodeKey(v) == want {
			return id, doc.Clone(), nil
		}
	}
	return "", nil, fmt.Errorf("find %s where %s: %w", collection, field, sentinel.ErrNotFound)
}

// EnsureIndexes declares indexes and indexes the documents already stored.
// Declaring an index that existing documents violate fails without changes.
func (g *Gateway) EnsureIndexes(ctx context.Context, indexes ...schema.Index) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, idx := range indexes {
		if g.declared(idx) {
			continue
		}
		pending := make(map[ownerKey]string)
		for _, id := range g.order[idx.Collection] {
			for _, key := range gateway.Keys(g.collections[idx.Collection][id], idx) {
				k := ownerKey{collection: idx.Collection, index: idx.Name, key: key}
				if owner, taken := pending[k]; taken && owner != id {
					return &gateway.ConstraintViolation{
						Index:  idx.Name,
						Target: gateway.Target{Collection: idx.Collection, ID: id},
						Key:    key,
					}
				}
				pending[k] = id
			}
		}
		for k, id := range pending {
			g.owners[k] = id
		}
		g.indexes[idx.Collection] = append(g.indexes[idx.Collection], idx)
	}
	return nil
}

// Submits returns how many non-noop writes reached the gateway.
func (g *Gateway) Submits() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.submits
}

// Count returns the number of documents in collection.
func (g *Gateway) Count(collection string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.collections[collection])
}

func (g *Gateway) collection(name string) map[string]document.Document {
	coll, ok := g.collections[name]
	if !ok {
		coll = make(map[string]document.Document)
		g.collections[name] = coll
	}
	return coll
}

func (g *Gateway) declared(idx schema.Index) bool {
	for _, have := range g.indexes[idx.Collection] {
		if have.Name == idx.Name {
			return true
		}
	}
	return false
}

func (g *Gateway) checkClaims(target gateway.Target, claimed map[string][]string) error {
	for index, keys := range claimed {
		for _, key := range keys {
			owner, taken := g.owners[ownerKey{collection: target.Collection, index: index, key: key}]
			if taken && owner != target.ID {
				return &gateway.ConstraintViolation{Index: index, Target: target, Key: key}
			}
		}
	}
	return nil
}

func (g *Gateway) claim(target gateway.Target, claimed map[string][]string) {
	for index, keys := range claimed {
		for _, key := range keys {
			g.owners[ownerKey{collection: target.Collection, index: index, key: key}] = target.ID
		}
	}
}

func (g *Gateway) release(target gateway.Target, held map[string][]string) {
	for index, keys := range held {
		for _, key := range keys {
			k := ownerKey{collection: target.Collection, index: index, key: key}
			if g.owners[k] == target.ID {
				delete(g.owners, k)
			}
		}
	}
}

func (g *Gateway) forget(target gateway.Target) {
	ids := g.order[target.Collection]
	for i, id := range ids {
		if id == target.ID {
			g.order[target.Collection] = append(ids[:i:i], ids[i+1:]...)
			return
		}
	}
}
