// Package redis stores documents in Redis. Each write runs as an optimistic
// transaction: the document key and the hashes of every unique index on the
// collection are watched, claims are checked against the owners read under
// the watch, and the new body and key claims are committed in one MULTI/EXEC.
// A concurrent write to any watched key aborts the transaction and it is
// retried from a fresh read.
//
// Keys carry the collection as a hash tag so one root's transaction stays in
// one cluster slot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/redis/go-redis/v9"

	"odmflush/internal/document"
	"odmflush/internal/gateway"
	"odmflush/internal/schema"
	"odmflush/internal/update"
	"odmflush/pkg/platform/sentinel"
)

const (
	keyPrefix = "odm:"

	defaultMaxRetries = 16
	scanBatch         = 128
)

// Gateway is a Redis-backed gateway.Gateway. Safe for concurrent use.
type Gateway struct {
	client     *redis.Client
	maxRetries int
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMaxRetries bounds how often an aborted transaction is retried.
func WithMaxRetries(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxRetries = n
		}
	}
}

// New returns a gateway writing through client. The client lifecycle is
// managed by the caller.
func New(client *redis.Client, opts ...Option) *Gateway {
	g := &Gateway{client: client, maxRetries: defaultMaxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

var _ gateway.Gateway = (*Gateway)(nil)

type indexMeta struct {
	Path   string `json:"path"`
	Sparse bool   `json:"sparse"`
}

func docKey(collection, id string) string { return keyPrefix + "{" + collection + "}:doc:" + id }
func orderKey(collection string) string   { return keyPrefix + "{" + collection + "}:order" }
func seqKey(collection string) string     { return keyPrefix + "{" + collection + "}:seq" }
func indexesKey(collection string) string { return keyPrefix + "{" + collection + "}:indexes" }
func versionKey(collection string) string { return keyPrefix + "{" + collection + "}:version" }

func uniqueKey(collection, index string) string {
	return keyPrefix + "{" + collection + "}:unique:" + index
}

// Submit applies op to target atomically.
func (g *Gateway) Submit(ctx context.Context, target gateway.Target, op update.Operation) error {
	if op.IsNoop() {
		return nil
	}
	return g.retry(ctx, func() error {
		return g.submitOnce(ctx, target, op)
	})
}

func (g *Gateway) submitOnce(ctx context.Context, target gateway.Target, op update.Operation) error {
	indexes, err := g.loadIndexes(ctx, g.client, target.Collection)
	if err != nil {
		return err
	}
	return g.write(ctx, target, op, indexes)
}

// write runs one transaction against the indexes read before it. It aborts
// with redis.TxFailedErr when the declared indexes changed in between.
func (g *Gateway) write(ctx context.Context, target gateway.Target, op update.Operation, indexes []schema.Index) error {
	key := docKey(target.Collection, target.ID)
	watched := []string{key, indexesKey(target.Collection)}
	for _, idx := range indexes {
		watched = append(watched, uniqueKey(target.Collection, idx.Name))
	}

	return g.client.Watch(ctx, func(tx *redis.Tx) error {
		// An index declared before the watch started would go unclaimed.
		declared, err := g.loadIndexes(ctx, tx, target.Collection)
		if err != nil {
			return err
		}
		if !sameIndexes(indexes, declared) {
			return redis.TxFailedErr
		}
		current, exists, err := readDoc(ctx, tx, key)
		if err != nil {
			return err
		}
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

		var held map[string][]string
		if exists {
			held = gateway.Occupancy(current, indexes)
		}

		if op.Kind == update.Delete {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				release(ctx, pipe, target.Collection, held)
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, orderKey(target.Collection), target.ID)
				pipe.Incr(ctx, versionKey(target.Collection))
				return nil
			})
			return err
		}

		next, err := gateway.Apply(current, target.ID, op)
		if err != nil {
			return fmt.Errorf("submit %s: %w", target, err)
		}
		claimed := gateway.Occupancy(next, indexes)
		if err := checkClaims(ctx, tx, target, claimed); err != nil {
			return err
		}
		body, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode %s: %w", target, err)
		}
		var seq int64
		if !exists {
			if seq, err = tx.Incr(ctx, seqKey(target.Collection)).Result(); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			release(ctx, pipe, target.Collection, held)
			claim(ctx, pipe, target, claimed)
			pipe.Set(ctx, key, body, 0)
			if !exists {
				pipe.ZAdd(ctx, orderKey(target.Collection), redis.Z{Score: float64(seq), Member: target.ID})
			}
			pipe.Incr(ctx, versionKey(target.Collection))
			return nil
		})
		return err
	}, watched...)
}

// Load returns the stored body.
func (g *Gateway) Load(ctx context.Context, collection, id string) (document.Document, error) {
	doc, ok, err := readDoc(ctx, g.client, docKey(collection, id))
	if err != nil {
		return nil, classify(err)
	}
	if !ok {
		return nil, fmt.Errorf("load %s/%s: %w", collection, id, sentinel.ErrNotFound)
	}
	return doc, nil
}

// FindOne scans collection in insertion order.
func (g *Gateway) FindOne(ctx context.Context, collection, field string, value any) (string, document.Document, error) {
	want := gateway.EncodeKey(value)
	var (
		foundID  string
		foundDoc document.Document
	)
	err := g.scan(ctx, g.client, collection, func(id string, doc document.Document) bool {
		if v, ok := doc.Get(field); ok && gateway.EncodeKey(v) == want {
			foundID, foundDoc = id, doc
			return false
		}
		return true
	})
	if err != nil {
		return "", nil, classify(err)
	}
	if foundDoc == nil {
		return "", nil, fmt.Errorf("find %s where %s: %w", collection, field, sentinel.ErrNotFound)
	}
	return foundID, foundDoc, nil
}

// EnsureIndexes declares indexes and claims the keys of documents already
// stored. Declaring an index that existing documents violate fails without
// changes.
func (g *Gateway) EnsureIndexes(ctx context.Context, indexes ...schema.Index) error {
	for _, idx := range indexes {
		err := g.retry(ctx, func() error {
			return g.ensureOnce(ctx, idx)
		})
		if err != nil {
			return fmt.Errorf("ensure index %s on %s: %w", idx.Name, idx.Collection, err)
		}
	}
	return nil
}

func (g *Gateway) ensureOnce(ctx context.Context, idx schema.Index) error {
	watched := []string{
		indexesKey(idx.Collection),
		uniqueKey(idx.Collection, idx.Name),
		versionKey(idx.Collection),
	}
	return g.client.Watch(ctx, func(tx *redis.Tx) error {
		declared, err := tx.HExists(ctx, indexesKey(idx.Collection), idx.Name).Result()
		if err != nil || declared {
			return err
		}
		pending := make(map[string]any)
		var violation error
		err = g.scan(ctx, tx, idx.Collection, func(id string, doc document.Document) bool {
			for _, key := range gateway.Keys(doc, idx) {
				if owner, taken := pending[key]; taken && owner.(string) != id {
					violation = &gateway.ConstraintViolation{
						Index:  idx.Name,
						Target: gateway.Target{Collection: idx.Collection, ID: id},
						Key:    key,
					}
					return false
				}
				pending[key] = id
			}
			return true
		})
		if err != nil {
			return err
		}
		if violation != nil {
			return violation
		}
		meta, err := json.Marshal(indexMeta{Path: idx.Path, Sparse: idx.Sparse})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, indexesKey(idx.Collection), idx.Name, meta)
			if len(pending) > 0 {
				pipe.HSet(ctx, uniqueKey(idx.Collection, idx.Name), pending)
			}
			return nil
		})
		return err
	}, watched...)
}

// retry reruns fn while its transaction is aborted by a concurrent write.
func (g *Gateway) retry(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		err := fn()
		if !errors.Is(err, redis.TxFailedErr) {
			return classify(err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("transaction aborted %d times: %w", g.maxRetries, sentinel.ErrUnavailable)
}

func (g *Gateway) loadIndexes(ctx context.Context, c redis.Cmdable, collection string) ([]schema.Index, error) {
	raw, err := c.HGetAll(ctx, indexesKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]schema.Index, 0, len(raw))
	for name, encoded := range raw {
		var meta indexMeta
		if err := json.Unmarshal([]byte(encoded), &meta); err != nil {
			return nil, fmt.Errorf("decode index %s: %w", name, err)
		}
		out = append(out, schema.Index{Name: name, Collection: collection, Path: meta.Path, Sparse: meta.Sparse})
	}
	return out, nil
}

// sameIndexes reports whether a and b declare the same index names.
func sameIndexes(a, b []schema.Index) bool {
	if len(a) != len(b) {
		return false
	}
	names := make(map[string]struct{}, len(a))
	for _, idx := range a {
		names[idx.Name] = struct{}{}
	}
	for _, idx := range b {
		if _, ok := names[idx.Name]; !ok {
			return false
		}
	}
	return true
}

// scan visits documents in insertion order until visit returns false.
func (g *Gateway) scan(ctx context.Context, c redis.Cmdable, collection string, visit func(id string, doc document.Document) bool) error {
	ids, err := c.ZRange(ctx, orderKey(collection), 0, -1).Result()
	if err != nil {
		return err
	}
	for start := 0; start < len(ids); start += scanBatch {
		batch := ids[start:min(start+scanBatch, len(ids))]
		keys := make([]string, len(batch))
		for i, id := range batch {
			keys[i] = docKey(collection, id)
		}
		values, err := c.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			doc, err := decode([]byte(raw))
			if err != nil {
				return err
			}
			if !visit(batch[i], doc) {
				return nil
			}
		}
	}
	return nil
}

func readDoc(ctx context.Context, c redis.Cmdable, key string) (document.Document, bool, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	doc, err := decode(raw)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

func checkClaims(ctx context.Context, c redis.Cmdable, target gateway.Target, claimed map[string][]string) error {
	for index, keys := range claimed {
		owners, err := c.HMGet(ctx, uniqueKey(target.Collection, index), keys...).Result()
		if err != nil {
			return err
		}
		for i, owner := range owners {
			if id, ok := owner.(string); ok && id != target.ID {
				return &gateway.ConstraintViolation{Index: index, Target: target, Key: keys[i]}
			}
		}
	}
	return nil
}

func claim(ctx context.Context, pipe redis.Pipeliner, target gateway.Target, claimed map[string][]string) {
	for index, keys := range claimed {
		values := make(map[string]any, len(keys))
		for _, key := range keys {
			values[key] = target.ID
		}
		pipe.HSet(ctx, uniqueKey(target.Collection, index), values)
	}
}

func release(ctx context.Context, pipe redis.Pipeliner, collection string, held map[string][]string) {
	for index, keys := range held {
		pipe.HDel(ctx, uniqueKey(collection, index), keys...)
	}
}

func decode(raw []byte) (document.Document, error) {
	var doc document.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, redis.ErrClosed) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
	}
	return err
}
