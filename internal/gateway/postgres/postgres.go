// Package postgres stores documents as JSONB rows. Unique indexes are enforced
// by a side table holding one row per occupied key, so a document write and its
// key claims commit in the same transaction or not at all.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"odmflush/internal/document"
	"odmflush/internal/gateway"
	"odmflush/internal/schema"
	"odmflush/internal/update"
	"odmflush/pkg/platform/sentinel"
	"odmflush/pkg/platform/tx"
)

const uniqueViolation = "23505"

// Schema creates the tables the gateway needs.
const Schema = `
CREATE TABLE IF NOT EXISTS odm_documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	body       JSONB NOT NULL,
	seq        BIGSERIAL,
	PRIMARY KEY (collection, id)
);
CREATE TABLE IF NOT EXISTS odm_indexes (
	collection TEXT NOT NULL,
	name       TEXT NOT NULL,
	path       TEXT NOT NULL,
	sparse     BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (collection, name)
);
CREATE TABLE IF NOT EXISTS odm_unique_keys (
	collection TEXT NOT NULL,
	index_name TEXT NOT NULL,
	key        TEXT NOT NULL,
	doc_id     TEXT NOT NULL,
	PRIMARY KEY (collection, index_name, key),
	FOREIGN KEY (collection, doc_id) REFERENCES odm_documents (collection, id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS odm_unique_keys_doc ON odm_unique_keys (collection, doc_id);
`

// Gateway is a PostgreSQL-backed gateway.Gateway.
type Gateway struct {
	db *sql.DB
}

func New(db *sql.DB) *Gateway {
	return &Gateway{db: db}
}

var _ gateway.Gateway = (*Gateway)(nil)

// Migrate creates the gateway tables if they are missing.
func (g *Gateway) Migrate(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate document tables: %w", classify(err))
	}
	return nil
}

// Submit runs op for target in one transaction. The document row is locked for
// updates so concurrent writers to the same root serialize.
func (g *Gateway) Submit(ctx context.Context, target gateway.Target, op update.Operation) error {
	if op.IsNoop() {
		return nil
	}
	err := tx.Run(ctx, g.db, func(ctx context.Context, q tx.Querier) error {
		switch op.Kind {
		case update.Insert:
			return g.insert(ctx, q, target, op)
		case update.Update:
			return g.update(ctx, q, target, op)
		case update.Delete:
			return g.delete(ctx, q, target)
		default:
			return fmt.Errorf("submit %s: unknown operation kind %v", target, op.Kind)
		}
	})
	if err != nil {
		return mapError(err, target)
	}
	return nil
}

func (g *Gateway) insert(ctx context.Context, q tx.Querier, target gateway.Target, op update.Operation) error {
	next, err := gateway.Apply(nil, target.ID, op)
	if err != nil {
		return err
	}
	indexes, err := loadIndexes(ctx, q, target.Collection)
	if err != nil {
		return err
	}
	claimed := gateway.Occupancy(next, indexes)
	if err := checkClaims(ctx, q, target, claimed); err != nil {
		return err
	}
	body, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s: %w", target, err)
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO odm_documents (collection, id, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO NOTHING
	`, target.Collection, target.ID, body)
	if err != nil {
		return fmt.Errorf("insert %s: %w", target, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &gateway.ConstraintViolation{Index: "_id_", Target: target, Key: gateway.EncodeKey(target.ID)}
	}
	return claimKeys(ctx, q, target, claimed)
}

func (g *Gateway) update(ctx context.Context, q tx.Querier, target gateway.Target, op update.Operation) error {
	var raw []byte
	err := q.QueryRowContext(ctx, `
		SELECT body FROM odm_documents
		WHERE collection = $1 AND id = $2
		FOR UPDATE
	`, target.Collection, target.ID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("submit %s: %w", target, sentinel.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", target, err)
	}
	current, err := decode(raw)
	if err != nil {
		return err
	}
	next, err := gateway.Apply(current, target.ID, op)
	if err != nil {
		return fmt.Errorf("submit %s: %w", target, err)
	}
	indexes, err := loadIndexes(ctx, q, target.Collection)
	if err != nil {
		return err
	}
	claimed := gateway.Occupancy(next, indexes)
	if err := checkClaims(ctx, q, target, claimed); err != nil {
		return err
	}
	body, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s: %w", target, err)
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE odm_documents SET body = $3
		WHERE collection = $1 AND id = $2
	`, target.Collection, target.ID, body); err != nil {
		return fmt.Errorf("update %s: %w", target, err)
	}
	if _, err := q.ExecContext(ctx, `
		DELETE FROM odm_unique_keys WHERE collection = $1 AND doc_id = $2
	`, target.Collection, target.ID); err != nil {
		return fmt.Errorf("release keys of %s: %w", target, err)
	}
	return claimKeys(ctx, q, target, claimed)
}

func (g *Gateway) delete(ctx context.Context, q tx.Querier, target gateway.Target) error {
	res, err := q.ExecContext(ctx, `
		DELETE FROM odm_documents WHERE collection = $1 AND id = $2
	`, target.Collection, target.ID)
	if err != nil {
		return fmt.Errorf("delete %s: %w", target, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("submit %s: %w", target, sentinel.ErrNotFound)
	}
	return nil
}

func (g *Gateway) Load(ctx context.Context, collection, id string) (document.Document, error) {
	var raw []byte
	err := g.db.QueryRowContext(ctx, `
		SELECT body FROM odm_documents WHERE collection = $1 AND id = $2
	`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load %s/%s: %w", collection, id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", collection, id, classify(err))
	}
	return decode(raw)
}

// FindOne matches field with JSONB equality, oldest document first.
func (g *Gateway) FindOne(ctx context.Context, collection, field string, value any) (string, document.Document, error) {
	var (
		id  string
		raw []byte
	)
	err := g.db.QueryRowContext(ctx, `
		SELECT id, body FROM odm_documents
		WHERE collection = $1 AND body #> $2::text[] = $3::jsonb
		ORDER BY seq
		LIMIT 1
	`, collection, pq.Array(document.Split(field)), gateway.EncodeKey(value)).Scan(&id, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, fmt.Errorf("find %s where %s: %w", collection, field, sentinel.ErrNotFound)
	}
	if err != nil {
		return "", nil, fmt.Errorf("find %s where %s: %w", collection, field, classify(err))
	}
	doc, err := decode(raw)
	if err != nil {
		return "", nil, err
	}
	return id, doc, nil
}

// EnsureIndexes records each index and claims the keys existing documents
// already hold. An index the stored data violates is not created.
func (g *Gateway) EnsureIndexes(ctx context.Context, indexes ...schema.Index) error {
	for _, idx := range indexes {
		err := tx.Run(ctx, g.db, func(ctx context.Context, q tx.Querier) error {
			res, err := q.ExecContext(ctx, `
				INSERT INTO odm_indexes (collection, name, path, sparse)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (collection, name) DO NOTHING
			`, idx.Collection, idx.Name, idx.Path, idx.Sparse)
			if err != nil {
				return fmt.Errorf("declare index %s: %w", idx.Name, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil
			}
			return backfill(ctx, q, idx)
		})
		if err != nil {
			return mapError(err, gateway.Target{Collection: idx.Collection})
		}
	}
	return nil
}

func backfill(ctx context.Context, q tx.Querier, idx schema.Index) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id, body FROM odm_documents WHERE collection = $1 ORDER BY seq
	`, idx.Collection)
	if err != nil {
		return fmt.Errorf("scan %s: %w", idx.Collection, err)
	}
	type claim struct {
		id   string
		keys []string
	}
	var claims []claim
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("scan %s: %w", idx.Collection, err)
		}
		doc, err := decode(raw)
		if err != nil {
			rows.Close()
			return err
		}
		claims = append(claims, claim{id: id, keys: gateway.Keys(doc, idx)})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("scan %s: %w", idx.Collection, err)
	}
	rows.Close()

	for _, c := range claims {
		target := gateway.Target{Collection: idx.Collection, ID: c.id}
		if err := claimKeys(ctx, q, target, map[string][]string{idx.Name: c.keys}); err != nil {
			return err
		}
	}
	return nil
}

func loadIndexes(ctx context.Context, q tx.Querier, collection string) ([]schema.Index, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name, path, sparse FROM odm_indexes WHERE collection = $1 ORDER BY name
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("load indexes of %s: %w", collection, err)
	}
	defer rows.Close()
	var out []schema.Index
	for rows.Next() {
		idx := schema.Index{Collection: collection}
		if err := rows.Scan(&idx.Name, &idx.Path, &idx.Sparse); err != nil {
			return nil, fmt.Errorf("load indexes of %s: %w", collection, err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// checkClaims looks for a key another document already owns so the common
// rejection names the index without relying on the primary key error.
func checkClaims(ctx context.Context, q tx.Querier, target gateway.Target, claimed map[string][]string) error {
	names, keys := flatten(claimed)
	if len(names) == 0 {
		return nil
	}
	var index, key string
	err := q.QueryRowContext(ctx, `
		SELECT index_name, key FROM odm_unique_keys
		WHERE collection = $1 AND doc_id <> $2
		  AND (index_name, key) IN (SELECT unnest($3::text[]), unnest($4::text[]))
		ORDER BY index_name, key
		LIMIT 1
	`, target.Collection, target.ID, pq.Array(names), pq.Array(keys)).Scan(&index, &key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check keys of %s: %w", target, err)
	}
	return &gateway.ConstraintViolation{Index: index, Target: target, Key: key}
}

func claimKeys(ctx context.Context, q tx.Querier, target gateway.Target, claimed map[string][]string) error {
	names, keys := flatten(claimed)
	if len(names) == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO odm_unique_keys (collection, index_name, key, doc_id)
		SELECT $1, unnest($2::text[]), unnest($3::text[]), $4
	`, target.Collection, pq.Array(names), pq.Array(keys), target.ID)
	if err != nil {
		return fmt.Errorf("claim keys of %s: %w", target, err)
	}
	return nil
}

func flatten(claimed map[string][]string) (names, keys []string) {
	for name, ks := range claimed {
		for _, k := range ks {
			names = append(names, name)
			keys = append(keys, k)
		}
	}
	return names, keys
}

func decode(raw []byte) (document.Document, error) {
	var doc document.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

// mapError turns a unique violation raised by the key table into a
// ConstraintViolation. Other driver errors are classified.
func mapError(err error, target gateway.Target) error {
	var cv *gateway.ConstraintViolation
	if errors.As(err, &cv) {
		return err
	}
	if detail, ok := uniqueViolationDetail(err); ok {
		index, key := parseKeyDetail(detail)
		return &gateway.ConstraintViolation{Index: index, Target: target, Key: key}
	}
	return classify(err)
}

func uniqueViolationDetail(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.Detail, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return pqErr.Detail, true
	}
	return "", false
}

// parseKeyDetail reads "Key (collection, index_name, key)=(c, i, k) already exists."
func parseKeyDetail(detail string) (index, key string) {
	start := strings.Index(detail, ")=(")
	end := strings.LastIndex(detail, ")")
	if start < 0 || end <= start+3 {
		return "unknown", ""
	}
	parts := strings.SplitN(detail[start+3:end], ", ", 3)
	if len(parts) < 3 {
		return "unknown", ""
	}
	return parts[1], parts[2]
}

func classify(err error) error {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
	}
	return err
}
