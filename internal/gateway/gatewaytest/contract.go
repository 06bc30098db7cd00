// Package gatewaytest holds the behavior every gateway.Gateway backend must
// share. Backend packages run ContractSuite against a fresh instance.
package gatewaytest

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"odmflush/internal/document"
	"odmflush/internal/gateway"
	"odmflush/internal/schema"
	"odmflush/internal/update"
	"odmflush/pkg/platform/sentinel"
)

// ContractSuite exercises a gateway through its interface only.
type ContractSuite struct {
	suite.Suite
	// New returns an empty gateway for each test.
	New func() gateway.Gateway

	ctx        context.Context
	gw         gateway.Gateway
	collection string
}

func (s *ContractSuite) SetupTest() {
	s.ctx = context.Background()
	s.gw = s.New()
	s.collection = "issues_" + uuid.NewString()[:8]
	s.Require().NoError(s.gw.EnsureIndexes(s.ctx,
		schema.Index{Name: "title_1", Collection: s.collection, Path: "title"},
		schema.Index{Name: "tasks.title_1", Collection: s.collection, Path: "tasks.title", Sparse: true},
	))
}

func (s *ContractSuite) target(id string) gateway.Target {
	return gateway.Target{Collection: s.collection, ID: id}
}

func (s *ContractSuite) insert(id string, body document.Document) error {
	return s.gw.Submit(s.ctx, s.target(id), update.Operation{Kind: update.Insert, Document: body})
}

func (s *ContractSuite) set(id string, fields map[string]update.FieldUpdate) error {
	return s.gw.Submit(s.ctx, s.target(id), update.Operation{Kind: update.Update, Fields: fields})
}

func (s *ContractSuite) load(id string) document.Document {
	doc, err := s.gw.Load(s.ctx, s.collection, id)
	s.Require().NoError(err)
	return doc
}

func (s *ContractSuite) violation(err error) *gateway.ConstraintViolation {
	var cv *gateway.ConstraintViolation
	s.Require().True(errors.As(err, &cv), "expected a constraint violation, got %v", err)
	s.ErrorIs(err, sentinel.ErrConflict)
	return cv
}

func (s *ContractSuite) TestInsertLoadRoundTrip() {
	s.Require().NoError(s.insert("i1", document.Document{
		"title": "A",
		"tasks": []any{map[string]any{"title": "t"}},
	}))
	doc := s.load("i1")
	s.Equal("A", doc["title"])
	s.Equal("i1", doc[gateway.IDField])
	title, ok := doc.Get("tasks.0.title")
	s.True(ok)
	s.Equal("t", title)

	_, err := s.gw.Load(s.ctx, s.collection, "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *ContractSuite) TestSinglePayloadIsAllOrNothing() {
	s.Require().NoError(s.insert("i1", document.Document{"title": "Issue1", "tasks": []any{}}))
	s.Require().NoError(s.insert("i2", document.Document{"title": "Issue2", "tasks": []any{}}))

	err := s.set("i2", map[string]update.FieldUpdate{
		"title": {Value: "Issue1"},
		"tasks": {Value: []any{map[string]any{"title": "T1"}}},
	})
	s.Equal("title_1", s.violation(err).Index)

	doc := s.load("i2")
	s.Equal("Issue2", doc["title"])
	s.Equal(0, doc.Len("tasks"))

	s.NoError(s.insert("i3", document.Document{"title": "Issue3", "tasks": []any{map[string]any{"title": "T1"}}}),
		"the rejected write claimed nothing")
}

func (s *ContractSuite) TestEmbeddedUniqueIndex() {
	s.Require().NoError(s.insert("i1", document.Document{"title": "A", "tasks": []any{map[string]any{"title": "T1"}}}))
	s.Require().NoError(s.insert("i2", document.Document{"title": "B", "tasks": []any{map[string]any{"title": "T2"}}}))

	err := s.set("i2", map[string]update.FieldUpdate{
		"title":         {Value: "B2"},
		"tasks.0.title": {Value: "T1"},
	})
	s.Equal("tasks.title_1", s.violation(err).Index)
	s.Equal("B", s.load("i2")["title"])

	s.NoError(s.set("i1", map[string]update.FieldUpdate{
		"tasks": {Value: []any{map[string]any{"title": "T1"}, map[string]any{"title": "T1"}}},
	}), "one document may repeat its own key")
}

func (s *ContractSuite) TestSparseAndNull() {
	s.Require().NoError(s.insert("i1", document.Document{"title": "A"}))
	s.Require().NoError(s.insert("i2", document.Document{"title": "B"}))

	s.Require().NoError(s.insert("i3", document.Document{"body": "untitled"}))
	s.violation(s.insert("i4", document.Document{"body": "also untitled"}))
}

func (s *ContractSuite) TestUnsetReleasesKey() {
	s.Require().NoError(s.insert("i1", document.Document{"title": "A", "tasks": []any{map[string]any{"title": "T"}}}))
	s.Require().NoError(s.set("i1", map[string]update.FieldUpdate{"tasks": {Remove: true}}))
	_, ok := s.load("i1").Get("tasks")
	s.False(ok)
	s.NoError(s.insert("i2", document.Document{"title": "B", "tasks": []any{map[string]any{"title": "T"}}}))
}

func (s *ContractSuite) TestMissingAndDuplicateIdentity() {
	s.ErrorIs(s.set("ghost", map[string]update.FieldUpdate{"title": {Value: "x"}}), sentinel.ErrNotFound)
	s.ErrorIs(s.gw.Submit(s.ctx, s.target("ghost"), update.Operation{Kind: update.Delete}), sentinel.ErrNotFound)

	s.Require().NoError(s.insert("i1", document.Document{"title": "A"}))
	s.Equal("_id_", s.violation(s.insert("i1", document.Document{"title": "Z"})).Index)
}

func (s *ContractSuite) TestDeleteReleasesKeys() {
	s.Require().NoError(s.insert("i1", document.Document{"title": "A"}))
	s.Require().NoError(s.gw.Submit(s.ctx, s.target("i1"), update.Operation{Kind: update.Delete}))
	_, err := s.gw.Load(s.ctx, s.collection, "i1")
	s.ErrorIs(err, sentinel.ErrNotFound)
	s.NoError(s.insert("i2", document.Document{"title": "A"}))
}

func (s *ContractSuite) TestFindOne() {
	s.Require().NoError(s.insert("i1", document.Document{"title": "A", "tag": "x"}))
	s.Require().NoError(s.insert("i2", document.Document{"title": "B", "tag": "x"}))

	id, doc, err := s.gw.FindOne(s.ctx, s.collection, "title", "B")
	s.Require().NoError(err)
	s.Equal("i2", id)
	s.Equal("B", doc["title"])

	id, _, err = s.gw.FindOne(s.ctx, s.collection, "tag", "x")
	s.Require().NoError(err)
	s.Equal("i1", id)

	_, _, err = s.gw.FindOne(s.ctx, s.collection, "title", "C")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *ContractSuite) TestEnsureIndexesIsIdempotent() {
	s.Require().NoError(s.insert("i1", document.Document{"title": "A"}))
	s.NoError(s.gw.EnsureIndexes(s.ctx, schema.Index{Name: "title_1", Collection: s.collection, Path: "title"}))
	s.violation(s.insert("i2", document.Document{"title": "A"}))
}

func (s *ContractSuite) TestEnsureIndexesRejectsViolatingData() {
	s.Require().NoError(s.insert("i1", document.Document{"title": "A", "code": "dup"}))
	s.Require().NoError(s.insert("i2", document.Document{"title": "B", "code": "dup"}))
	err := s.gw.EnsureIndexes(s.ctx, schema.Index{Name: "code_1", Collection: s.collection, Path: "code"})
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *ContractSuite) TestConcurrentWritersOneWinner() {
	const writers = 8
	for i := range writers {
		s.Require().NoError(s.insert(uuid.NewString(), document.Document{"title": "start-" + string(rune('a'+i))}))
	}
	ids := make([]string, writers)
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		ids[i] = uuid.NewString()
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.insert(ids[i], document.Document{"title": "contended"})
		}()
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		s.violation(err)
	}
	s.Equal(1, won)
}
