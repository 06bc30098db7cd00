package unitofwork

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"odmflush/internal/document"
	"odmflush/internal/events"
	"odmflush/internal/gateway"
	"odmflush/internal/gateway/memory"
	"odmflush/internal/schema"
	"odmflush/internal/unitofwork/metrics"
	dErrors "odmflush/pkg/domain-errors"
)

var issueSchema = &schema.Schema{
	Collection: "issues",
	Fields: []schema.Field{
		{Name: "title", Kind: schema.Scalar, Constraints: []schema.Constraint{schema.Unique}},
		{Name: "body", Kind: schema.Scalar},
		{Name: "tasks", Kind: schema.EmbeddedCollection, Fields: []schema.Field{
			{Name: "title", Kind: schema.Scalar, Constraints: []schema.Constraint{schema.Unique, schema.Sparse}},
		}},
	},
}

type UnitOfWorkSuite struct {
	suite.Suite
	ctx      context.Context
	gw       *memory.Gateway
	registry *schema.Registry
	events   *events.MemoryStore
	reg      *prometheus.Registry
	metrics  *metrics.Metrics
}

func TestUnitOfWorkSuite(t *testing.T) {
	suite.Run(t, new(UnitOfWorkSuite))
}

func (s *UnitOfWorkSuite) SetupTest() {
	s.ctx = context.Background()
	s.gw = memory.New()
	s.registry = schema.NewRegistry(issueSchema)
	s.Require().NoError(s.gw.EnsureIndexes(s.ctx, s.registry.Indexes()...))
	s.events = events.NewMemoryStore()
	s.reg = prometheus.NewRegistry()
	s.metrics = metrics.New(s.reg)
}

func (s *UnitOfWorkSuite) session(opts ...Option) *Session {
	base := []Option{
		WithSchemas(s.registry),
		WithPublisher(s.events),
		WithMetrics(s.metrics),
		WithMaxConcurrentWrites(1),
	}
	return New(s.gw, append(base, opts...)...)
}

// seed commits issues through a throwaway session.
func (s *UnitOfWorkSuite) seed(docs ...document.Document) {
	seeder := New(s.gw)
	for _, doc := range docs {
		_, err := seeder.Persist("issues", doc)
		s.Require().NoError(err)
	}
	_, err := seeder.Flush(s.ctx)
	s.Require().NoError(err)
}

func (s *UnitOfWorkSuite) load(sess *Session, id string) *Root {
	root, err := sess.Load(s.ctx, "issues", id)
	s.Require().NoError(err)
	return root
}

func (s *UnitOfWorkSuite) stored(id string) document.Document {
	doc, err := s.gw.Load(s.ctx, "issues", id)
	s.Require().NoError(err)
	return doc
}

func task(title string) map[string]any {
	return map[string]any{"title": title}
}

func (s *UnitOfWorkSuite) requireViolation(err error, index string) {
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConstraintViolation))
	var cv *gateway.ConstraintViolation
	s.Require().True(errors.As(err, &cv))
	s.Equal(index, cv.Index)
}

func (s *UnitOfWorkSuite) TestEmbeddedTaskAddedWithCollidingTitle() {
	s.seed(
		document.Document{"_id": "r0", "title": "Issue1", "tasks": []any{}},
		document.Document{"_id": "r1", "title": "Issue2", "tasks": []any{}},
	)
	sess := s.session()
	r1 := s.load(sess, "r1")
	s.Require().NoError(r1.Append("tasks", task("T1")))
	s.Require().NoError(r1.Set("title", "Issue1"))

	result, err := sess.Flush(s.ctx)
	s.requireViolation(err, "title_1")
	s.Equal([]string{"r1"}, result.RejectedIDs())

	s.Equal("Issue2", r1.GetString("title"))
	s.Equal(0, r1.Len("tasks"))
	s.Equal(StateClean, r1.State())
	s.True(document.Equal(r1.Snapshot(), r1.Document()))
	s.True(document.Equal(s.stored("r1"), r1.Document()))
}

func (s *UnitOfWorkSuite) TestEmbeddedTaskRenamedWithCollidingTitle() {
	s.seed(
		document.Document{"_id": "r0", "title": "Issue1"},
		document.Document{"_id": "r1", "title": "Issue2", "tasks": []any{task("T1")}},
	)
	sess := s.session()
	r1 := s.load(sess, "r1")
	s.Require().NoError(r1.Set("tasks.0.title", "T2"))
	s.Require().NoError(r1.Set("title", "Issue1"))

	_, err := sess.Flush(s.ctx)
	s.requireViolation(err, "title_1")

	s.Equal("Issue2", r1.GetString("title"))
	s.Equal("T1", r1.GetString("tasks.0.title"))
	stored, _ := s.stored("r1").Get("tasks.0.title")
	s.Equal("T1", stored)
}

func (s *UnitOfWorkSuite) TestEmbeddedTaskRemovedWithCollidingTitle() {
	s.seed(
		document.Document{"_id": "r0", "title": "Issue1"},
		document.Document{"_id": "r1", "title": "Issue2", "tasks": []any{task("T1")}},
	)
	sess := s.session()
	r1 := s.load(sess, "r1")
	_, err := r1.RemoveAt("tasks", 0)
	s.Require().NoError(err)
	s.Require().NoError(r1.Set("title", "Issue1"))

	_, err = sess.Flush(s.ctx)
	s.requireViolation(err, "title_1")

	s.Equal(1, r1.Len("tasks"))
	s.Equal("T1", r1.GetString("tasks.0.title"))
	s.Equal("Issue2", r1.GetString("title"))
}

func (s *UnitOfWorkSuite) TestTwoRootsClaimTheSameTaskTitle() {
	s.seed(
		document.Document{"_id": "r1", "title": "Issue1", "tasks": []any{}},
		document.Document{"_id": "r2", "title": "Issue2", "tasks": []any{}},
	)
	sess := s.session()
	r1 := s.load(sess, "r1")
	r2 := s.load(sess, "r2")
	s.Require().NoError(r1.Append("tasks", task("T1")))
	s.Require().NoError(r1.Set("title", "Issue1 edited"))
	s.Require().NoError(r2.Append("tasks", task("T1")))
	s.Require().NoError(r2.Set("title", "Issue2 edited"))

	result, err := sess.Flush(s.ctx)
	s.requireViolation(err, "tasks.title_1")

	s.Require().Len(result.Committed, 1)
	s.Equal("r1", result.Committed[0].ID)
	s.Equal([]string{"r2"}, result.RejectedIDs())

	s.Equal("Issue1 edited", s.stored("r1")["title"])
	s.Equal("T1", r1.GetString("tasks.0.title"))

	s.Equal("Issue2", r2.GetString("title"))
	s.Equal(0, r2.Len("tasks"))
	s.True(document.Equal(s.stored("r2"), r2.Document()))
}

func (s *UnitOfWorkSuite) TestTaskTitleCollidesWhileParentTitleChanges() {
	s.seed(
		document.Document{"_id": "r1", "title": "Issue1", "tasks": []any{task("T1")}},
		document.Document{"_id": "r2", "title": "Issue2", "tasks": []any{task("T9")}},
	)
	sess := s.session()
	r2 := s.load(sess, "r2")
	before := r2.Document()
	s.Require().NoError(r2.Append("tasks", task("T1")))
	s.Require().NoError(r2.Set("title", "Issue2 renamed"))

	_, err := sess.Flush(s.ctx)
	s.requireViolation(err, "tasks.title_1")
	s.Equal(before, r2.Document())
	s.Equal(before, s.stored("r2"))
}

func (s *UnitOfWorkSuite) TestIndependentRoots() {
	s.seed(
		document.Document{"_id": "r0", "title": "Taken"},
		document.Document{"_id": "r1", "title": "A"},
		document.Document{"_id": "r2", "title": "B"},
	)
	sess := s.session(WithMaxConcurrentWrites(4))
	r1 := s.load(sess, "r1")
	r2 := s.load(sess, "r2")
	s.Require().NoError(r1.Set("title", "Taken"))
	s.Require().NoError(r2.Set("body", "accepted"))

	result, err := sess.Flush(s.ctx)
	s.Require().Error(err)
	s.Equal([]string{"r1"}, result.RejectedIDs())
	s.Require().Len(result.Committed, 1)
	s.Equal("accepted", s.stored("r2")["body"])
	s.Equal("A", s.stored("r1")["title"])
	s.Equal("A", r1.GetString("title"))
}

func (s *UnitOfWorkSuite) TestReflushIsIdempotent() {
	s.seed(document.Document{"_id": "r0", "title": "Taken"}, document.Document{"_id": "r1", "title": "A"})
	sess := s.session()
	r1 := s.load(sess, "r1")

	s.Run("after success", func() {
		s.Require().NoError(r1.Set("body", "x"))
		_, err := sess.Flush(s.ctx)
		s.Require().NoError(err)
		writes := s.gw.Submits()

		result, err := sess.Flush(s.ctx)
		s.Require().NoError(err)
		s.True(result.OK())
		s.Empty(result.Committed)
		s.Equal(writes, s.gw.Submits())
	})

	s.Run("after rejection", func() {
		s.Require().NoError(r1.Set("title", "Taken"))
		_, err := sess.Flush(s.ctx)
		s.Require().Error(err)
		writes := s.gw.Submits()

		_, err = sess.Flush(s.ctx)
		s.NoError(err)
		s.Equal(writes, s.gw.Submits())
	})

	s.Run("mutation back to the snapshot value still writes", func() {
		s.Require().NoError(r1.Set("body", "x"))
		writes := s.gw.Submits()
		_, err := sess.Flush(s.ctx)
		s.NoError(err)
		s.Equal(writes+1, s.gw.Submits())
	})
}

func (s *UnitOfWorkSuite) TestPersistAndRemove() {
	sess := s.session()

	s.Run("persisted root is inserted whole", func() {
		root, err := sess.Persist("issues", document.Document{"title": "New", "tasks": []any{task("t")}})
		s.Require().NoError(err)
		s.NotEmpty(root.ID())
		s.Equal(StateNew, root.State())
		s.Require().NoError(root.Set("body", "before flush"))

		_, err = sess.Flush(s.ctx)
		s.Require().NoError(err)
		s.Equal(StateClean, root.State())
		stored := s.stored(root.ID())
		s.Equal("before flush", stored["body"])
		s.Equal(root.ID(), stored[gateway.IDField])
	})

	s.Run("duplicate insert detaches the new root", func() {
		root, err := sess.Persist("issues", document.Document{"title": "New"})
		s.Require().NoError(err)
		_, err = sess.Flush(s.ctx)
		s.requireViolation(err, "title_1")
		s.Equal(StateDetached, root.State())
		s.True(dErrors.HasCode(root.Set("title", "x"), dErrors.CodeInvalidState))
	})

	s.Run("persisting a managed id fails", func() {
		_, err := sess.Persist("issues", document.Document{"_id": "dup", "title": "D1"})
		s.Require().NoError(err)
		_, err = sess.Persist("issues", document.Document{"_id": "dup", "title": "D2"})
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
		_, err = sess.Flush(s.ctx)
		s.Require().NoError(err)
	})

	s.Run("removed root is deleted and detached", func() {
		root := s.load(sess, "dup")
		s.Require().NoError(sess.Remove(root))
		s.True(dErrors.HasCode(root.Set("title", "x"), dErrors.CodeInvalidState))
		_, err := sess.Flush(s.ctx)
		s.Require().NoError(err)
		s.Equal(StateDetached, root.State())
		_, err = s.gw.Load(s.ctx, "issues", "dup")
		s.Error(err)
	})

	s.Run("removing a never flushed root only detaches it", func() {
		root, err := sess.Persist("issues", document.Document{"title": "Ephemeral"})
		s.Require().NoError(err)
		writes := s.gw.Submits()
		s.Require().NoError(sess.Remove(root))
		_, err = sess.Flush(s.ctx)
		s.Require().NoError(err)
		s.Equal(writes, s.gw.Submits())
	})
}

func (s *UnitOfWorkSuite) TestIdentityMap() {
	s.seed(document.Document{"_id": "r1", "title": "A"})
	sess := s.session()
	first := s.load(sess, "r1")
	s.Require().NoError(first.Set("title", "pending"))

	again := s.load(sess, "r1")
	s.Same(first, again)

	found, err := sess.FindOneBy(s.ctx, "issues", "title", "A")
	s.Require().NoError(err)
	s.Same(first, found)
	s.Equal("pending", found.GetString("title"))

	_, err = sess.Load(s.ctx, "issues", "missing")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	_, err = sess.FindOneBy(s.ctx, "issues", "title", "nope")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	s.Equal(1, sess.Managed())
	sess.Clear()
	s.Equal(0, sess.Managed())
	s.Equal(StateDetached, first.State())
}

func (s *UnitOfWorkSuite) TestRefreshAndDetach() {
	s.seed(document.Document{"_id": "r1", "title": "A"})
	sess := s.session()
	root := s.load(sess, "r1")

	s.Require().NoError(root.Set("title", "local"))
	s.Require().NoError(sess.Refresh(s.ctx, root))
	s.Equal("A", root.GetString("title"))
	s.Equal(StateClean, root.State())
	s.True(sess.Pending(root).Empty())

	writes := s.gw.Submits()
	_, err := sess.Flush(s.ctx)
	s.Require().NoError(err)
	s.Equal(writes, s.gw.Submits())

	s.Require().NoError(root.Set("title", "dropped"))
	sess.Detach(root)
	s.Equal(StateDetached, root.State())
	s.True(dErrors.HasCode(sess.RegisterDirty(root), dErrors.CodeInvalidState))
	_, err = sess.Flush(s.ctx)
	s.Require().NoError(err)
	s.Equal("A", s.stored("r1")["title"])
}

func (s *UnitOfWorkSuite) TestRegisterDirty() {
	s.seed(document.Document{"_id": "r1", "title": "A"})
	sess := s.session()
	root := s.load(sess, "r1")

	s.Require().NoError(sess.RegisterDirty(root))
	s.Equal(StateDirty, root.State())
	result, err := sess.Flush(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, result.Skipped)
	s.Equal(StateClean, root.State())

	other := New(s.gw)
	s.True(dErrors.HasCode(other.RegisterDirty(root), dErrors.CodeInvalidInput))
}

func (s *UnitOfWorkSuite) TestConsolidationConflictRollsBack() {
	s.seed(document.Document{"_id": "r1", "title": "A", "tasks": []any{task("T0"), task("T1")}})
	sess := s.session()
	root := s.load(sess, "r1")
	s.Require().NoError(root.Set("tasks.1.title", "edited"))
	_, err := root.RemoveAt("tasks", 1)
	s.Require().NoError(err)

	writes := s.gw.Submits()
	result, err := sess.Flush(s.ctx)
	s.True(dErrors.HasCode(err, dErrors.CodeConsolidationConflict))
	s.Equal([]string{"r1"}, result.RejectedIDs())
	s.Equal(writes, s.gw.Submits())
	s.Equal(2, root.Len("tasks"))
	s.Equal("T1", root.GetString("tasks.1.title"))
}

func (s *UnitOfWorkSuite) TestReloadOnReject() {
	s.seed(document.Document{"_id": "r0", "title": "Taken"}, document.Document{"_id": "r1", "title": "A"})
	sess := s.session(WithReloadOnReject(true))
	root := s.load(sess, "r1")

	concurrent := New(s.gw)
	peer := s.load(concurrent, "r1")
	s.Require().NoError(peer.Set("body", "from elsewhere"))
	_, err := concurrent.Flush(s.ctx)
	s.Require().NoError(err)

	s.Require().NoError(root.Set("title", "Taken"))
	_, err = sess.Flush(s.ctx)
	s.requireViolation(err, "title_1")
	s.Equal("from elsewhere", root.GetString("body"))
	s.Equal("A", root.GetString("title"))
	s.True(document.Equal(root.Snapshot(), root.Document()))
}

func (s *UnitOfWorkSuite) TestRootMutationGuards() {
	s.seed(document.Document{"_id": "r1", "title": "A"})
	sess := s.session()
	root := s.load(sess, "r1")

	s.True(dErrors.HasCode(root.Set("_id", "other"), dErrors.CodeInvalidInput))
	s.True(dErrors.HasCode(root.Set("", "x"), dErrors.CodeInvalidInput))
	s.True(dErrors.HasCode(root.Set("title.sub", "x"), dErrors.CodeInvalidInput))
	_, err := root.RemoveAt("tasks", 0)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	s.Equal(StateClean, root.State())
}

func (s *UnitOfWorkSuite) TestEventsAndMetrics() {
	s.seed(
		document.Document{"_id": "r0", "title": "Taken"},
		document.Document{"_id": "r1", "title": "A"},
		document.Document{"_id": "r2", "title": "B"},
	)
	sess := s.session()
	r1 := s.load(sess, "r1")
	r2 := s.load(sess, "r2")
	s.Require().NoError(r1.Set("title", "Taken"))
	s.Require().NoError(r2.Set("body", "ok"))

	_, err := sess.Flush(s.ctx)
	s.Require().Error(err)

	rejected := s.events.ListByRoot("issues", "r1")
	s.Require().Len(rejected, 1)
	s.Equal(events.KindRejected, rejected[0].Kind)
	s.Equal("title_1", rejected[0].Index)
	s.Equal(string(dErrors.CodeConstraintViolation), rejected[0].Reason)
	s.Equal([]string{"title"}, rejected[0].Paths)

	committed := s.events.ListByRoot("issues", "r2")
	s.Require().Len(committed, 1)
	s.Equal(events.KindCommitted, committed[0].Kind)
	s.Equal("update", committed[0].Operation)
	s.Equal(rejected[0].FlushID, committed[0].FlushID)

	s.Equal(1.0, testutil.ToFloat64(s.metrics.Flushes))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Writes.WithLabelValues("update", "committed")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Writes.WithLabelValues("update", "rejected")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.Rollbacks.WithLabelValues("issues")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ConstraintViolations.WithLabelValues("title_1")))
}
