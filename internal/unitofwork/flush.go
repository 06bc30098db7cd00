package unitofwork

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"odmflush/internal/changeset"
	"odmflush/internal/events"
	"odmflush/internal/gateway"
	"odmflush/internal/update"
	dErrors "odmflush/pkg/domain-errors"
	"odmflush/pkg/platform/sentinel"
	"odmflush/pkg/requestcontext"
)

// Rejection is a root whose write did not commit.
type Rejection struct {
	Target gateway.Target
	Err    error
}

// Result is the per-root outcome of one flush.
type Result struct {
	Committed []gateway.Target
	Rejected  []Rejection
	// Skipped counts dirty roots whose change set compiled to nothing.
	Skipped int
}

// OK reports whether every attempted write committed.
func (r Result) OK() bool {
	return len(r.Rejected) == 0
}

// Err joins every rejection, or returns nil.
func (r Result) Err() error {
	if len(r.Rejected) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Rejected))
	for _, rej := range r.Rejected {
		errs = append(errs, fmt.Errorf("%s: %w", rej.Target, rej.Err))
	}
	return errors.Join(errs...)
}

// RejectedIDs returns the ids of rejected roots.
func (r Result) RejectedIDs() []string {
	out := make([]string, 0, len(r.Rejected))
	for _, rej := range r.Rejected {
		out = append(out, rej.Target.ID)
	}
	return out
}

type plan struct {
	root *Root
	op   update.Operation
}

// Flush compiles and submits every dirty root. Each root's write is an
// independent atomic unit: a rejection rolls that root back to its snapshot
// and is reported after all other roots were attempted. The returned error
// joins every rejection.
func (s *Session) Flush(ctx context.Context) (Result, error) {
	start := time.Now()
	flushID := uuid.NewString()
	ctx, span := s.tracer.Start(ctx, "unitofwork.Flush", trace.WithAttributes(
		attribute.String("flush.id", flushID),
		attribute.Int("flush.dirty", len(s.dirty)),
	))
	defer span.End()

	var result Result
	plans := s.plan(ctx, &result, flushID)

	outcomes := make([]error, len(plans))
	g := new(errgroup.Group)
	g.SetLimit(s.maxConcurrent)
	for i, p := range plans {
		target, op := p.root.Target(), p.op
		g.Go(func() error {
			outcomes[i] = s.submit(ctx, target, op)
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range plans {
		if outcomes[i] == nil {
			s.commit(p)
			s.countWrite(p, "committed")
			result.Committed = append(result.Committed, p.root.Target())
			s.emit(ctx, flushID, events.KindCommitted, p, nil)
			continue
		}
		s.countWrite(p, "rejected")
		err := s.reject(ctx, p, outcomes[i])
		result.Rejected = append(result.Rejected, Rejection{Target: p.root.Target(), Err: err})
		s.emit(ctx, flushID, events.KindRejected, p, err)
	}

	s.record(ctx, result, flushID, time.Since(start))
	span.SetAttributes(
		attribute.Int("flush.committed", len(result.Committed)),
		attribute.Int("flush.rejected", len(result.Rejected)),
	)
	if err := result.Err(); err != nil {
		span.SetStatus(codes.Error, "rejected writes")
		return result, err
	}
	return result, nil
}

// plan drains the dirty queue in registration order and compiles each root.
// Roots that fail to compile are rolled back on the spot.
func (s *Session) plan(ctx context.Context, result *Result, flushID string) []plan {
	keys := s.dirty
	s.dirty = nil
	s.queued = make(map[changeset.Key]struct{})

	plans := make([]plan, 0, len(keys))
	for _, key := range keys {
		root, ok := s.identity[key]
		if !ok {
			continue
		}
		var op update.Operation
		switch root.state {
		case StateNew:
			op = s.builder.BuildInsert(root)
		case StateRemoved:
			op = s.builder.BuildDelete()
		default:
			var err error
			op, err = s.builder.Build(root, s.tracker.Diff(key))
			if err != nil {
				s.rollback(root)
				result.Rejected = append(result.Rejected, Rejection{Target: root.Target(), Err: err})
				s.emit(ctx, flushID, events.KindRejected, plan{root: root, op: update.Operation{Kind: update.Update}}, err)
				continue
			}
		}
		if op.IsNoop() {
			s.tracker.Clear(key)
			root.state = StateClean
			result.Skipped++
			continue
		}
		plans = append(plans, plan{root: root, op: op})
	}
	return plans
}

func (s *Session) submit(ctx context.Context, target gateway.Target, op update.Operation) error {
	ctx, span := s.tracer.Start(ctx, "unitofwork.Submit", trace.WithAttributes(
		attribute.String("root.collection", target.Collection),
		attribute.String("root.id", target.ID),
		attribute.String("write.kind", op.Kind.String()),
		attribute.Int("write.fields", len(op.Fields)),
	))
	defer span.End()

	err := s.gateway.Submit(ctx, target, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write rejected")
		return translateSubmit(err, target)
	}
	return nil
}

// commit makes the written state the new snapshot.
func (s *Session) commit(p plan) {
	s.tracker.Clear(p.root.key)
	if p.op.Kind == update.Delete {
		delete(s.identity, p.root.key)
		p.root.state = StateDetached
		return
	}
	p.root.snapshot = p.root.doc.Clone()
	p.root.state = StateClean
}

// reject rolls the root back and returns the error to report for it.
func (s *Session) reject(ctx context.Context, p plan, err error) error {
	root := p.root
	if p.op.Kind == update.Insert {
		s.detach(root)
		return err
	}
	s.rollback(root)
	if !s.reloadOnReject {
		return err
	}
	body, loadErr := s.gateway.Load(ctx, root.key.Collection, root.key.ID)
	if loadErr != nil {
		if errors.Is(loadErr, sentinel.ErrNotFound) {
			s.detach(root)
		}
		return errors.Join(err, translateLoad(loadErr, root.key.String()))
	}
	root.doc = body
	root.snapshot = body.Clone()
	return err
}

// rollback restores the root's fields from its snapshot and discards its
// change set. The root is left Clean.
func (s *Session) rollback(root *Root) {
	root.doc = root.snapshot.Clone()
	root.state = StateClean
	s.tracker.Clear(root.key)
	if s.metrics != nil {
		s.metrics.IncrementRollbacks(root.key.Collection)
	}
}

func (s *Session) emit(ctx context.Context, flushID string, kind events.Kind, p plan, err error) {
	if s.publisher == nil {
		return
	}
	event := events.Event{
		Kind:       kind,
		FlushID:    flushID,
		RequestID:  requestcontext.RequestID(ctx),
		Collection: p.root.key.Collection,
		RootID:     p.root.key.ID,
		Operation:  p.op.Kind.String(),
		Paths:      p.op.Paths(),
		Timestamp:  requestcontext.Now(ctx),
	}
	if err != nil {
		event.Reason = string(dErrors.CodeOf(err))
		var cv *gateway.ConstraintViolation
		if errors.As(err, &cv) {
			event.Index = cv.Index
		}
	}
	if pubErr := s.publisher.Publish(ctx, event); pubErr != nil {
		s.logger.WarnContext(ctx, "publish flush event failed",
			"flush_id", flushID,
			"root", p.root.key.String(),
			"error", pubErr)
	}
}

func (s *Session) record(ctx context.Context, result Result, flushID string, elapsed time.Duration) {
	for _, rej := range result.Rejected {
		attrs := []any{
			"flush_id", flushID,
			"root", rej.Target.String(),
			"code", string(dErrors.CodeOf(rej.Err)),
			"error", rej.Err,
		}
		var cv *gateway.ConstraintViolation
		if errors.As(rej.Err, &cv) {
			attrs = append(attrs, "index", cv.Index)
			if s.metrics != nil {
				s.metrics.IncrementConstraintViolations(cv.Index)
			}
		}
		s.logger.WarnContext(ctx, "write rejected, root rolled back", attrs...)
	}
	s.logger.DebugContext(ctx, "flush completed",
		"flush_id", flushID,
		"request_id", requestcontext.RequestID(ctx),
		"committed", len(result.Committed),
		"rejected", len(result.Rejected),
		"skipped", result.Skipped,
		"duration", elapsed)

	if s.metrics == nil {
		return
	}
	s.metrics.IncrementFlushes()
	s.metrics.ObserveFlushDuration(elapsed.Seconds())
}

func (s *Session) countWrite(p plan, outcome string) {
	if s.metrics != nil {
		s.metrics.IncrementWrites(p.op.Kind.String(), outcome)
	}
}

func translateSubmit(err error, target gateway.Target) error {
	var cv *gateway.ConstraintViolation
	switch {
	case errors.As(err, &cv):
		return dErrors.Wrap(err, dErrors.CodeConstraintViolation, "write "+target.String()+" rejected by index "+cv.Index)
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "write "+target.String())
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeInvalidState, "write "+target.String())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "write "+target.String())
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "write "+target.String())
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "write "+target.String())
	}
}
