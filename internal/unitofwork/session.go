// Package unitofwork manages loaded aggregate roots for one logical work session
// and flushes their pending changes as one atomic write per root.
//
// A Session owns an identity map from (collection, id) to the root, its last
// committed snapshot and its change set. On flush every dirty root is compiled
// into a single update and submitted; a rejected write restores that root from
// its snapshot without touching the others. Sessions are not safe for
// concurrent use.
package unitofwork

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"odmflush/internal/changeset"
	"odmflush/internal/document"
	"odmflush/internal/events"
	"odmflush/internal/gateway"
	"odmflush/internal/schema"
	"odmflush/internal/unitofwork/metrics"
	"odmflush/internal/update"
	dErrors "odmflush/pkg/domain-errors"
	"odmflush/pkg/platform/sentinel"
)

const (
	tracerName = "odmflush/internal/unitofwork"

	defaultMaxConcurrentWrites = 4
)

// Session is a unit of work.
type Session struct {
	gateway gateway.Gateway
	builder *update.Builder
	tracker *changeset.Tracker

	identity map[changeset.Key]*Root
	dirty    []changeset.Key
	queued   map[changeset.Key]struct{}

	schemas        *schema.Registry
	logger         *slog.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	publisher      events.Publisher
	maxConcurrent  int
	reloadOnReject bool
	newID          func() string
}

type Option func(s *Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithSchemas enables path validation for the registered collections.
func WithSchemas(r *schema.Registry) Option {
	return func(s *Session) {
		s.schemas = r
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Session) {
		s.publisher = p
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Session) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMaxConcurrentWrites bounds how many roots are submitted at once. 1 submits
// in registration order.
func WithMaxConcurrentWrites(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

// WithReloadOnReject reloads a rejected root from the gateway after restoring
// its snapshot, picking up writes other sessions committed meanwhile.
func WithReloadOnReject(enabled bool) Option {
	return func(s *Session) {
		s.reloadOnReject = enabled
	}
}

// WithIDGenerator overrides identity generation for persisted roots.
func WithIDGenerator(fn func() string) Option {
	return func(s *Session) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// New constructs a Session writing through gw.
func New(gw gateway.Gateway, opts ...Option) *Session {
	s := &Session{
		gateway:       gw,
		tracker:       changeset.NewTracker(),
		identity:      make(map[changeset.Key]*Root),
		queued:        make(map[changeset.Key]struct{}),
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
		maxConcurrent: defaultMaxConcurrentWrites,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.builder = update.NewBuilder(s.schemas)
	return s
}

// Persist schedules a new root for insertion. The id is taken from the "_id"
// field when present and generated otherwise.
func (s *Session) Persist(collection string, doc document.Document) (*Root, error) {
	body := doc.Clone()
	if body == nil {
		body = document.Document{}
	}
	id, _ := body[gateway.IDField].(string)
	if id == "" {
		id = s.newID()
	}
	body[gateway.IDField] = id
	key := changeset.Key{Collection: collection, ID: id}
	if _, exists := s.identity[key]; exists {
		return nil, dErrors.New(dErrors.CodeInvalidState, "root "+key.String()+" is already managed")
	}
	root := &Root{session: s, key: key, doc: body, state: StateNew}
	s.identity[key] = root
	s.enqueue(key)
	return root, nil
}

// Load returns the managed root for id, fetching it on first access.
func (s *Session) Load(ctx context.Context, collection, id string) (*Root, error) {
	key := changeset.Key{Collection: collection, ID: id}
	if root, ok := s.identity[key]; ok {
		return root, nil
	}
	body, err := s.gateway.Load(ctx, collection, id)
	if err != nil {
		return nil, translateLoad(err, key.String())
	}
	return s.manage(key, body), nil
}

// FindOneBy returns the first root whose field equals value. A root already in
// the identity map is returned as is, pending changes included.
func (s *Session) FindOneBy(ctx context.Context, collection, field string, value any) (*Root, error) {
	id, body, err := s.gateway.FindOne(ctx, collection, field, value)
	if err != nil {
		return nil, translateLoad(err, collection+" by "+field)
	}
	key := changeset.Key{Collection: collection, ID: id}
	if root, ok := s.identity[key]; ok {
		return root, nil
	}
	return s.manage(key, body), nil
}

// RegisterDirty includes root in the next flush even if nothing was recorded.
func (s *Session) RegisterDirty(root *Root) error {
	if err := s.owned(root); err != nil {
		return err
	}
	if root.state == StateClean {
		s.markDirty(root)
	}
	return nil
}

// Remove schedules root for deletion. A root that was never flushed is simply
// detached.
func (s *Session) Remove(root *Root) error {
	if err := s.owned(root); err != nil {
		return err
	}
	if root.state == StateNew {
		s.detach(root)
		return nil
	}
	root.state = StateRemoved
	s.enqueue(root.key)
	return nil
}

// Refresh discards pending changes and reloads root from the gateway.
func (s *Session) Refresh(ctx context.Context, root *Root) error {
	if err := s.owned(root); err != nil {
		return err
	}
	if root.state == StateNew {
		return dErrors.New(dErrors.CodeInvalidState, "root "+root.key.String()+" was never flushed")
	}
	body, err := s.gateway.Load(ctx, root.key.Collection, root.key.ID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			s.detach(root)
		}
		return translateLoad(err, root.key.String())
	}
	s.reset(root, body)
	return nil
}

// Detach stops managing root; its pending changes are dropped.
func (s *Session) Detach(root *Root) {
	if root == nil || root.session != s || root.state == StateDetached {
		return
	}
	s.detach(root)
}

// Clear detaches every root.
func (s *Session) Clear() {
	for _, root := range s.identity {
		root.state = StateDetached
	}
	s.identity = make(map[changeset.Key]*Root)
	s.dirty = nil
	s.queued = make(map[changeset.Key]struct{})
	s.tracker = changeset.NewTracker()
}

// Managed returns how many roots the session holds.
func (s *Session) Managed() int {
	return len(s.identity)
}

// Pending returns the recorded change set of root.
func (s *Session) Pending(root *Root) changeset.ChangeSet {
	return s.tracker.Diff(root.key)
}

func (s *Session) manage(key changeset.Key, body document.Document) *Root {
	root := &Root{session: s, key: key, doc: body, snapshot: body.Clone(), state: StateClean}
	s.identity[key] = root
	return root
}

func (s *Session) owned(root *Root) error {
	if root == nil || root.session != s {
		return dErrors.New(dErrors.CodeInvalidInput, "root is not managed by this session")
	}
	if root.state == StateDetached {
		return dErrors.New(dErrors.CodeInvalidState, "root "+root.key.String()+" is detached")
	}
	return nil
}

func (s *Session) markDirty(root *Root) {
	if root.state == StateClean {
		root.state = StateDirty
	}
	s.enqueue(root.key)
}

func (s *Session) enqueue(key changeset.Key) {
	if _, ok := s.queued[key]; ok {
		return
	}
	s.queued[key] = struct{}{}
	s.dirty = append(s.dirty, key)
}

func (s *Session) dequeue(key changeset.Key) {
	if _, ok := s.queued[key]; !ok {
		return
	}
	delete(s.queued, key)
	for i, k := range s.dirty {
		if k == key {
			s.dirty = append(s.dirty[:i:i], s.dirty[i+1:]...)
			return
		}
	}
}

// reset makes body the root's committed and in-memory state.
func (s *Session) reset(root *Root, body document.Document) {
	root.doc = body
	root.snapshot = body.Clone()
	root.state = StateClean
	s.tracker.Clear(root.key)
	s.dequeue(root.key)
}

func (s *Session) detach(root *Root) {
	delete(s.identity, root.key)
	s.tracker.Clear(root.key)
	s.dequeue(root.key)
	root.state = StateDetached
}

func translateLoad(err error, what string) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, what+" not found")
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "load "+what)
	case errors.Is(err, sentinel.ErrUnavailable):
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "load "+what)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "load "+what)
	}
}
