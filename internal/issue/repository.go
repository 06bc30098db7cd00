package issue

import (
	"context"

	"odmflush/internal/document"
	"odmflush/internal/unitofwork"
)

// Repository reads and schedules issues inside one session.
type Repository struct {
	session *unitofwork.Session
}

func NewRepository(session *unitofwork.Session) *Repository {
	return &Repository{session: session}
}

func (r *Repository) Session() *unitofwork.Session {
	return r.session
}

// Create schedules a new issue for insertion on the next flush.
func (r *Repository) Create(title string) (*Issue, error) {
	root, err := r.session.Persist(Collection, document.Document{
		fieldTitle:    title,
		fieldTasks:    []any{},
		fieldComments: []any{},
		fieldRelated:  []any{},
	})
	if err != nil {
		return nil, err
	}
	return Wrap(root), nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Issue, error) {
	root, err := r.session.Load(ctx, Collection, id)
	if err != nil {
		return nil, err
	}
	return Wrap(root), nil
}

// FindByTitle returns the issue with title.
func (r *Repository) FindByTitle(ctx context.Context, title string) (*Issue, error) {
	root, err := r.session.FindOneBy(ctx, Collection, fieldTitle, title)
	if err != nil {
		return nil, err
	}
	return Wrap(root), nil
}

// Refresh discards local edits and reloads the committed issue.
func (r *Repository) Refresh(ctx context.Context, i *Issue) error {
	return r.session.Refresh(ctx, i.root)
}

func (r *Repository) Remove(i *Issue) error {
	return r.session.Remove(i.root)
}

func (r *Repository) Flush(ctx context.Context) (unitofwork.Result, error) {
	return r.session.Flush(ctx)
}
