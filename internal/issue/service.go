package issue

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"odmflush/internal/unitofwork"
	dErrors "odmflush/pkg/domain-errors"
)

// SessionFactory opens a fresh unit of work. Every service call runs in its own.
type SessionFactory func() *unitofwork.Session

// Service runs issue use cases, one session and one flush per call. An update
// that touches the title, tasks and comments together is written as a single
// atomic document write, so it commits or rolls back as a whole.
type Service struct {
	sessions SessionFactory
	logger   *slog.Logger
}

type ServiceOption func(*Service)

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

func NewService(sessions SessionFactory, opts ...ServiceOption) *Service {
	s := &Service{sessions: sessions, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CommentInput is a new comment.
type CommentInput struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

// Changes are the edits of one Update call.
type Changes struct {
	Title       *string        `json:"title,omitempty"`
	AddTasks    []string       `json:"add_tasks,omitempty"`
	RenameTasks map[int]string `json:"rename_tasks,omitempty"`
	RemoveTasks []int          `json:"remove_tasks,omitempty"`
	AddComments []CommentInput `json:"add_comments,omitempty"`
	AddRelated  []string       `json:"add_related,omitempty"`
}

// View is the read model returned to callers.
type View struct {
	ID       string        `json:"id"`
	Title    string        `json:"title"`
	Tasks    []TaskView    `json:"tasks"`
	Comments []CommentView `json:"comments"`
	Related  []string      `json:"related"`
}

type TaskView struct {
	Index    int           `json:"index"`
	Title    string        `json:"title"`
	Issue    string        `json:"issue,omitempty"`
	Comments []CommentView `json:"comments"`
}

type CommentView struct {
	Index int    `json:"index"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

func (s *Service) Create(ctx context.Context, title string) (*View, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "title is required")
	}
	repo := NewRepository(s.sessions())
	issue, err := repo.Create(title)
	if err != nil {
		return nil, err
	}
	if _, err := repo.Flush(ctx); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "issue created", "issue_id", issue.ID())
	return render(issue), nil
}

func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	issue, err := NewRepository(s.sessions()).Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return render(issue), nil
}

func (s *Service) FindByTitle(ctx context.Context, title string) (*View, error) {
	issue, err := NewRepository(s.sessions()).FindByTitle(ctx, title)
	if err != nil {
		return nil, err
	}
	return render(issue), nil
}

// Update applies changes in this order: title, task renames, task removals
// (highest position first), new tasks, new comments, related issues. Renaming
// a task that the same call removes is a consolidation conflict.
func (s *Service) Update(ctx context.Context, id string, changes Changes) (*View, error) {
	repo := NewRepository(s.sessions())
	issue, err := repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := apply(ctx, repo, issue, changes); err != nil {
		return nil, err
	}
	if _, err := repo.Flush(ctx); err != nil {
		s.logger.WarnContext(ctx, "issue update rejected",
			"issue_id", id,
			"code", string(dErrors.CodeOf(err)),
			"error", err)
		return nil, err
	}
	return render(issue), nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	repo := NewRepository(s.sessions())
	issue, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := repo.Remove(issue); err != nil {
		return err
	}
	_, err = repo.Flush(ctx)
	return err
}

func apply(ctx context.Context, repo *Repository, issue *Issue, changes Changes) error {
	if changes.Title != nil {
		title := strings.TrimSpace(*changes.Title)
		if title == "" {
			return dErrors.New(dErrors.CodeInvalidInput, "title must not be empty")
		}
		if err := issue.SetTitle(title); err != nil {
			return err
		}
	}

	tasks := issue.Tasks(nil)
	positions := make([]int, 0, len(changes.RenameTasks))
	for pos := range changes.RenameTasks {
		positions = append(positions, pos)
	}
	sort.Ints(positions)
	for _, pos := range positions {
		if pos < 0 || pos >= len(tasks) {
			return dErrors.New(dErrors.CodeInvalidInput, "no task at the given position")
		}
		if err := tasks[pos].SetTitle(changes.RenameTasks[pos]); err != nil {
			return err
		}
	}

	removals := append([]int(nil), changes.RemoveTasks...)
	sort.Sort(sort.Reverse(sort.IntSlice(removals)))
	for n, pos := range removals {
		if n > 0 && removals[n-1] == pos {
			continue
		}
		if pos < 0 || pos >= len(tasks) {
			return dErrors.New(dErrors.CodeInvalidInput, "no task at the given position")
		}
		if err := issue.RemoveTask(tasks[pos]); err != nil {
			return err
		}
	}

	for _, title := range changes.AddTasks {
		if _, err := issue.AddTask(title); err != nil {
			return err
		}
	}
	for _, c := range changes.AddComments {
		if _, err := issue.AddComment(c.Title, c.Body); err != nil {
			return err
		}
	}
	for _, relatedID := range changes.AddRelated {
		other, err := repo.Get(ctx, relatedID)
		if err != nil {
			return err
		}
		if err := issue.AddRelated(other); err != nil {
			return err
		}
	}
	return nil
}

func render(issue *Issue) *View {
	v := &View{
		ID:       issue.ID(),
		Title:    issue.Title(),
		Tasks:    []TaskView{},
		Comments: renderComments(issue.Comments(nil)),
		Related:  []string{},
	}
	for _, t := range issue.Tasks(nil) {
		tv := TaskView{Index: t.Index(), Title: t.Title(), Comments: renderComments(t.Comments(nil))}
		if ref, ok := t.Issue(); ok {
			tv.Issue = ref.ID
		}
		v.Tasks = append(v.Tasks, tv)
	}
	for _, ref := range issue.Related() {
		v.Related = append(v.Related, ref.ID)
	}
	return v
}

func renderComments(comments []Comment) []CommentView {
	out := make([]CommentView, 0, len(comments))
	for _, c := range comments {
		out = append(out, CommentView{Index: c.Index(), Title: c.Title(), Body: c.Body()})
	}
	return out
}
