// Package issue is the issue tracker aggregate: an Issue root embedding Tasks and
// Comments, with Tasks embedding their own Comments. Issue titles are unique
// across the store; task and comment titles are unique where present.
//
// Task and Comment are positional handles into the issue document. Removing an
// element shifts the handles that follow it, so re-read them after a removal.
package issue

import (
	"odmflush/internal/document"
	"odmflush/internal/schema"
	"odmflush/internal/unitofwork"
)

// Collection stores issues.
const Collection = "issues"

const (
	fieldTitle    = "title"
	fieldBody     = "body"
	fieldTasks    = "tasks"
	fieldComments = "comments"
	fieldRelated  = "related"
	fieldIssue    = "issue"
)

// Schema describes the issue collection.
func Schema() *schema.Schema {
	comments := schema.Field{Name: fieldComments, Kind: schema.EmbeddedCollection, Fields: []schema.Field{
		{Name: fieldTitle, Kind: schema.Scalar, Constraints: []schema.Constraint{schema.Unique, schema.Sparse}},
		{Name: fieldBody, Kind: schema.Scalar},
	}}
	return &schema.Schema{
		Collection: Collection,
		Fields: []schema.Field{
			{Name: fieldTitle, Kind: schema.Scalar, Constraints: []schema.Constraint{schema.Unique}},
			{Name: fieldTasks, Kind: schema.EmbeddedCollection, Fields: []schema.Field{
				{Name: fieldTitle, Kind: schema.Scalar, Constraints: []schema.Constraint{schema.Unique, schema.Sparse}},
				{Name: fieldIssue, Kind: schema.Reference, Target: Collection},
				comments,
			}},
			{Name: fieldRelated, Kind: schema.ReferenceCollection, Target: Collection},
			comments,
		},
	}
}

// Ref points at another root without owning it.
type Ref struct {
	Collection string
	ID         string
}

func (r Ref) value() map[string]any {
	return map[string]any{"$ref": r.Collection, "$id": r.ID}
}

func parseRef(v any) (Ref, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Ref{}, false
	}
	coll, _ := m["$ref"].(string)
	id, _ := m["$id"].(string)
	if id == "" {
		return Ref{}, false
	}
	return Ref{Collection: coll, ID: id}, true
}

// Issue is the aggregate root.
type Issue struct {
	root *unitofwork.Root
}

// Wrap adapts a managed root.
func Wrap(root *unitofwork.Root) *Issue {
	return &Issue{root: root}
}

func (i *Issue) Root() *unitofwork.Root { return i.root }
func (i *Issue) ID() string             { return i.root.ID() }
func (i *Issue) Title() string          { return i.root.GetString(fieldTitle) }
func (i *Issue) Ref() Ref               { return Ref{Collection: Collection, ID: i.root.ID()} }

func (i *Issue) SetTitle(title string) error {
	return i.root.Set(fieldTitle, title)
}

// AddTask appends a task referencing this issue.
func (i *Issue) AddTask(title string) (Task, error) {
	index := i.root.Len(fieldTasks)
	err := i.root.Append(fieldTasks, map[string]any{
		fieldTitle:    title,
		fieldIssue:    i.Ref().value(),
		fieldComments: []any{},
	})
	if err != nil {
		return Task{}, err
	}
	return Task{issue: i, index: index}, nil
}

// RemoveTask drops t from the issue.
func (i *Issue) RemoveTask(t Task) error {
	_, err := i.root.RemoveAt(fieldTasks, t.index)
	return err
}

// Tasks returns the tasks accepted by filter, all of them when filter is nil.
func (i *Issue) Tasks(filter func(Task) bool) []Task {
	if filter == nil {
		filter = func(Task) bool { return true }
	}
	var out []Task
	for n := range i.root.Len(fieldTasks) {
		t := Task{issue: i, index: n}
		if filter(t) {
			out = append(out, t)
		}
	}
	return out
}

// AddComment appends a comment to the issue itself.
func (i *Issue) AddComment(title, body string) (Comment, error) {
	return addComment(i.root, fieldComments, title, body)
}

func (i *Issue) RemoveComment(c Comment) error {
	return removeComment(i.root, fieldComments, c)
}

func (i *Issue) Comments(filter func(Comment) bool) []Comment {
	return comments(i.root, fieldComments, filter)
}

// AddRelated references other from this issue.
func (i *Issue) AddRelated(other *Issue) error {
	return i.root.Append(fieldRelated, other.Ref().value())
}

// Related returns the referenced issues in order.
func (i *Issue) Related() []Ref {
	var out []Ref
	for n := range i.root.Len(fieldRelated) {
		v, _ := i.root.Get(document.Elem(fieldRelated, n))
		if ref, ok := parseRef(v); ok {
			out = append(out, ref)
		}
	}
	return out
}

// Task is an embedded task.
type Task struct {
	issue *Issue
	index int
}

func (t Task) path() string { return document.Elem(fieldTasks, t.index) }

func (t Task) Index() int { return t.index }

func (t Task) Title() string {
	return t.issue.root.GetString(t.path() + "." + fieldTitle)
}

func (t Task) SetTitle(title string) error {
	return t.issue.root.Set(t.path()+"."+fieldTitle, title)
}

// Issue returns the issue the task references.
func (t Task) Issue() (Ref, bool) {
	v, _ := t.issue.root.Get(t.path() + "." + fieldIssue)
	return parseRef(v)
}

func (t Task) AddComment(title, body string) (Comment, error) {
	return addComment(t.issue.root, t.path()+"."+fieldComments, title, body)
}

func (t Task) RemoveComment(c Comment) error {
	return removeComment(t.issue.root, t.path()+"."+fieldComments, c)
}

func (t Task) Comments(filter func(Comment) bool) []Comment {
	return comments(t.issue.root, t.path()+"."+fieldComments, filter)
}

// Comment is an embedded comment on an issue or a task.
type Comment struct {
	root       *unitofwork.Root
	collection string
	index      int
}

func (c Comment) path() string { return document.Elem(c.collection, c.index) }

func (c Comment) Index() int    { return c.index }
func (c Comment) Title() string { return c.root.GetString(c.path() + "." + fieldTitle) }
func (c Comment) Body() string  { return c.root.GetString(c.path() + "." + fieldBody) }

func (c Comment) SetTitle(title string) error {
	return c.root.Set(c.path()+"."+fieldTitle, title)
}

func (c Comment) SetBody(body string) error {
	return c.root.Set(c.path()+"."+fieldBody, body)
}

func addComment(root *unitofwork.Root, collection, title, body string) (Comment, error) {
	index := root.Len(collection)
	value := map[string]any{fieldBody: body}
	if title != "" {
		value[fieldTitle] = title
	}
	if err := root.Append(collection, value); err != nil {
		return Comment{}, err
	}
	return Comment{root: root, collection: collection, index: index}, nil
}

func removeComment(root *unitofwork.Root, collection string, c Comment) error {
	_, err := root.RemoveAt(collection, c.index)
	return err
}

func comments(root *unitofwork.Root, collection string, filter func(Comment) bool) []Comment {
	if filter == nil {
		filter = func(Comment) bool { return true }
	}
	var out []Comment
	for n := range root.Len(collection) {
		c := Comment{root: root, collection: collection, index: n}
		if filter(c) {
			out = append(out, c)
		}
	}
	return out
}
