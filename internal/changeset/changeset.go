// Package changeset records field-level mutations made to loaded aggregate roots
// between two flushes.
//
// Set and Unset are keyed by path and last-write-wins. Insert and Remove keep
// their order because each shifts the positions seen by the next one. Every
// operation carries a sequence number so later stages can tell which of two
// overlapping operations happened first.
//
// A Tracker is not safe for concurrent use; a root has a single writer.
package changeset

import (
	"fmt"
	"sort"
)

// Kind is the type of a recorded operation.
type Kind int

const (
	Set Kind = iota + 1
	Unset
	Insert
	Remove
)

func (k Kind) String() string {
	switch k {
	case Set:
		return "set"
	case Unset:
		return "unset"
	case Insert:
		return "insert"
	case Remove:
		return "remove"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Operation is one recorded mutation. Path is always rooted at the aggregate
// root; for Insert and Remove it names the collection and Index the position.
type Operation struct {
	Kind  Kind
	Path  string
	Index int
	Value any
	Seq   uint64
}

// Key identifies an aggregate root.
type Key struct {
	Collection string
	ID         string
}

func (k Key) String() string {
	return k.Collection + "/" + k.ID
}

// ChangeSet is the accumulated mutations of one root.
type ChangeSet struct {
	fields      map[string]Operation
	collections []Operation
}

// Empty reports whether nothing was recorded.
func (c ChangeSet) Empty() bool {
	return len(c.fields) == 0 && len(c.collections) == 0
}

// Len returns the number of recorded operations.
func (c ChangeSet) Len() int {
	return len(c.fields) + len(c.collections)
}

// Field returns the Set or Unset recorded for path.
func (c ChangeSet) Field(path string) (Operation, bool) {
	op, ok := c.fields[path]
	return op, ok
}

// Fields returns Set and Unset operations ordered by path.
func (c ChangeSet) Fields() []Operation {
	out := make([]Operation, 0, len(c.fields))
	for _, op := range c.fields {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Collections returns Insert and Remove operations in recording order.
func (c ChangeSet) Collections() []Operation {
	return append([]Operation(nil), c.collections...)
}

// Paths returns every path touched, ordered and without duplicates.
func (c ChangeSet) Paths() []string {
	seen := make(map[string]struct{}, c.Len())
	out := make([]string, 0, c.Len())
	for p := range c.fields {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, op := range c.collections {
		if _, ok := seen[op.Path]; !ok {
			seen[op.Path] = struct{}{}
			out = append(out, op.Path)
		}
	}
	sort.Strings(out)
	return out
}

// Tracker accumulates change sets per root.
type Tracker struct {
	seq   uint64
	roots map[Key]*ChangeSet
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{roots: make(map[Key]*ChangeSet)}
}

// Track records op against root and returns it with its sequence number set.
func (t *Tracker) Track(root Key, op Operation) Operation {
	t.seq++
	op.Seq = t.seq
	cs, ok := t.roots[root]
	if !ok {
		cs = &ChangeSet{fields: make(map[string]Operation)}
		t.roots[root] = cs
	}
	switch op.Kind {
	case Insert, Remove:
		cs.collections = append(cs.collections, op)
	default:
		cs.fields[op.Path] = op
	}
	return op
}

// Diff returns a copy of the operations recorded for root.
func (t *Tracker) Diff(root Key) ChangeSet {
	cs, ok := t.roots[root]
	if !ok {
		return ChangeSet{}
	}
	out := ChangeSet{
		fields:      make(map[string]Operation, len(cs.fields)),
		collections: append([]Operation(nil), cs.collections...),
	}
	for p, op := range cs.fields {
		out.fields[p] = op
	}
	return out
}

// Clear discards the operations recorded for root.
func (t *Tracker) Clear(root Key) {
	delete(t.roots, root)
}

// Dirty reports whether root has any recorded operation.
func (t *Tracker) Dirty(root Key) bool {
	cs, ok := t.roots[root]
	return ok && !cs.Empty()
}
