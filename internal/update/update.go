// Package update compiles a root's recorded change set into one atomic write.
//
// Every compiled update carries a single payload: a map from dotted path to either
// a new value or a removal marker. A scalar edit and an embedded edit on the same
// root end up as sibling entries of that payload ({"title": "X", "tasks.0.title":
// "Y"}), never as separate operators or separate writes, so the gateway applies
// all of it or none of it.
package update

import (
	"fmt"
	"sort"
	"strings"

	"odmflush/internal/changeset"
	"odmflush/internal/document"
	"odmflush/internal/schema"
	dErrors "odmflush/pkg/domain-errors"
)

// Kind is the category of a compiled write.
type Kind int

const (
	Noop Kind = iota
	Insert
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Noop:
		return "noop"
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// FieldUpdate is one payload entry.
type FieldUpdate struct {
	Value  any
	Remove bool
}

// Operation is the atomic write submitted for one root.
type Operation struct {
	Kind Kind
	// Document is the full body of an Insert.
	Document document.Document
	// Fields is the payload of an Update.
	Fields map[string]FieldUpdate
}

// IsNoop reports whether there is nothing to submit.
func (o Operation) IsNoop() bool {
	return o.Kind == Noop
}

// Paths returns the payload paths in order.
func (o Operation) Paths() []string {
	out := make([]string, 0, len(o.Fields))
	for p := range o.Fields {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ConsolidationConflict reports two recorded operations that cannot be merged
// into one payload.
type ConsolidationConflict struct {
	Root   changeset.Key
	Path   string
	Reason string
}

func (e *ConsolidationConflict) Error() string {
	return fmt.Sprintf("consolidation conflict on %s at %q: %s", e.Root, e.Path, e.Reason)
}

// View is the read side of a root the builder needs.
type View interface {
	Key() changeset.Key
	Get(path string) (any, bool)
	Document() document.Document
}

// Builder compiles change sets. It holds no per-root state.
type Builder struct {
	schemas *schema.Registry
}

// NewBuilder returns a builder that validates paths against schemas. A nil
// registry disables validation.
func NewBuilder(schemas *schema.Registry) *Builder {
	return &Builder{schemas: schemas}
}

// BuildInsert compiles the first write of a new root.
func (b *Builder) BuildInsert(root View) Operation {
	return Operation{Kind: Insert, Document: root.Document().Clone()}
}

// BuildDelete compiles the removal of a root.
func (b *Builder) BuildDelete() Operation {
	return Operation{Kind: Delete}
}

// Build compiles cs into a single Update for root. Entries mirror the root's
// in-memory value at each emitted path; an entry whose path is covered by
// another entry is folded into it. Collection inserts and removals emit the
// whole collection.
func (b *Builder) Build(root View, cs changeset.ChangeSet) (Operation, error) {
	if cs.Empty() {
		return Operation{Kind: Noop}, nil
	}
	key := root.Key()
	sch, validate := b.schemas.Lookup(key.Collection)

	rewrite := make(map[string]struct{})
	shifts := make(map[string][]changeset.Operation)
	for _, op := range cs.Collections() {
		if validate {
			if err := checkCollectionOp(key, sch, op); err != nil {
				return Operation{}, err
			}
		}
		rewrite[op.Path] = struct{}{}
		shifts[op.Path] = append(shifts[op.Path], op)
	}

	candidates := make([]string, 0, cs.Len())
	for _, op := range cs.Fields() {
		if validate {
			if err := checkFieldOp(key, sch, op); err != nil {
				return Operation{}, err
			}
		}
		if err := checkStaleEdit(key, op, shifts); err != nil {
			return Operation{}, err
		}
		candidates = append(candidates, op.Path)
	}
	for p := range rewrite {
		candidates = append(candidates, p)
	}

	fields := make(map[string]FieldUpdate, len(candidates))
	for _, p := range fold(candidates) {
		if v, ok := root.Get(p); ok {
			fields[p] = FieldUpdate{Value: document.Normalize(v)}
		} else {
			fields[p] = FieldUpdate{Remove: true}
		}
	}
	return Operation{Kind: Update, Fields: fields}, nil
}

// fold drops duplicate paths and paths covered by a shorter one.
func fold(paths []string) []string {
	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) < len(paths[j])
		}
		return paths[i] < paths[j]
	})
	kept := make([]string, 0, len(paths))
	for _, p := range paths {
		covered := false
		for _, k := range kept {
			if document.Covers(k, p) {
				covered = true
				break
			}
		}
		if !covered {
			kept = append(kept, p)
		}
	}
	sort.Strings(kept)
	return kept
}

// checkStaleEdit rejects a Set or Unset on a collection element that a later
// Remove deleted. The edited position is carried forward through every Insert
// and Remove recorded after the edit, in recording order.
func checkStaleEdit(key changeset.Key, op changeset.Operation, shifts map[string][]changeset.Operation) error {
	for coll, ops := range shifts {
		if !strings.HasPrefix(op.Path, coll+".") {
			continue
		}
		seg := strings.SplitN(strings.TrimPrefix(op.Path, coll+"."), ".", 2)[0]
		pos, ok := document.Index(seg)
		if !ok {
			continue
		}
		for _, shift := range ops {
			if shift.Seq < op.Seq {
				continue
			}
			switch shift.Kind {
			case changeset.Insert:
				if shift.Index <= pos {
					pos++
				}
			case changeset.Remove:
				if shift.Index == pos {
					return conflict(key, op.Path, fmt.Sprintf("%s on element %s of %q which is removed later", op.Kind, seg, coll))
				}
				if shift.Index < pos {
					pos--
				}
			}
		}
	}
	return nil
}

func checkCollectionOp(key changeset.Key, sch *schema.Schema, op changeset.Operation) error {
	field, element, err := sch.Resolve(op.Path)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "resolve path")
	}
	if element || !field.Kind.IsCollection() {
		return conflict(key, op.Path, fmt.Sprintf("%s on %s field", op.Kind, field.Kind))
	}
	return nil
}

func checkFieldOp(key changeset.Key, sch *schema.Schema, op changeset.Operation) error {
	field, element, err := sch.Resolve(op.Path)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "resolve path")
	}
	if op.Kind != changeset.Set || element || !field.Kind.IsCollection() || op.Value == nil {
		return nil
	}
	if _, ok := document.Normalize(op.Value).([]any); !ok {
		return conflict(key, op.Path, fmt.Sprintf("set of %T on %s field", op.Value, field.Kind))
	}
	return nil
}

func conflict(key changeset.Key, path, reason string) error {
	return dErrors.Wrap(&ConsolidationConflict{Root: key, Path: path, Reason: reason},
		dErrors.CodeConsolidationConflict, "build update")
}
