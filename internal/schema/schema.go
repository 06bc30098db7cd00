// Package schema describes the shape of an aggregate root: which fields are
// scalars, embedded collections or references, and which carry uniqueness
// constraints. It replaces annotation-driven mapping with an explicit
// descriptor supplied when a session is built.
package schema

import (
	"fmt"
	"sort"

	"odmflush/internal/document"
)

// Kind classifies a field.
type Kind int

const (
	Scalar Kind = iota
	// Embedded is a single owned sub-document.
	Embedded
	// EmbeddedCollection is an ordered sequence of owned sub-documents.
	EmbeddedCollection
	// Reference stores the identity of another root.
	Reference
	// ReferenceCollection stores identities of other roots.
	ReferenceCollection
)

func (k Kind) String() string {
	switch k {
	case Scalar:
		return "scalar"
	case Embedded:
		return "embedded"
	case EmbeddedCollection:
		return "embedded-collection"
	case Reference:
		return "reference"
	case ReferenceCollection:
		return "reference-collection"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsCollection reports whether the field holds an ordered sequence.
func (k Kind) IsCollection() bool {
	return k == EmbeddedCollection || k == ReferenceCollection
}

// Constraint is a storage-level rule attached to a scalar field.
type Constraint int

const (
	Unique Constraint = iota + 1
	// Sparse skips documents that lack the field when enforcing Unique.
	Sparse
)

// Field describes one named field.
type Field struct {
	Name        string
	Kind        Kind
	Constraints []Constraint
	// Target names the collection a reference points to.
	Target string
	// Fields describes embedded documents for Embedded and EmbeddedCollection.
	Fields []Field
}

// Has reports whether the field carries c.
func (f Field) Has(c Constraint) bool {
	for _, have := range f.Constraints {
		if have == c {
			return true
		}
	}
	return false
}

// Schema describes one root collection.
type Schema struct {
	Collection string
	Fields     []Field
}

// Index is a uniqueness rule derived from the schema, keyed by a dotted path
// that skips collection positions ("tasks.title").
type Index struct {
	Name       string
	Collection string
	Path       string
	Sparse     bool
}

// IndexName follows the "<path>_1" convention so violations name the path.
func IndexName(path string) string {
	return path + "_1"
}

// Indexes returns every unique index declared anywhere in the schema.
func (s *Schema) Indexes() []Index {
	var out []Index
	var visit func(prefix string, fields []Field)
	visit = func(prefix string, fields []Field) {
		for _, f := range fields {
			path := f.Name
			if prefix != "" {
				path = prefix + "." + f.Name
			}
			if f.Has(Unique) {
				out = append(out, Index{
					Name:       IndexName(path),
					Collection: s.Collection,
					Path:       path,
					Sparse:     f.Has(Sparse),
				})
			}
			if f.Kind == Embedded || f.Kind == EmbeddedCollection {
				visit(path, f.Fields)
			}
		}
	}
	visit("", s.Fields)
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Resolve finds the field a document path addresses. Collection positions in path
// are skipped; a path that stops at a collection position resolves to an
// element of that collection and reports element=true.
func (s *Schema) Resolve(path string) (field Field, element bool, err error) {
	segs := document.Split(path)
	fields := s.Fields
	var cur *Field
	for i := 0; i < len(segs); i++ {
		seg := segs[i]
		if _, isIndex := document.Index(seg); isIndex {
			if cur == nil || !cur.Kind.IsCollection() {
				return Field{}, false, fmt.Errorf("%s: position %q on non-collection field", path, seg)
			}
			if i == len(segs)-1 {
				return *cur, true, nil
			}
			continue
		}
		if cur != nil && cur.Kind != Embedded && cur.Kind != EmbeddedCollection {
			return Field{}, false, fmt.Errorf("%s: %q is not an embedded document", path, cur.Name)
		}
		if cur != nil {
			fields = cur.Fields
		}
		next, ok := lookup(fields, seg)
		if !ok {
			return Field{}, false, fmt.Errorf("%s: unknown field %q", path, seg)
		}
		cur = &next
	}
	if cur == nil {
		return Field{}, false, fmt.Errorf("empty path")
	}
	return *cur, false, nil
}

func lookup(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Registry maps collections to their schema.
type Registry struct {
	schemas map[string]*Schema
}

// NewRegistry builds a registry from schemas.
func NewRegistry(schemas ...*Schema) *Registry {
	r := &Registry{schemas: make(map[string]*Schema, len(schemas))}
	for _, s := range schemas {
		r.schemas[s.Collection] = s
	}
	return r
}

// Lookup returns the schema for collection.
func (r *Registry) Lookup(collection string) (*Schema, bool) {
	if r == nil {
		return nil, false
	}
	s, ok := r.schemas[collection]
	return s, ok
}

// Indexes returns the unique indexes of every registered schema.
func (r *Registry) Indexes() []Index {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []Index
	for _, name := range names {
		out = append(out, r.schemas[name].Indexes()...)
	}
	return out
}
