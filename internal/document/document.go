// Package document models the field values of an aggregate root and its embedded
// documents as nested maps and slices addressed by dotted paths.
//
// A path segment that is a non-negative integer addresses a position inside an
// embedded collection ("tasks.0.title"). Values are restricted to what survives a
// JSON round trip: nil, bool, numbers, strings, []any and map[string]any.
package document

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

var (
	// ErrNotTraversable is returned when a path walks into a scalar value.
	ErrNotTraversable = errors.New("path is not traversable")
	// ErrIndexOutOfRange is returned when a collection position does not exist.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrNotCollection is returned when a collection operation targets a non-array value.
	ErrNotCollection = errors.New("value is not a collection")
	// ErrEmptyPath is returned for an empty path.
	ErrEmptyPath = errors.New("empty path")
)

// Document is the field set of a root or embedded document.
type Document map[string]any

// Get returns the value at path.
func (d Document) Get(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = map[string]any(d)
	for _, seg := range Split(path) {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case Document:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, ok := Index(seg)
			if !ok || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at path, creating intermediate documents as needed.
func (d Document) Set(path string, value any) error {
	parent, last, err := d.walk(path, true)
	if err != nil {
		return err
	}
	value = Normalize(value)
	switch node := parent.(type) {
	case map[string]any:
		node[last] = value
	case []any:
		i, ok := Index(last)
		if !ok {
			return fmt.Errorf("%w: %q", ErrNotTraversable, path)
		}
		if i >= len(node) {
			return fmt.Errorf("%w: %q", ErrIndexOutOfRange, path)
		}
		node[i] = value
	}
	return nil
}

// Unset removes the value at path. Unsetting a collection position nulls the
// slot so positions of later elements do not move. A missing path is a no-op.
func (d Document) Unset(path string) error {
	parent, last, err := d.walk(path, false)
	if err != nil {
		if errors.Is(err, errMissing) {
			return nil
		}
		return err
	}
	switch node := parent.(type) {
	case map[string]any:
		delete(node, last)
	case []any:
		i, ok := Index(last)
		if ok && i < len(node) {
			node[i] = nil
		}
	}
	return nil
}

// Insert places value at position index of the collection at path. A missing
// collection is created when index is 0.
func (d Document) Insert(path string, index int, value any) error {
	cur, ok := d.Get(path)
	if !ok {
		if index != 0 {
			return fmt.Errorf("%w: %q[%d]", ErrIndexOutOfRange, path, index)
		}
		return d.Set(path, []any{Normalize(value)})
	}
	list, ok := cur.([]any)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotCollection, path)
	}
	if index < 0 || index > len(list) {
		return fmt.Errorf("%w: %q[%d]", ErrIndexOutOfRange, path, index)
	}
	out := make([]any, 0, len(list)+1)
	out = append(out, list[:index]...)
	out = append(out, Normalize(value))
	out = append(out, list[index:]...)
	return d.Set(path, out)
}

// RemoveAt deletes position index from the collection at path and returns the
// removed element.
func (d Document) RemoveAt(path string, index int) (any, error) {
	cur, ok := d.Get(path)
	if !ok {
		return nil, fmt.Errorf("%w: %q[%d]", ErrIndexOutOfRange, path, index)
	}
	list, ok := cur.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotCollection, path)
	}
	if index < 0 || index >= len(list) {
		return nil, fmt.Errorf("%w: %q[%d]", ErrIndexOutOfRange, path, index)
	}
	removed := list[index]
	out := make([]any, 0, len(list)-1)
	out = append(out, list[:index]...)
	out = append(out, list[index+1:]...)
	return removed, d.Set(path, out)
}

// Len returns the length of the collection at path, or 0.
func (d Document) Len(path string) int {
	cur, ok := d.Get(path)
	if !ok {
		return 0
	}
	list, _ := cur.([]any)
	return len(list)
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneMap(d))
}

// Equal reports deep equality of two documents.
func Equal(a, b Document) bool {
	return reflect.DeepEqual(cloneMap(a), cloneMap(b))
}

var errMissing = errors.New("missing")

// walk returns the container holding the final segment of path.
func (d Document) walk(path string, create bool) (any, string, error) {
	if path == "" {
		return nil, "", ErrEmptyPath
	}
	segs := Split(path)
	var cur any = map[string]any(d)
	for _, seg := range segs[:len(segs)-1] {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok || next == nil {
				if !create {
					return nil, "", errMissing
				}
				child := map[string]any{}
				node[seg] = child
				next = child
			}
			if doc, ok := next.(Document); ok {
				next = map[string]any(doc)
				node[seg] = next
			}
			cur = next
		case []any:
			i, ok := Index(seg)
			if !ok {
				return nil, "", fmt.Errorf("%w: %q", ErrNotTraversable, path)
			}
			if i >= len(node) {
				if !create {
					return nil, "", errMissing
				}
				return nil, "", fmt.Errorf("%w: %q", ErrIndexOutOfRange, path)
			}
			next := node[i]
			if doc, ok := next.(Document); ok {
				next = map[string]any(doc)
				node[i] = next
			}
			cur = next
		default:
			return nil, "", fmt.Errorf("%w: %q", ErrNotTraversable, path)
		}
	}
	switch cur.(type) {
	case map[string]any, []any:
		return cur, segs[len(segs)-1], nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrNotTraversable, path)
	}
}

// Normalize converts Document values and typed slices into the plain map/slice
// forms stored inside a document, deep-copying containers.
func Normalize(v any) any {
	switch t := v.(type) {
	case Document:
		return cloneMap(t)
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Normalize(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneMap(e)
		}
		return out
	case []Document:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneMap(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Normalize(v)
	}
	return out
}

// Split breaks a dotted path into segments.
func Split(path string) []string {
	return strings.Split(path, ".")
}

// Join builds a dotted path.
func Join(segs ...string) string {
	return strings.Join(segs, ".")
}

// Elem returns the path of position index inside the collection at path.
func Elem(path string, index int) string {
	return path + "." + strconv.Itoa(index)
}

// Index parses a collection position segment.
func Index(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	i, err := strconv.Atoi(seg)
	if err != nil {
		return 0, false
	}
	return i, true
}

// Covers reports whether ancestor equals path or is a strict prefix of it.
func Covers(ancestor, path string) bool {
	return ancestor == path || strings.HasPrefix(path, ancestor+".")
}
