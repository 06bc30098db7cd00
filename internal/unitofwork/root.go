package unitofwork

import (
	"fmt"

	"odmflush/internal/changeset"
	"odmflush/internal/document"
	"odmflush/internal/gateway"
	dErrors "odmflush/pkg/domain-errors"
)

// State is where a root sits in the session lifecycle.
type State int

const (
	// StateNew roots were persisted in this session and not yet flushed.
	StateNew State = iota
	StateClean
	StateDirty
	// StateRemoved roots are scheduled for deletion at the next flush.
	StateRemoved
	// StateDetached roots are no longer managed by any session.
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateRemoved:
		return "removed"
	case StateDetached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Root is an aggregate root managed by a Session. Its document holds scalar
// fields, embedded collections and references; embedded documents are edited
// through paths rooted here ("tasks.0.title").
//
// A Root is not safe for concurrent mutation.
type Root struct {
	session  *Session
	key      changeset.Key
	doc      document.Document
	snapshot document.Document
	state    State
}

func (r *Root) ID() string                  { return r.key.ID }
func (r *Root) Collection() string          { return r.key.Collection }
func (r *Root) Key() changeset.Key          { return r.key }
func (r *Root) State() State                { return r.state }
func (r *Root) Get(path string) (any, bool) { return r.doc.Get(path) }

func (r *Root) Target() gateway.Target {
	return gateway.Target{Collection: r.key.Collection, ID: r.key.ID}
}

// Len returns the length of the collection at path.
func (r *Root) Len(path string) int {
	return r.doc.Len(path)
}

// GetString returns the string at path, or "".
func (r *Root) GetString(path string) string {
	v, _ := r.doc.Get(path)
	s, _ := v.(string)
	return s
}

// Document returns a copy of the in-memory state.
func (r *Root) Document() document.Document {
	return r.doc.Clone()
}

// Snapshot returns a copy of the last committed state. It is nil for roots
// that were never flushed.
func (r *Root) Snapshot() document.Document {
	return r.snapshot.Clone()
}

// Set writes value at path.
func (r *Root) Set(path string, value any) error {
	if err := r.mutable(path); err != nil {
		return err
	}
	if err := r.doc.Set(path, value); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "set "+path)
	}
	r.record(changeset.Operation{Kind: changeset.Set, Path: path, Value: document.Normalize(value)})
	return nil
}

// Unset removes the value at path.
func (r *Root) Unset(path string) error {
	if err := r.mutable(path); err != nil {
		return err
	}
	if err := r.doc.Unset(path); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "unset "+path)
	}
	r.record(changeset.Operation{Kind: changeset.Unset, Path: path})
	return nil
}

// Insert places value at position index of the collection at path.
func (r *Root) Insert(path string, index int, value any) error {
	if err := r.mutable(path); err != nil {
		return err
	}
	if err := r.doc.Insert(path, index, value); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, "insert into "+path)
	}
	r.record(changeset.Operation{Kind: changeset.Insert, Path: path, Index: index, Value: document.Normalize(value)})
	return nil
}

// Append adds value at the end of the collection at path.
func (r *Root) Append(path string, value any) error {
	return r.Insert(path, r.doc.Len(path), value)
}

// RemoveAt deletes position index from the collection at path.
func (r *Root) RemoveAt(path string, index int) (any, error) {
	if err := r.mutable(path); err != nil {
		return nil, err
	}
	removed, err := r.doc.RemoveAt(path, index)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "remove from "+path)
	}
	r.record(changeset.Operation{Kind: changeset.Remove, Path: path, Index: index})
	return removed, nil
}

func (r *Root) mutable(path string) error {
	switch r.state {
	case StateDetached:
		return dErrors.New(dErrors.CodeInvalidState, "root "+r.key.String()+" is detached")
	case StateRemoved:
		return dErrors.New(dErrors.CodeInvalidState, "root "+r.key.String()+" is scheduled for removal")
	}
	if path == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "empty path")
	}
	if document.Covers(gateway.IDField, path) {
		return dErrors.New(dErrors.CodeInvalidInput, "identity field is immutable")
	}
	return nil
}

// record tracks op for managed roots. New roots are written whole on insert
// and need no change set.
func (r *Root) record(op changeset.Operation) {
	if r.state == StateNew {
		return
	}
	r.session.tracker.Track(r.key, op)
	r.session.markDirty(r)
}
