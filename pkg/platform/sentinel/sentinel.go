package sentinel

import "errors"

// Sentinel errors for storage facts. Gateways return these (optionally wrapped) so
// the unit of work can translate them into coded errors.
//
// - ErrNotFound: the document does not exist in the collection
// - ErrConflict: a write was rejected by a uniqueness constraint
// - ErrInvalidState: the write does not fit the document's current state
// - ErrUnavailable: the backend could not be reached
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
