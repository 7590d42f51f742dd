package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Credential stores, seed sources and
// other infrastructure return these (optionally wrapped) so services can
// translate them into domain errors.
//
//   - ErrNotFound: no record exists for the subject
//   - ErrConflict: a concurrent writer won, or a duplicate was rejected
//   - ErrInvalidState: the record cannot make the requested transition
//   - ErrUnavailable: the backing store is temporarily unreachable
//
// Validation failures use pkg/domain-errors directly.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
