package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, the bus and the connector
// return these (optionally wrapped) so callers can classify failures with
// errors.Is without depending on a concrete backend:
// - ErrNotFound: key or identity does not exist
// - ErrConflict: a unique registration was attempted twice
// - ErrExpired: a challenge outlived its maximum age
// - ErrInvalidState: entity in wrong state for requested transition
// - ErrUnavailable: backend or remote service temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
