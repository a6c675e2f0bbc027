package engine

import "errors"

var (
	// ErrBusy is returned when the controller is already running an operation.
	ErrBusy = errors.New("sync controller busy")

	// ErrNotReady is returned for writes before the initial pull completes.
	ErrNotReady = errors.New("sync engine not ready")

	// ErrStopped is returned for operations on a stopped engine.
	ErrStopped = errors.New("sync engine stopped")
)
