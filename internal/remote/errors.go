package remote

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/geultto/sheetsync/internal/schema"
)

// Sentinel errors for each failure kind. A *SyncError matches the sentinel
// of its Kind via errors.Is, and backends may wrap these directly to report
// a kind.
var (
	// ErrRateLimited indicates the remote quota was exceeded.
	ErrRateLimited = errors.New("remote rate limited")

	// ErrNetwork indicates a transport failure or timeout.
	ErrNetwork = errors.New("remote network error")

	// ErrAuthFailure indicates rejected or missing credentials.
	ErrAuthFailure = errors.New("remote authentication failed")

	// ErrRemoteRejected indicates the remote refused the request.
	ErrRemoteRejected = errors.New("remote rejected request")

	// ErrNotFound indicates no remote row matched an update.
	ErrNotFound = errors.New("remote row not found")
)

// Kind classifies a remote failure.
type Kind int

const (
	KindRemoteRejected Kind = iota
	KindRateLimited
	KindNetwork
	KindAuthFailure
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network_error"
	case KindAuthFailure:
		return "auth_failure"
	case KindNotFound:
		return "not_found"
	default:
		return "remote_rejected"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindNetwork:
		return ErrNetwork
	case KindAuthFailure:
		return ErrAuthFailure
	case KindNotFound:
		return ErrNotFound
	default:
		return ErrRemoteRejected
	}
}

// SyncError is the error returned by every Client operation.
type SyncError struct {
	Kind  Kind
	Table schema.Table
	Op    string
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("remote %s %s failed (%s): %v", e.Op, e.Table, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the error's Kind.
func (e *SyncError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// IsRetryable reports whether a later attempt may succeed without operator
// action.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNetwork)
}

// KindOf returns the failure kind of err.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrAuthFailure):
		return KindAuthFailure
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNetwork),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindRemoteRejected
}

func wrap(t schema.Table, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return err
	}
	return &SyncError{Kind: KindOf(err), Table: t, Op: op, Err: err}
}
