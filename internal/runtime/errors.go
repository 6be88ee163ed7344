// Package runtime adapts the Docker Engine API to the operations the
// lifecycle engine needs: image pulls, container create/start/stop/remove,
// inspection, log tailing and managed-container discovery.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/docker/docker/errdefs"
)

// ErrorKind classifies a daemon failure for callers that branch on it.
type ErrorKind string

const (
	KindNotFound    ErrorKind = "not_found"
	KindConflict    ErrorKind = "conflict"
	KindBadRequest  ErrorKind = "bad_request"
	KindTemporary   ErrorKind = "temporary"
	KindTimeout     ErrorKind = "timeout"
	KindUnreachable ErrorKind = "unreachable"
	KindUnknown     ErrorKind = "unknown"
)

// DriverError is a typed container-daemon failure.
type DriverError struct {
	Kind  ErrorKind
	Op    string
	Ref   string
	Cause error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("docker %s %s: %v", e.Op, e.Ref, e.Cause)
}

func (e *DriverError) Unwrap() error { return e.Cause }

// classify maps an SDK error to a DriverError.
func classify(op, ref string, err error) error {
	if err == nil {
		return nil
	}
	de := &DriverError{Op: op, Ref: ref, Cause: err, Kind: KindUnknown}
	switch {
	case errdefs.IsNotFound(err):
		de.Kind = KindNotFound
	case errdefs.IsConflict(err):
		de.Kind = KindConflict
	case errdefs.IsInvalidParameter(err):
		de.Kind = KindBadRequest
	case errors.Is(err, context.DeadlineExceeded) || isNetTimeout(err):
		de.Kind = KindTimeout
	case errdefs.IsSystem(err) || errdefs.IsUnavailable(err):
		de.Kind = KindTemporary
	case isConnError(err):
		de.Kind = KindUnreachable
	}
	return de
}

func isNetTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func kindOf(err error) ErrorKind {
	var de *DriverError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err is a daemon 404.
func IsNotFound(err error) bool { return kindOf(err) == KindNotFound }

// IsConflict reports whether err is a daemon 409, e.g. a name collision.
func IsConflict(err error) bool { return kindOf(err) == KindConflict }

// IsTemporary reports whether retrying the operation may succeed.
func IsTemporary(err error) bool {
	k := kindOf(err)
	return k == KindTemporary || k == KindUnreachable
}

// IsTimeout reports whether the operation exceeded its deadline.
func IsTimeout(err error) bool { return kindOf(err) == KindTimeout }

// IsUnreachable reports whether the daemon could not be contacted at all.
func IsUnreachable(err error) bool { return kindOf(err) == KindUnreachable }
