// Package status defines the canonical error kinds of the sandboxed
// call runtime. Errors returned by the runtime wrap one of the
// sentinels below, so callers can classify failures with errors.Is.
package status

import "errors"

// ErrUnavailable indicates that the sandbox or its communication
// channel is not active. The caller may re-initialize the sandbox and
// retry the operation.
var ErrUnavailable = errors.New("sandbox unavailable")

// ErrFailedPrecondition indicates an operation on a variable or
// pointer in the wrong state (for example transferring a variable that
// has no remote allocation). Retrying without fixing the call site
// will fail again.
var ErrFailedPrecondition = errors.New("failed precondition")

// TransactionError is an application-level failure signaled by a
// transaction body. The diagnostic message is surfaced verbatim as the
// transaction's outcome.
type TransactionError struct {
	Msg string
}

func (e *TransactionError) Error() string { return e.Msg }
