// Package transaction wraps a sequence of sandbox calls in a single
// outcome: the sandbox is initialized before the body runs, and a body
// failure tears the sandboxee down so a later attempt starts fresh.
package transaction

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ccock/sandboxed-api/sandbox"
	"github.com/ccock/sandboxed-api/status"
)

const defaultRetryInterval = 100 * time.Millisecond

// Body is the user code run against an initialized sandbox
type Body func(s *sandbox.Sandbox) error

// Transaction owns a sandbox controller for the duration of its runs
type Transaction struct {
	sb       *sandbox.Sandbox
	retries  uint64
	interval time.Duration
}

// Option configures a Transaction
type Option func(*Transaction)

// WithRetries re-runs a failed body up to n more times, each against a
// freshly initialized sandbox. The default is no retries; a failure
// surfaces directly.
func WithRetries(n uint64) Option {
	return func(t *Transaction) { t.retries = n }
}

// WithRetryInterval sets the pause between attempts
func WithRetryInterval(d time.Duration) Option {
	return func(t *Transaction) { t.interval = d }
}

// New creates a transaction over sb
func New(sb *sandbox.Sandbox, opts ...Option) *Transaction {
	t := &Transaction{
		sb:       sb,
		interval: defaultRetryInterval,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Sandbox returns the wrapped controller
func (t *Transaction) Sandbox() *sandbox.Sandbox { return t.sb }

// Failf signals an application-level transaction failure; the message
// surfaces verbatim as the transaction's outcome
func Failf(format string, a ...any) error {
	return &status.TransactionError{Msg: fmt.Sprintf(format, a...)}
}

// Run initializes the sandbox, executes body, and reports the single
// outcome. On failure the sandboxee is terminated; with retries
// configured the body runs again on a fresh instance.
func (t *Transaction) Run(body Body) error {
	attempt := func() error {
		if err := t.sb.Init(); err != nil {
			return err
		}
		if err := body(t.sb); err != nil {
			// the sandboxee state is unknown after a failed body
			t.sb.Terminate(false)
			return err
		}
		return nil
	}
	if t.retries == 0 {
		return attempt()
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(t.interval), t.retries)
	return backoff.Retry(attempt, policy)
}
