package timeline

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"maunium.net/go/mautrix/id"
)

// Done is returned by Walker.Next once the walk has ended.
var Done = errors.New("timeline: no more entries")

// ErrInvalidBatch rejects a sync batch whose tokens cannot place it in the
// chain.
var ErrInvalidBatch = errors.New("timeline: invalid sync batch")

// ErrStalled is returned by a gap fill when the server answered with events
// that are all stored elsewhere in the chain and the same continuation token,
// so repeating the request cannot make progress.
var ErrStalled = errors.New("timeline: gap fill made no progress")

// TransportError wraps a failed pagination fetch. Nothing was written to the
// chain; the operation may be retried.
type TransportError struct {
	RoomID id.RoomID
	Token  string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("fetch room %s from %q: %v", e.RoomID, e.Token, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// invariantf reports a broken chain: a loop, a duplicate tail or a missing
// required link. These are bugs and are never retried.
func invariantf(format string, args ...interface{}) error {
	return errors.AssertionFailedf("chain invariant violated: "+format, args...)
}

// IsInvariantViolation reports whether err signals a broken chain.
func IsInvariantViolation(err error) bool {
	return errors.IsAssertionFailure(err)
}

// IsTransportError reports whether err came from a failed fetch.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
