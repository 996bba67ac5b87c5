package crypto

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"maunium.net/go/mautrix/id"
)

// ErrNotApplicable is returned by a Service that does not handle an event;
// the pipeline moves on to the next service.
var ErrNotApplicable = errors.New("crypto: event not handled by this service")

// ErrUnknownMessageIndex means the session is known but was imported at a
// later ratchet index than the message needs.
var ErrUnknownMessageIndex = errors.New("crypto: unknown message index")

var errNoSession = errors.New("crypto: no inbound session")

// Failure classifies a decryption error.
type Failure int

const (
	SessionError Failure = iota + 1
	Timeout
	AlgorithmNotSupported
	NoContent
)

func (f Failure) String() string {
	switch f {
	case SessionError:
		return "session_error"
	case Timeout:
		return "timeout"
	case AlgorithmNotSupported:
		return "algorithm_not_supported"
	case NoContent:
		return "no_content"
	default:
		return "unknown"
	}
}

// DecryptionError is the per-event failure surfaced next to a timeline entry.
type DecryptionError struct {
	Kind      Failure
	Algorithm id.Algorithm
	SessionID id.SessionID
	Err       error
}

func (e *DecryptionError) Error() string {
	msg := fmt.Sprintf("decrypt: %s", e.Kind)
	if e.SessionID != "" {
		msg += fmt.Sprintf(" (session %s)", e.SessionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind of err, if it is a DecryptionError.
func KindOf(err error) (Failure, bool) {
	var de *DecryptionError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}

// transient failures are retried on the next resolution instead of cached
func transient(err error) bool {
	kind, ok := KindOf(err)
	return !ok || kind == Timeout
}
