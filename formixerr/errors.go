// Package formixerr defines the error taxonomy shared across formix's
// persistence, messaging, and node-runtime layers so callers can classify
// failures with errors.Is/errors.As instead of string-matching messages.
package formixerr

import "errors"

// Kind classifies an error for logging, metrics, and caller decisions.
type Kind string

const (
	// KindPreconditionFailed means the caller violated an API contract
	// (fewer than three coordinators, invalid threshold, duplicate node id).
	KindPreconditionFailed Kind = "precondition_failed"

	// KindTransient means a recoverable transport/store failure. It is
	// retried internally and only surfaced once retries are exhausted.
	KindTransient Kind = "transient"

	// KindInitTimeout means a coordinator failed to acknowledge init
	// within the init window; the computation moves to failed.
	KindInitTimeout Kind = "init_timeout"

	// KindThresholdNotMet means the aligned participant set was smaller
	// than the computation's minimum threshold at reveal time.
	KindThresholdNotMet Kind = "threshold_not_met"

	// KindDuplicateShare means a second share arrived for a (computation,
	// contributor) pair already holding one; it is logged and dropped.
	KindDuplicateShare Kind = "duplicate_share"

	// KindLateShare means a share arrived after the computation deadline.
	KindLateShare Kind = "late_share"

	// KindUnknownComputation means a message referenced a computation id
	// the node has not initialized. coordinator.Node returns it on receipt
	// and holds the message in its pending queue for replay.
	KindUnknownComputation Kind = "unknown_computation"

	// KindShutdownInProgress means new work was rejected because the node
	// is draining.
	KindShutdownInProgress Kind = "shutdown_in_progress"

	// KindFatal classifies an unrecoverable error. No code in this module
	// produces it, and no node terminates itself on it.
	KindFatal Kind = "fatal"

	// KindStartupFailed means start_network could not confirm every spawned
	// node reachable and registered within the bounded startup window.
	KindStartupFailed Kind = "startup_failed"
)

// Error wraps an underlying cause with a Kind for classification.
type Error struct {
	Kind  Kind
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Msg + ": " + e.cause.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind with a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an Error of the given kind wrapping cause.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning ("", false) if err does not
// carry one.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

var (
	// ErrPreconditionFailed is returned verbatim when no further context
	// is useful beyond the Kind itself.
	ErrPreconditionFailed = New(KindPreconditionFailed, "precondition failed")
	ErrThresholdNotMet    = New(KindThresholdNotMet, "threshold not met")
	ErrInitTimeout        = New(KindInitTimeout, "init timeout")
	ErrShutdownInProgress = New(KindShutdownInProgress, "shutdown in progress")
	ErrUnknownComputation = New(KindUnknownComputation, "unknown computation")
	ErrTimeout              = errors.New("formix: timeout")
	ErrComputationFailed    = errors.New("formix: computation failed")
	ErrNetworkStartupFailed = New(KindStartupFailed, "network startup failed")
)
