package worker

import (
	"strings"

	"go.trai.ch/zerr"
)

// Sentinel errors for the transport and worker. The worker serializes
// errors to plain strings on the wire; decodeError maps the canonical
// messages back to these sentinels on the caller side so errors.Is works
// across the channel.
var (
	// ErrNotReady is returned for calls issued before the worker has
	// signalled readiness.
	ErrNotReady = zerr.New("worker not ready")

	// ErrWorkerFailed marks a fatal boot failure. The transport is
	// permanently failed; no further boot attempts are made.
	ErrWorkerFailed = zerr.New("worker failed to start")

	// ErrTimeout is returned when no response arrives within the call
	// deadline.
	ErrTimeout = zerr.New("call timed out")

	// ErrNotFound is returned when a referenced geometry id is absent
	// from the cache.
	ErrNotFound = zerr.New("Geometry not found in cache")

	// ErrUnknownOperation is returned for unrecognized operation names.
	ErrUnknownOperation = zerr.New("unknown operation")

	// ErrClosed is returned for calls issued after the transport shut down.
	ErrClosed = zerr.New("transport closed")
)

// wireSentinels are the errors reconstructed from response messages.
var wireSentinels = []error{
	ErrNotFound,
	ErrUnknownOperation,
	ErrNotReady,
}

// decodeError converts an ERROR response message back into an error
// value, restoring a sentinel when the message carries its canonical text.
func decodeError(msg string) error {
	for _, sentinel := range wireSentinels {
		if strings.HasPrefix(msg, sentinel.Error()) {
			return sentinel
		}
	}
	return zerr.New(msg)
}
