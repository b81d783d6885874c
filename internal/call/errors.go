package call

import "errors"

// Domain error taxonomy. Orchestrator operations return one of these
// (wrapped with detail); the admin surface maps them to HTTP status codes.
var (
	// ErrNotFound covers unknown calls, bridges, recordings, and endpoints.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the allowlist denies a number.
	ErrForbidden = errors.New("forbidden")

	// ErrUnavailable means the switch event channel is down.
	ErrUnavailable = errors.New("switch unavailable")

	// ErrTimeout covers per-operation deadlines and transfer targets that
	// never answer.
	ErrTimeout = errors.New("timed out")

	// ErrSynthesisTimeout means the speech-synthesis server exceeded its
	// deadline. Kept apart from ErrTimeout because the admin surface reports
	// it as a gateway timeout, not a request timeout.
	ErrSynthesisTimeout = errors.New("synthesis timed out")

	// ErrValidation covers malformed caller input.
	ErrValidation = errors.New("invalid request")

	// ErrProtocol covers malformed messages from the switch or ASR server.
	ErrProtocol = errors.New("protocol error")

	// ErrUpstream means the switch or TTS server returned a failure.
	ErrUpstream = errors.New("upstream error")

	// ErrCancelled means the operation was aborted by call lifecycle or
	// process shutdown.
	ErrCancelled = errors.New("cancelled")

	// ErrNotConfigured is returned by speak when no TTS server is set up.
	ErrNotConfigured = errors.New("not configured")

	// ErrAlreadyCapturing is returned by capture-start when a capture
	// pipeline is already live for the call.
	ErrAlreadyCapturing = errors.New("already capturing")
)
