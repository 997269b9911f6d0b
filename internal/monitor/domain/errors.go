package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no transport or process dependency.

var (
	// Connection / lookup errors
	ErrUnknownCid = errors.New("no component with that cid")
	ErrUnknownMid = errors.New("no server with that mid")

	// Protocol errors — always connection-local
	ErrProtocolViolation = errors.New("protocol violation: bad message type or malformed frame")
	ErrFrameTooLarge     = errors.New("frame exceeds maximum message size")

	// Configuration errors — fatal at startup
	ErrNoParentsAndNoBless  = errors.New("config: default_algorithm is required")
	ErrInvalidAddr          = errors.New("config: host/port must both be set")
	ErrInvalidConfig        = errors.New("config: invalid configuration")

	// Runner errors
	ErrAllParentsUnreachable = errors.New("runner: no configured parent accepted a connection")
	ErrRunnerClosed          = errors.New("runner: closed")

	// UI errors
	ErrUnknownUIRequest = errors.New("ui: unknown request type")
)
