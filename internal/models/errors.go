package models

import "errors"

// Sentinel errors for the controller's state-machine guards. Handlers map
// these to specific HTTP codes so agents can take targeted recovery actions
// instead of treating everything as a 500.
var (
	// ErrDuplicateIdempotency: a non-terminal job with the same
	// (repo, ref, host) already exists.
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")

	// ErrNotClaimable: claim attempted on a job that is not pending.
	ErrNotClaimable = errors.New("job is not claimable")

	// ErrNotAssignedToYou: completion posted by an agent that does not own
	// the running job.
	ErrNotAssignedToYou = errors.New("job is not assigned to this agent")

	// ErrAlreadyTerminal: transition attempted on an absorbed job.
	ErrAlreadyTerminal = errors.New("job is already in a terminal state")

	// ErrAgentUnknown: heartbeat from an agent the store has no record of;
	// the worker should re-register.
	ErrAgentUnknown = errors.New("unknown agent")

	// ErrSignatureInvalid: webhook HMAC verification failed.
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrNotFound: entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStoreTransient: underlying persistence I/O failure; callers may
	// retry with backoff.
	ErrStoreTransient = errors.New("transient store failure")
)
