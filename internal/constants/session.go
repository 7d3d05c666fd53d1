package constants

import "time"

const (
	// DefaultRegistrationMaxAttempts bounds duplicate-connection races: a
	// session that keeps losing the registry race terminates instead of
	// retrying forever.
	DefaultRegistrationMaxAttempts = 3

	// DefaultRegistrationRetryDelay is the fixed delay between conflicting
	// registration attempts.
	DefaultRegistrationRetryDelay = 500 * time.Millisecond

	// DefaultScriptTimeout is how long a script correlation token stays
	// routable before the caller is told the device never answered.
	DefaultScriptTimeout = 15 * time.Second

	// DefaultReassignmentJitterMax caps the random delay applied before a
	// session acts on a fleet-wide deployment broadcast.
	DefaultReassignmentJitterMax = 10 * time.Second

	// DefaultPenaltySlack is added past a device's blocked-until timestamp
	// so the eligibility recheck fires strictly after expiry.
	DefaultPenaltySlack = time.Second

	// DefaultMailboxSize bounds a session's inbound queue.
	DefaultMailboxSize = 64
)
