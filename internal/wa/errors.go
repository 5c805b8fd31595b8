package wa

import "errors"

var (
	// ErrNotConnected is returned when a send is attempted without a live
	// connection for the account.
	ErrNotConnected = errors.New("account not connected")

	// ErrDailyLimitExceeded is returned when the account's daily quota is
	// exhausted. Policy, not a fault: the caller waits for the next day.
	ErrDailyLimitExceeded = errors.New("daily message limit exceeded")

	// ErrAuthInvalidated is returned when the session's credentials were
	// revoked by the network. Auth state is wiped; re-pairing is required.
	ErrAuthInvalidated = errors.New("authentication invalidated, re-pairing required")

	// ErrNotPaired is returned for operations that need a paired device.
	ErrNotPaired = errors.New("account not paired")

	// ErrAlreadyPaired is returned when pairing is requested for a paired account.
	ErrAlreadyPaired = errors.New("account already paired")
)
