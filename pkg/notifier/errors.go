package notifier

import "errors"

// Errors returned to callers of the subscription operations.
var (
	ErrUnknownPostalCode = errors.New("postal code not found")
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrNotQueued         = errors.New("not queued")
	ErrInvalidToken      = errors.New("invalid token")
	ErrNotSubscribed     = errors.New("not subscribed")
)
