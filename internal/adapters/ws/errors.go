package ws

import "errors"

// Sentinel errors reported to clients as error frames.
var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrRateLimited    = errors.New("rate limited")
	ErrRoleMismatch   = errors.New("token role does not match requested role")
	ErrSessionBinding = errors.New("message targets another session")
	ErrHubClosed      = errors.New("hub closed")
)
