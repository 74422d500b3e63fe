package simulator

import "errors"

var (
	// ErrInvalidConfig reports an unusable round configuration.
	ErrInvalidConfig = errors.New("invalid simulator config")
	// ErrUnexpectedStatus reports a non-success HTTP answer.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrNoAck reports a score that was never acknowledged.
	ErrNoAck = errors.New("score not acknowledged")
)
