package queue

import (
	"errors"
	"fmt"

	"github.com/okian/tally/internal/domain/model"
)

// Sentinel kinds for queue errors.
var (
	ErrClosed = errors.New("queue closed")
	// ErrFull matches model.ErrBackpressure.
	ErrFull = fmt.Errorf("queue full: %w", model.ErrBackpressure)
)
