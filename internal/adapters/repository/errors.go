package repository

import (
	"errors"

	"github.com/okian/tally/internal/domain/model"
)

// Sentinel kinds for store errors.
var (
	// ErrNotFound matches model.ErrNotFound so callers need not import this package.
	ErrNotFound = model.ErrNotFound
	ErrClosed   = errors.New("store closed")
	ErrDriver   = errors.New("unknown store driver")
)
