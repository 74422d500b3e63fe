package service

import "errors"

// ErrNotStarted is returned by pipeline calls before Start.
var ErrNotStarted = errors.New("service not started")
