package resolution

import (
	"fmt"

	"github.com/okian/tally/internal/domain/model"
)

// Sentinel kinds for workflow errors.
var (
	ErrNoHeadJudge = fmt.Errorf("session has no head judge: %w", model.ErrInvalidTransition)
	ErrValueNeeded = model.NewValidationError("value", "required for this resolution method")
)
