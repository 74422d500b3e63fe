// Package validation checks a single score submission before it is admitted.
// Validation is stateless: the session and its category rules are passed in.
package validation

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/okian/tally/internal/domain/model"
)

// Warning is a non-fatal finding attached to an admitted submission.
type Warning struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validator checks range, structure and rubric consistency.
type Validator struct {
	structs *validator.Validate
}

// New returns a Validator.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonName)
	return &Validator{structs: v}
}

// Validate runs the checks in order: required fields, numeric range, rubric
// level, active session. The first hard failure is returned as a
// *model.ValidationError; rubric mismatches are warnings.
func (v *Validator) Validate(in model.ScoreInput, session model.Session, rules model.CategoryRules) ([]Warning, error) {
	if err := v.structs.Struct(in); err != nil {
		return nil, toValidationError(err)
	}

	value := *in.Score
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, model.NewValidationError("score", "must be a finite number")
	}
	maxScore := rules.MaxFor(in.CriterionID)
	if value < 0 || value > maxScore {
		return nil, model.NewValidationError("score", fmt.Sprintf("must be within [0, %g]", maxScore))
	}

	var warnings []Warning
	if in.Level != "" {
		if w, ok := checkLevel(in, value, rules); !ok {
			warnings = append(warnings, w)
		}
	}

	if session.ID != in.SessionID {
		return nil, model.NewValidationError("session_id", "unknown session")
	}
	if !session.IsActive() {
		return nil, model.NewValidationError("session_id", fmt.Sprintf("session is %s", session.Status))
	}
	return warnings, nil
}

func checkLevel(in model.ScoreInput, value float64, rules model.CategoryRules) (Warning, bool) {
	levels := rules.LevelsFor(in.CriterionID)
	if len(levels) == 0 {
		return Warning{}, true
	}
	expected, ok := levels[in.Level]
	if !ok {
		return Warning{Field: "level", Message: fmt.Sprintf("unknown rubric level %q", in.Level)}, false
	}
	if math.Abs(value-expected) > rules.LevelTolerance {
		return Warning{
			Field:   "level",
			Message: fmt.Sprintf("score %g does not match level %q (expected %g±%g)", value, in.Level, expected, rules.LevelTolerance),
		}, false
	}
	return Warning{}, true
}

func toValidationError(err error) error {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) && len(errs) > 0 {
		fe := errs[0]
		switch fe.Tag() {
		case "required":
			return model.NewValidationError(fe.Field(), "is required")
		case "oneof":
			return model.NewValidationError(fe.Field(), "must be one of "+fe.Param())
		default:
			return model.NewValidationError(fe.Field(), "failed "+fe.Tag())
		}
	}
	return model.NewValidationError("payload", err.Error())
}

func jsonName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return f.Name
	}
	return name
}

// Struct checks the validate tags of a request body.
func (v *Validator) Struct(s any) error {
	if err := v.structs.Struct(s); err != nil {
		return toValidationError(err)
	}
	return nil
}
