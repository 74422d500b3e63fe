package simulator

import (
	"fmt"
	"strings"
	"time"
)

// Judge is one scoring panel member and the token it connects with.
type Judge struct {
	ID    string
	Token string
}

// Config holds configuration for a simulated scoring round.
type Config struct {
	BaseURL       string        // Base URL of the service
	AdminToken    string        // Token used for session management
	Judges        []Judge       // Panel connecting over the real-time hub
	CompetitionID string        // Competition the session belongs to
	CategoryID    string        // Category whose rules apply
	Teams         int           // Number of teams scored
	Criteria      []string      // Criteria scored per team
	MaxScore      float64       // Upper bound of generated scores
	Spread        float64       // Max distance of a judge from the team's true score
	OutlierRate   float64       // Chance that one score is pushed far off
	Seed          uint64        // Seed for reproducible rounds
	RatePerSec    float64       // Per-judge send rate, zero for unlimited
	Complete      bool          // Complete the session after scoring
	Timeout       time.Duration // HTTP and acknowledgement timeout
	Verbose       bool          // Enable verbose logging
}

// Stats holds round statistics.
type Stats struct {
	SessionID      string
	ScoresPlanned  int
	ScoresSent     int
	Accepted       int
	Conflicts      int
	Duplicates     int
	Rejected       int
	Broadcasts     int
	StandingsTeams int
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
}

// ParseJudges reads a panel from "id:token,id:token".
func ParseJudges(s string) ([]Judge, error) {
	var out []Judge
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, token, ok := strings.Cut(part, ":")
		if !ok || id == "" || token == "" {
			return nil, fmt.Errorf("%w: judge %q must be id:token", ErrInvalidConfig, part)
		}
		out = append(out, Judge{ID: id, Token: token})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no judges", ErrInvalidConfig)
	}
	return out, nil
}

// Validate checks the round can run.
func (c *Config) Validate() error {
	switch {
	case c.BaseURL == "":
		return fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	case len(c.Judges) < 2:
		return fmt.Errorf("%w: at least two judges are required", ErrInvalidConfig)
	case c.Teams <= 0:
		return fmt.Errorf("%w: teams must be positive", ErrInvalidConfig)
	case len(c.Criteria) == 0:
		return fmt.Errorf("%w: at least one criterion is required", ErrInvalidConfig)
	case c.MaxScore <= 0:
		return fmt.Errorf("%w: max score must be positive", ErrInvalidConfig)
	case c.Spread < 0 || c.OutlierRate < 0 || c.OutlierRate > 1:
		return fmt.Errorf("%w: spread and outlier rate out of range", ErrInvalidConfig)
	}
	return nil
}
