// Package model contains domain models passed between layers.
package model

import "time"

// SessionStatus is the lifecycle state of a scoring session.
type SessionStatus string

const (
	SessionScheduled SessionStatus = "scheduled"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Session is a live scoring window for one category at one event.
type Session struct {
	ID            string        `json:"id"`
	CompetitionID string        `json:"competition_id"`
	CategoryID    string        `json:"category_id"`
	Status        SessionStatus `json:"status"`
	HeadJudgeID   string        `json:"head_judge_id,omitempty"`
	StartTime     time.Time     `json:"start_time"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// IsActive reports whether submissions may be admitted.
func (s Session) IsActive() bool { return s.Status == SessionActive }

// CanTransition reports whether the session may move to next.
// scheduled -> active -> completed; completed is immutable.
func (s Session) CanTransition(next SessionStatus) bool {
	switch s.Status {
	case SessionScheduled:
		return next == SessionActive
	case SessionActive:
		return next == SessionCompleted
	default:
		return false
	}
}

// ExperienceLevel grades a judge's experience.
type ExperienceLevel string

const (
	ExperienceNovice       ExperienceLevel = "novice"
	ExperienceIntermediate ExperienceLevel = "intermediate"
	ExperienceExpert       ExperienceLevel = "expert"
	ExperienceMaster       ExperienceLevel = "master"
)

// JudgeProfile carries the reliability inputs owned by the external
// calibration service. Read-only to this process.
type JudgeProfile struct {
	JudgeID               string          `json:"judge_id" koanf:"judge_id"`
	Name                  string          `json:"name" koanf:"name"`
	ExperienceLevel       ExperienceLevel `json:"experience_level" koanf:"experience_level"`
	CalibrationScore      float64         `json:"calibration_score" koanf:"calibration_score"`
	YearsOfService        int             `json:"years_of_service" koanf:"years_of_service"`
	HistoricalConsistency float64         `json:"historical_consistency" koanf:"historical_consistency"`
	AssignedTeams         []string        `json:"assigned_teams,omitempty" koanf:"assigned_teams"`
}
