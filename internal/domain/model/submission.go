package model

import (
	"strings"
	"time"
)

// SyncStatus tracks where a submission is in the pipeline.
type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusSynced   SyncStatus = "synced"
	StatusConflict SyncStatus = "conflict"
	StatusResolved SyncStatus = "resolved"
	StatusIgnored  SyncStatus = "ignored"
)

// UpdateType distinguishes a first score from a revision.
type UpdateType string

const (
	UpdateInitial  UpdateType = "initial"
	UpdateRevision UpdateType = "revision"
)

// ScoreKey identifies what is being scored: one criterion of one team in one
// session. All mutation for a key is serialized.
type ScoreKey struct {
	SessionID   string `json:"session_id"`
	TeamID      string `json:"team_id"`
	CriterionID string `json:"criterion_id"`
}

// String renders the key as session|team|criterion.
func (k ScoreKey) String() string {
	return strings.Join([]string{k.SessionID, k.TeamID, k.CriterionID}, "|")
}

// Submission is one judge's score for a key. A later submission for the same
// (key, judge) supersedes the prior one; superseded rows stay for audit.
type Submission struct {
	ID              string     `json:"id"`
	Key             ScoreKey   `json:"key"`
	JudgeID         string     `json:"judge_id"`
	Value           float64    `json:"value"`
	PreviousValue   *float64   `json:"previous_value,omitempty"`
	Level           string     `json:"level,omitempty"`
	UpdateType      UpdateType `json:"update_type"`
	ClientTimestamp time.Time  `json:"client_timestamp"`
	ServerTimestamp time.Time  `json:"server_timestamp"`
	Sequence        uint64     `json:"sequence"`
	Status          SyncStatus `json:"status"`
	Superseded      bool       `json:"superseded"`
}

// Counts reports whether the submission participates in aggregation.
func (s Submission) Counts() bool {
	return !s.Superseded && s.Status != StatusIgnored
}

// ScoreInput is an inbound score message after decoding.
type ScoreInput struct {
	SessionID       string     `json:"session_id" validate:"required"`
	TeamID          string     `json:"team_id" validate:"required"`
	CriterionID     string     `json:"criterion_id" validate:"required"`
	JudgeID         string     `json:"judge_id" validate:"required"`
	Score           *float64   `json:"score" validate:"required"`
	Level           string     `json:"level,omitempty"`
	UpdateType      UpdateType `json:"update_type" validate:"omitempty,oneof=initial revision"`
	ClientTimestamp time.Time  `json:"client_timestamp"`
	// ClientMessageID lets a reconnecting client replay a frame safely.
	ClientMessageID string `json:"client_message_id,omitempty"`
}

// Key returns the scoring key of the input.
func (in ScoreInput) Key() ScoreKey {
	return ScoreKey{SessionID: in.SessionID, TeamID: in.TeamID, CriterionID: in.CriterionID}
}
